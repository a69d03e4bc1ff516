package persona

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"broker-dispatch/internal/models"
)

// Score bands for each persona tier.
const (
	AggressiveMinScore = 75
	BalancedMinScore   = 45
)

// Entry is one persona plus its greeting template. "{name}" in the greeting is
// replaced with the customer's name.
type Entry struct {
	models.BrokerPersona `yaml:",inline"`
	Greeting             string `yaml:"greeting"`
}

type catalogFile struct {
	Personas []Entry `yaml:"personas"`
}

// Catalog holds the personas available for assignment.
type Catalog struct {
	entries []Entry
	byTier  map[models.PersonaType][]int
	pick    func(n int) int
}

// TierForScore maps a lead score onto a persona tier.
func TierForScore(score int) models.PersonaType {
	switch {
	case score >= AggressiveMinScore:
		return models.PersonaAggressive
	case score >= BalancedMinScore:
		return models.PersonaBalanced
	default:
		return models.PersonaConservative
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, _ := newCatalog(defaultEntries)
	return c
}

// Load reads a YAML catalog, falling back to the defaults when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse persona catalog: %w", err)
	}
	return newCatalog(file.Personas)
}

func newCatalog(entries []Entry) (*Catalog, error) {
	c := &Catalog{
		entries: entries,
		byTier:  make(map[models.PersonaType][]int),
		pick:    rand.Intn,
	}
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("persona %d has no name", i)
		}
		switch e.Type {
		case models.PersonaAggressive, models.PersonaBalanced, models.PersonaConservative:
		default:
			return nil, fmt.Errorf("persona %s has unknown type %q", e.Name, e.Type)
		}
		c.byTier[e.Type] = append(c.byTier[e.Type], i)
	}
	for _, tier := range []models.PersonaType{models.PersonaAggressive, models.PersonaBalanced, models.PersonaConservative} {
		if len(c.byTier[tier]) == 0 {
			return nil, errors.New("persona catalog must cover aggressive, balanced and conservative tiers")
		}
	}
	return c, nil
}

// WithPicker replaces the random choice. Intended for tests.
func (c *Catalog) WithPicker(pick func(n int) int) *Catalog {
	c.pick = pick
	return c
}

// Select picks a persona at random among those in the score's tier.
func (c *Catalog) Select(leadScore int) models.BrokerPersona {
	idx := c.byTier[TierForScore(leadScore)]
	return c.entries[idx[c.pick(len(idx))]].BrokerPersona
}

// ByName finds a persona by its display name.
func (c *Catalog) ByName(name string) (models.BrokerPersona, bool) {
	for _, e := range c.entries {
		if strings.EqualFold(e.Name, name) {
			return e.BrokerPersona, true
		}
	}
	return models.BrokerPersona{}, false
}

// Resolve keeps a persona already carried by a job, otherwise selects one.
func (c *Catalog) Resolve(current *models.BrokerPersona, leadScore int) models.BrokerPersona {
	if current != nil && current.Name != "" {
		return *current
	}
	return c.Select(leadScore)
}

// Greeting renders the persona's opening line.
func (c *Catalog) Greeting(p models.BrokerPersona, customerName string) string {
	if customerName == "" {
		customerName = "there"
	}
	for _, e := range c.entries {
		if e.Name == p.Name && e.Greeting != "" {
			return strings.ReplaceAll(e.Greeting, "{name}", customerName)
		}
	}
	return fmt.Sprintf("Hello %s! I'm here to help with your mortgage needs.", customerName)
}

// Urgency is the outcome of scanning a customer message.
type Urgency struct {
	IsUrgent     bool          `json:"isUrgent"`
	ResponseTime time.Duration `json:"responseTime"`
	Escalate     bool          `json:"escalate"`
}

var (
	urgentKeywords = []string{
		"urgent", "asap", "immediately", "now", "today",
		"emergency", "quick", "fast", "hurry",
	}
	escalationKeywords = []string{
		"speak to human", "real person", "manager", "supervisor",
		"complaint", "not happy", "frustrated",
	}
)

// AnalyzeUrgency flags urgent or escalation-worthy messages and picks a
// target response time for the persona.
func AnalyzeUrgency(message string, p models.BrokerPersona) Urgency {
	lower := strings.ToLower(message)
	u := Urgency{
		IsUrgent: containsAny(lower, urgentKeywords),
		Escalate: containsAny(lower, escalationKeywords),
	}
	switch p.Type {
	case models.PersonaAggressive:
		u.ResponseTime = pick(u.IsUrgent, time.Second, 2*time.Second)
	case models.PersonaBalanced:
		u.ResponseTime = pick(u.IsUrgent, 2*time.Second, 4*time.Second)
	default:
		u.ResponseTime = pick(u.IsUrgent, 3*time.Second, 6*time.Second)
	}
	return u
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func pick(cond bool, a, b time.Duration) time.Duration {
	if cond {
		return a
	}
	return b
}
