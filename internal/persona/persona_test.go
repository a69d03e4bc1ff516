package persona

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-dispatch/internal/models"
)

func TestTierForScore(t *testing.T) {
	tests := []struct {
		score int
		want  models.PersonaType
	}{
		{100, models.PersonaAggressive},
		{75, models.PersonaAggressive},
		{74, models.PersonaBalanced},
		{45, models.PersonaBalanced},
		{44, models.PersonaConservative},
		{0, models.PersonaConservative},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierForScore(tt.score), "score %d", tt.score)
	}
}

func TestSelectStaysInTier(t *testing.T) {
	c := Default()
	for i := 0; i < 50; i++ {
		assert.Equal(t, models.PersonaAggressive, c.Select(88).Type)
		assert.Equal(t, models.PersonaBalanced, c.Select(50).Type)
		assert.Equal(t, "Grace Lim", c.Select(10).Name)
	}
}

func TestSelectUsesPicker(t *testing.T) {
	c := Default().WithPicker(func(n int) int { return n - 1 })
	assert.Equal(t, "Jasmine Lee", c.Select(90).Name)
	assert.Equal(t, "Sarah Wong", c.Select(60).Name)
}

func TestResolveKeepsCarriedPersona(t *testing.T) {
	c := Default()
	carried := models.BrokerPersona{Type: models.PersonaConservative, Name: "Grace Lim"}
	assert.Equal(t, carried, c.Resolve(&carried, 99))
	assert.Equal(t, models.PersonaAggressive, c.Resolve(nil, 99).Type)
}

func TestGreeting(t *testing.T) {
	c := Default()
	p, ok := c.ByName("rachel tan")
	require.True(t, ok)
	assert.Contains(t, c.Greeting(p, "Wei Ling"), "Hey Wei Ling!")
	assert.Contains(t, c.Greeting(models.BrokerPersona{Name: "Unknown"}, "Ben"), "Hello Ben!")
}

func TestAnalyzeUrgency(t *testing.T) {
	aggressive := models.BrokerPersona{Type: models.PersonaAggressive}
	conservative := models.BrokerPersona{Type: models.PersonaConservative}

	u := AnalyzeUrgency("I need this ASAP please", aggressive)
	assert.True(t, u.IsUrgent)
	assert.Equal(t, time.Second, u.ResponseTime)

	u = AnalyzeUrgency("Can I speak to human? I'm frustrated", conservative)
	assert.True(t, u.Escalate)
	assert.Equal(t, 6*time.Second, u.ResponseTime)
}

func TestLoadYAMLCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
personas:
  - type: aggressive
    name: Alex Ong
    title: Private Banking Specialist
    greeting: "Hi {name}, Alex here."
  - type: balanced
    name: Mei Lin
    title: Home Loan Consultant
  - type: conservative
    name: Hui Min
    title: First-Home Guide
    response_style:
      tone: gentle
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Alex Ong", c.Select(80).Name)
	assert.Equal(t, "Hi Jun, Alex here.", c.Greeting(c.Select(80), "Jun"))
	p, ok := c.ByName("Hui Min")
	require.True(t, ok)
	assert.Equal(t, "gentle", p.ResponseStyle.Tone)
}

func TestLoadRejectsMissingTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("personas:\n  - type: aggressive\n    name: Solo\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
