package models

import "time"

// PersonaType groups personas by sales posture.
type PersonaType string

const (
	PersonaAggressive   PersonaType = "aggressive"
	PersonaBalanced     PersonaType = "balanced"
	PersonaConservative PersonaType = "conservative"
)

// ResponseStyle describes how a persona writes.
type ResponseStyle struct {
	Tone   string `json:"tone" yaml:"tone"`
	Pacing string `json:"pacing" yaml:"pacing"`
	Focus  string `json:"focus" yaml:"focus"`
}

// BrokerPersona is an immutable snapshot chosen once per conversation.
type BrokerPersona struct {
	Type          PersonaType   `json:"type" yaml:"type"`
	Name          string        `json:"name" yaml:"name"`
	Title         string        `json:"title" yaml:"title"`
	Approach      string        `json:"approach,omitempty" yaml:"approach"`
	UrgencyLevel  string        `json:"urgencyLevel,omitempty" yaml:"urgency_level"`
	ResponseStyle ResponseStyle `json:"responseStyle" yaml:"response_style"`
}

// FallbackType is how the end user should reach a human instead.
type FallbackType string

const (
	FallbackPhone FallbackType = "phone"
	FallbackEmail FallbackType = "email"
	FallbackForm  FallbackType = "form"
)

// Fallback is the uniform payload rendered to the end user when the
// automated handoff cannot complete.
type Fallback struct {
	Type    FallbackType `json:"type"`
	Contact string       `json:"contact"`
	Message string       `json:"message"`
}

// DeduplicationDecision says whether to reuse an open conversation.
type DeduplicationDecision struct {
	ShouldCreateNew        bool   `json:"shouldCreateNew"`
	ExistingConversationID int64  `json:"existingConversationId,omitempty"`
	Reason                 string `json:"reason"`
}

// TimingRecord holds per-message stage timestamps in unix milliseconds.
// A zero value means the stage has not been reached.
type TimingRecord struct {
	ConversationID          int64  `json:"conversationId"`
	MessageID               string `json:"messageId"`
	QueueAddTimestamp       int64  `json:"queueAddTimestamp"`
	WorkerStartTimestamp    int64  `json:"workerStartTimestamp,omitempty"`
	WorkerCompleteTimestamp int64  `json:"workerCompleteTimestamp,omitempty"`
	ChatwootSendTimestamp   int64  `json:"chatwootSendTimestamp,omitempty"`
	TotalDuration           *int64 `json:"totalDuration,omitempty"`
}

// Total returns send minus queue-add, and false while either is unset.
func (r TimingRecord) Total() (int64, bool) {
	if r.QueueAddTimestamp == 0 || r.ChatwootSendTimestamp == 0 {
		return 0, false
	}
	return r.ChatwootSendTimestamp - r.QueueAddTimestamp, true
}

// Alert severities and categories.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"

	CategorySLA    = "sla"
	CategoryQueue  = "queue"
	CategorySystem = "system"
)

// Alert is raised by the SLA monitor when a threshold is breached.
type Alert struct {
	Severity  string    `json:"severity"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
	Details   string    `json:"details,omitempty"`
}
