package models

import (
	"time"
)

// JobType tags the two kinds of work the broker queue carries.
type JobType string

const (
	JobNewConversation JobType = "new-conversation"
	JobIncomingMessage JobType = "incoming-message"
)

// Scheduling priorities. Lower value is served first.
const (
	PriorityHighValueLead = 1
	PriorityIncoming      = 3
	PriorityStandardLead  = 5

	HighValueLeadScore = 75
)

// Job lifecycle states persisted in Redis and the audit trail.
const (
	StatusQueued     = "queued"
	StatusDelayed    = "delayed"
	StatusActive     = "active"
	StatusCompleted  = "completed"
	StatusRetrying   = "retrying"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// ProcessedLeadData is the sanitized lead record carried with every job.
type ProcessedLeadData struct {
	Name                string    `json:"name"`
	Email               string    `json:"email,omitempty"`
	Phone               string    `json:"phone,omitempty"`
	LoanType            string    `json:"loanType"`
	PropertyCategory    string    `json:"propertyCategory,omitempty"`
	PropertyType        string    `json:"propertyType,omitempty"`
	ActualIncomes       []float64 `json:"actualIncomes,omitempty"`
	ActualAges          []int     `json:"actualAges,omitempty"`
	EmploymentType      string    `json:"employmentType,omitempty"`
	LeadScore           int       `json:"leadScore"`
	SessionID           string    `json:"sessionId,omitempty"`
	ExistingCommitments float64   `json:"existingCommitments,omitempty"`
	PropertyPrice       float64   `json:"propertyPrice,omitempty"`
}

// TimingData correlates a job with its timing record.
type TimingData struct {
	MessageID         string `json:"messageId"`
	QueueAddTimestamp int64  `json:"queueAddTimestamp"`
}

// ConversationJob is the unit of work enqueued on the broker queue.
type ConversationJob struct {
	ID                   string            `json:"id"`
	Type                 JobType           `json:"type"`
	ConversationID       int64             `json:"conversationId"`
	ContactID            int64             `json:"contactId,omitempty"`
	BrokerID             string            `json:"brokerId,omitempty"`
	BrokerName           string            `json:"brokerName,omitempty"`
	BrokerPersona        *BrokerPersona    `json:"brokerPersona,omitempty"`
	ProcessedLeadData    ProcessedLeadData `json:"processedLeadData"`
	UserMessage          string            `json:"userMessage,omitempty"`
	SkipGreeting         bool              `json:"skipGreeting"`
	IsConversationReopen bool              `json:"isConversationReopen"`
	TimingData           TimingData        `json:"timingData"`
	Priority             int               `json:"priority"`
	Delay                time.Duration     `json:"-"`
	MaxAttempts          int               `json:"maxAttempts"`
}

// JobState is the queue's view of a job: the payload plus lifecycle bookkeeping.
type JobState struct {
	Job       ConversationJob `json:"job"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	Sequence  int64           `json:"sequence"`
	LastError string          `json:"lastError,omitempty"`
	Result    *JobResult      `json:"result,omitempty"`
}

// Job outcome kinds.
const (
	OutcomeSent     = "sent"
	OutcomeFallback = "fallback"
	OutcomeSkipped  = "skipped"
)

// JobResult is the terminal result recorded for a completed job.
type JobResult struct {
	Outcome     string    `json:"outcome"`
	MessageID   int64     `json:"messageId,omitempty"`
	BrokerName  string    `json:"brokerName,omitempty"`
	Fallback    *Fallback `json:"fallback,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// AuditLog is a job lifecycle event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
