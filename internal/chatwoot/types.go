package chatwoot

// Contact is the subset of a Chatwoot contact this service reads.
type Contact struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	Email            string         `json:"email"`
	PhoneNumber      string         `json:"phone_number"`
	CustomAttributes map[string]any `json:"custom_attributes"`
}

// ContactPayload creates or updates a contact.
type ContactPayload struct {
	InboxID          int            `json:"inbox_id,omitempty"`
	Name             string         `json:"name,omitempty"`
	Email            string         `json:"email,omitempty"`
	PhoneNumber      string         `json:"phone_number,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
}

// Conversation statuses.
const (
	StatusOpen     = "open"
	StatusPending  = "pending"
	StatusResolved = "resolved"
	StatusSnoozed  = "snoozed"
	StatusBot      = "bot"
)

// Conversation is the subset of a Chatwoot conversation this service reads.
// CreatedAt is unix seconds.
type Conversation struct {
	ID               int64          `json:"id"`
	InboxID          int            `json:"inbox_id"`
	Status           string         `json:"status"`
	CreatedAt        int64          `json:"created_at"`
	CustomAttributes map[string]any `json:"custom_attributes"`
}

// ConversationPayload creates a conversation.
type ConversationPayload struct {
	SourceID         string         `json:"source_id,omitempty"`
	InboxID          int            `json:"inbox_id"`
	ContactID        int64          `json:"contact_id"`
	Status           string         `json:"status,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
}

// Message types as Chatwoot encodes them on the wire.
const (
	MessageTypeIncoming = 0
	MessageTypeOutgoing = 1
	MessageTypeActivity = 2
)

// MessagePayload posts a message into a conversation.
type MessagePayload struct {
	Content           string         `json:"content"`
	MessageType       string         `json:"message_type"`
	Private           bool           `json:"private"`
	ContentAttributes map[string]any `json:"content_attributes,omitempty"`
}

// Message is the created message as returned by the API.
type Message struct {
	ID             int64  `json:"id"`
	Content        string `json:"content"`
	ConversationID int64  `json:"conversation_id"`
	MessageType    int    `json:"message_type"`
}
