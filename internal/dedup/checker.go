package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/chatwoot"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
)

// ConversationSource is the slice of the chat platform API the checker needs.
type ConversationSource interface {
	ListContactConversations(ctx context.Context, contactID int64) ([]chatwoot.Conversation, error)
	GetConversation(ctx context.Context, id int64) (chatwoot.Conversation, error)
	PostMessage(ctx context.Context, conversationID int64, p chatwoot.MessagePayload) (chatwoot.Message, error)
}

// Policy controls when an open conversation is reused.
type Policy struct {
	// ReuseWindow limits reuse to conversations created within this window.
	// Zero disables the age check.
	ReuseWindow     time.Duration
	ScopeByLoanType bool
}

// Checker decides whether a form submission reuses an open conversation.
//
// Two concurrent submissions for the same contact can both observe "no open
// conversation" and both create one. The platform offers no create-if-absent
// primitive, so that duplicate is accepted and logged rather than prevented.
type Checker struct {
	src    ConversationSource
	policy Policy
	now    func() time.Time
	log    zerolog.Logger
}

// NewChecker builds a checker.
func NewChecker(src ConversationSource, policy Policy) *Checker {
	return &Checker{
		src:    src,
		policy: policy,
		now:    time.Now,
		log:    logging.WithComponent("dedup"),
	}
}

// WithBreaker routes every platform call through b, one breaker call per
// request, so lookup failures count toward opening the circuit.
func (c *Checker) WithBreaker(b *breaker.Breaker) *Checker {
	if b != nil {
		c.src = guardedSource{src: c.src, b: b}
	}
	return c
}

type guardedSource struct {
	src ConversationSource
	b   *breaker.Breaker
}

func (g guardedSource) ListContactConversations(ctx context.Context, contactID int64) ([]chatwoot.Conversation, error) {
	return breaker.Call(ctx, g.b, func(ctx context.Context) ([]chatwoot.Conversation, error) {
		return g.src.ListContactConversations(ctx, contactID)
	})
}

func (g guardedSource) GetConversation(ctx context.Context, id int64) (chatwoot.Conversation, error) {
	return breaker.Call(ctx, g.b, func(ctx context.Context) (chatwoot.Conversation, error) {
		return g.src.GetConversation(ctx, id)
	})
}

func (g guardedSource) PostMessage(ctx context.Context, conversationID int64, p chatwoot.MessagePayload) (chatwoot.Message, error) {
	return breaker.Call(ctx, g.b, func(ctx context.Context) (chatwoot.Message, error) {
		return g.src.PostMessage(ctx, conversationID, p)
	})
}

// CheckForExistingConversation never fails: when the platform cannot be
// queried it answers "create new" and says why.
func (c *Checker) CheckForExistingConversation(ctx context.Context, contactID int64, loanType string) models.DeduplicationDecision {
	convs, err := c.src.ListContactConversations(ctx, contactID)
	if err != nil {
		c.log.Warn().Err(err).Int64("contact_id", contactID).Msg("could not list conversations for dedup check")
		return models.DeduplicationDecision{ShouldCreateNew: true, Reason: "Unable to check existing conversations"}
	}

	var latest *chatwoot.Conversation
	for i := range convs {
		conv := &convs[i]
		if !isActive(conv.Status) {
			continue
		}
		if latest == nil || conv.CreatedAt > latest.CreatedAt {
			latest = conv
		}
	}
	if latest == nil {
		return models.DeduplicationDecision{ShouldCreateNew: true, Reason: "No active conversations found"}
	}

	candidate := *latest
	if len(candidate.CustomAttributes) == 0 {
		detail, err := c.src.GetConversation(ctx, candidate.ID)
		if err != nil {
			c.log.Warn().Err(err).Int64("conversation_id", candidate.ID).Msg("could not load conversation detail")
		} else {
			candidate.CustomAttributes = detail.CustomAttributes
		}
	}

	if c.policy.ScopeByLoanType {
		existing, _ := candidate.CustomAttributes["loan_type"].(string)
		if existing != loanType {
			return models.DeduplicationDecision{
				ShouldCreateNew: true,
				Reason:          fmt.Sprintf("Different loan type (existing: %s, requested: %s)", orNone(existing), loanType),
			}
		}
	}

	if c.policy.ReuseWindow > 0 && candidate.CreatedAt > 0 {
		age := c.now().Sub(time.Unix(candidate.CreatedAt, 0))
		if age > c.policy.ReuseWindow {
			return models.DeduplicationDecision{
				ShouldCreateNew: true,
				Reason:          fmt.Sprintf("Existing conversation is %s old, older than %s", age.Truncate(time.Minute), c.policy.ReuseWindow),
			}
		}
	}

	c.log.Info().
		Int64("contact_id", contactID).
		Int64("conversation_id", candidate.ID).
		Str("loan_type", loanType).
		Msg("reusing open conversation")
	return models.DeduplicationDecision{
		ShouldCreateNew:        false,
		ExistingConversationID: candidate.ID,
		Reason:                 "Open conversation within same loan type",
	}
}

// NoteResubmission leaves a private note on a reused conversation. Failures
// are logged only.
func (c *Checker) NoteResubmission(ctx context.Context, conversationID int64, leadName string) {
	content := fmt.Sprintf("%s resubmitted the mortgage form at %s. Continuing in this conversation.",
		leadName, c.now().Format(time.RFC1123))
	_, err := c.src.PostMessage(ctx, conversationID, chatwoot.MessagePayload{
		Content:     content,
		MessageType: "outgoing",
		Private:     true,
	})
	if err != nil {
		c.log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("resubmission note failed")
	}
}

func isActive(status string) bool {
	switch status {
	case chatwoot.StatusOpen, chatwoot.StatusPending, chatwoot.StatusBot:
		return true
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
