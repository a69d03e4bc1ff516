package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/chatwoot"
)

type fakeSource struct {
	convs     []chatwoot.Conversation
	listErr   error
	details   map[int64]chatwoot.Conversation
	posted    []chatwoot.MessagePayload
	detailHit int
}

func (f *fakeSource) ListContactConversations(context.Context, int64) ([]chatwoot.Conversation, error) {
	return f.convs, f.listErr
}

func (f *fakeSource) GetConversation(_ context.Context, id int64) (chatwoot.Conversation, error) {
	f.detailHit++
	d, ok := f.details[id]
	if !ok {
		return chatwoot.Conversation{}, errors.New("not found")
	}
	return d, nil
}

func (f *fakeSource) PostMessage(_ context.Context, _ int64, p chatwoot.MessagePayload) (chatwoot.Message, error) {
	f.posted = append(f.posted, p)
	return chatwoot.Message{ID: 1}, nil
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newChecker(src ConversationSource) *Checker {
	c := NewChecker(src, Policy{ReuseWindow: 30 * time.Minute, ScopeByLoanType: true})
	c.now = func() time.Time { return fixedNow }
	return c
}

func conv(id int64, status, loanType string, age time.Duration) chatwoot.Conversation {
	attrs := map[string]any{}
	if loanType != "" {
		attrs["loan_type"] = loanType
	}
	return chatwoot.Conversation{
		ID:               id,
		Status:           status,
		CreatedAt:        fixedNow.Add(-age).Unix(),
		CustomAttributes: attrs,
	}
}

func TestDecisions(t *testing.T) {
	tests := []struct {
		name       string
		convs      []chatwoot.Conversation
		loanType   string
		wantNew    bool
		wantExists int64
	}{
		{
			name:       "open conversation same loan type is reused",
			convs:      []chatwoot.Conversation{conv(42, "open", "refinance", 5*time.Minute)},
			loanType:   "refinance",
			wantNew:    false,
			wantExists: 42,
		},
		{
			name:     "different loan type creates new",
			convs:    []chatwoot.Conversation{conv(42, "open", "new_purchase", 5*time.Minute)},
			loanType: "refinance",
			wantNew:  true,
		},
		{
			name:     "resolved conversation is ignored",
			convs:    []chatwoot.Conversation{conv(42, "resolved", "refinance", 5*time.Minute)},
			loanType: "refinance",
			wantNew:  true,
		},
		{
			name:     "no conversations",
			loanType: "refinance",
			wantNew:  true,
		},
		{
			name:     "older than reuse window",
			convs:    []chatwoot.Conversation{conv(42, "pending", "refinance", 45*time.Minute)},
			loanType: "refinance",
			wantNew:  true,
		},
		{
			name: "most recent active wins",
			convs: []chatwoot.Conversation{
				conv(40, "open", "refinance", 20*time.Minute),
				conv(41, "pending", "refinance", 2*time.Minute),
				conv(43, "resolved", "refinance", time.Minute),
			},
			loanType:   "refinance",
			wantNew:    false,
			wantExists: 41,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChecker(&fakeSource{convs: tt.convs})
			got := c.CheckForExistingConversation(context.Background(), 7, tt.loanType)
			assert.Equal(t, tt.wantNew, got.ShouldCreateNew)
			assert.Equal(t, tt.wantExists, got.ExistingConversationID)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestListErrorCreatesNew(t *testing.T) {
	c := newChecker(&fakeSource{listErr: errors.New("502")})
	got := c.CheckForExistingConversation(context.Background(), 7, "refinance")
	assert.True(t, got.ShouldCreateNew)
	assert.Equal(t, "Unable to check existing conversations", got.Reason)
}

func TestMissingAttributesLoadsDetail(t *testing.T) {
	listed := conv(42, "open", "", 3*time.Minute)
	listed.CustomAttributes = nil
	src := &fakeSource{
		convs:   []chatwoot.Conversation{listed},
		details: map[int64]chatwoot.Conversation{42: conv(42, "open", "refinance", 3*time.Minute)},
	}
	got := newChecker(src).CheckForExistingConversation(context.Background(), 7, "refinance")
	assert.Equal(t, 1, src.detailHit)
	assert.False(t, got.ShouldCreateNew)
	assert.EqualValues(t, 42, got.ExistingConversationID)
}

func TestLoanTypeAgnosticPolicy(t *testing.T) {
	c := NewChecker(&fakeSource{convs: []chatwoot.Conversation{conv(42, "open", "new_purchase", time.Minute)}},
		Policy{ScopeByLoanType: false})
	c.now = func() time.Time { return fixedNow }
	got := c.CheckForExistingConversation(context.Background(), 7, "refinance")
	assert.False(t, got.ShouldCreateNew)
}

func TestNoteResubmissionIsPrivate(t *testing.T) {
	src := &fakeSource{}
	newChecker(src).NoteResubmission(context.Background(), 42, "Tan Ah Kow")
	require.Len(t, src.posted, 1)
	assert.True(t, src.posted[0].Private)
	assert.Contains(t, src.posted[0].Content, "Tan Ah Kow")
}

func TestLookupFailuresCountTowardBreaker(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "chatwoot", Threshold: 2, Cooldown: time.Minute})
	src := &fakeSource{listErr: errors.New("502")}
	c := newChecker(src).WithBreaker(b)

	for i := 0; i < 2; i++ {
		got := c.CheckForExistingConversation(context.Background(), 7, "refinance")
		assert.True(t, got.ShouldCreateNew)
	}
	assert.Equal(t, breaker.StateOpen, b.State())

	src.listErr = nil
	src.convs = []chatwoot.Conversation{conv(42, "open", "refinance", time.Minute)}
	got := c.CheckForExistingConversation(context.Background(), 7, "refinance")
	assert.True(t, got.ShouldCreateNew, "open circuit skips the lookup")
	assert.Equal(t, "Unable to check existing conversations", got.Reason)
}
