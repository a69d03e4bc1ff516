package echo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker remembers messages the bot posted so the webhook can ignore them
// when the chat platform echoes them back.
type Tracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewTracker(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Tracker{client: client, prefix: "echo:", ttl: ttl}
}

func (t *Tracker) idKey(conversationID, messageID int64) string {
	return t.prefix + "id:" + strconv.FormatInt(conversationID, 10) + ":" + strconv.FormatInt(messageID, 10)
}

func (t *Tracker) contentKey(conversationID int64, content string) string {
	return t.prefix + "content:" + strconv.FormatInt(conversationID, 10) + ":" + Fingerprint(content)
}

// Record stores both the message id and a content fingerprint.
func (t *Tracker) Record(ctx context.Context, conversationID, messageID int64, content string) error {
	pipe := t.client.Pipeline()
	if messageID > 0 {
		pipe.Set(ctx, t.idKey(conversationID, messageID), "1", t.ttl)
	}
	pipe.Set(ctx, t.contentKey(conversationID, content), "1", t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record echo: %w", err)
	}
	return nil
}

// IsEcho reports whether a message matches one the bot sent recently.
func (t *Tracker) IsEcho(ctx context.Context, conversationID, messageID int64, content string) (bool, error) {
	keys := []string{t.contentKey(conversationID, content)}
	if messageID > 0 {
		keys = append(keys, t.idKey(conversationID, messageID))
	}
	n, err := t.client.Exists(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("check echo: %w", err)
	}
	return n > 0, nil
}

// Fingerprint normalises whitespace and case before hashing.
func Fingerprint(content string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}
