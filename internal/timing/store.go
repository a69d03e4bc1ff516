package timing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"broker-dispatch/internal/models"
)

var (
	ErrRecordExists = errors.New("timing record already exists")
	ErrNotFound     = errors.New("timing record not found")
)

// Stage names a worker-side boundary in a message's lifecycle.
type Stage string

const (
	StageWorkerStart    Stage = "worker_start"
	StageWorkerComplete Stage = "worker_complete"
	StageChatwootSend   Stage = "chatwoot_send"
)

// Store keeps per-message timing records in their own keyspace with a bounded
// retention, independent of job retention in the queue.
type Store struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewStore builds a timing store. Retention defaults to 24h.
func NewStore(client *redis.Client, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{
		client:    client,
		prefix:    "timing:",
		retention: retention,
		now:       time.Now,
	}
}

func (s *Store) recordKey(conversationID int64, messageID string) string {
	return fmt.Sprintf("%s%d:%s", s.prefix, conversationID, messageID)
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

func (s *Store) conversationIndexKey(conversationID int64) string {
	return fmt.Sprintf("%sconv:%d", s.prefix, conversationID)
}

func member(conversationID int64, messageID string) string {
	return fmt.Sprintf("%d:%s", conversationID, messageID)
}

// Create records the queue-add timestamp for a new message. It refuses to
// overwrite an existing record.
func (s *Store) Create(ctx context.Context, conversationID int64, messageID string, queueAdd int64) error {
	if messageID == "" {
		return errors.New("timing: message id is required")
	}
	cutoff := s.now().Add(-s.retention).UnixMilli()
	keys := []string{
		s.recordKey(conversationID, messageID),
		s.indexKey(),
		s.conversationIndexKey(conversationID),
	}
	created, err := createScript.Run(ctx, s.client, keys,
		conversationID, messageID, queueAdd, s.retention.Milliseconds(),
		member(conversationID, messageID), cutoff).Int()
	if err != nil {
		return fmt.Errorf("create timing record: %w", err)
	}
	if created == 0 {
		return ErrRecordExists
	}
	return nil
}

// Mark stamps a stage boundary on an existing record.
func (s *Store) Mark(ctx context.Context, conversationID int64, messageID string, stage Stage, at time.Time) error {
	switch stage {
	case StageWorkerStart, StageWorkerComplete, StageChatwootSend:
	default:
		return fmt.Errorf("timing: unknown stage %q", stage)
	}
	ok, err := markScript.Run(ctx, s.client, []string{s.recordKey(conversationID, messageID)},
		string(stage), at.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("mark %s: %w", stage, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one record and derives its total duration when complete.
func (s *Store) Get(ctx context.Context, conversationID int64, messageID string) (models.TimingRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(conversationID, messageID)).Result()
	if err != nil {
		return models.TimingRecord{}, fmt.Errorf("get timing record: %w", err)
	}
	if len(fields) == 0 {
		return models.TimingRecord{}, ErrNotFound
	}
	return decodeRecord(conversationID, messageID, fields), nil
}

// Query bounds a Recent lookup.
type Query struct {
	Window         time.Duration
	Limit          int
	ConversationID int64
}

// Recent returns records queued inside the window, newest first. Records
// whose hash already expired are skipped.
func (s *Store) Recent(ctx context.Context, q Query) ([]models.TimingRecord, error) {
	if q.Window <= 0 || q.Window > s.retention {
		q.Window = s.retention
	}
	if q.Limit <= 0 {
		q.Limit = 500
	}
	key := s.indexKey()
	if q.ConversationID != 0 {
		key = s.conversationIndexKey(q.ConversationID)
	}
	now := s.now()
	members, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Min:   strconv.FormatInt(now.Add(-q.Window).UnixMilli(), 10),
		Count: int64(q.Limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read timing index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	type pending struct {
		conversationID int64
		messageID      string
		cmd            *redis.MapStringStringCmd
	}
	pipe := s.client.Pipeline()
	reads := make([]pending, 0, len(members))
	for _, m := range members {
		convPart, msgID, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		convID, err := strconv.ParseInt(convPart, 10, 64)
		if err != nil {
			continue
		}
		reads = append(reads, pending{
			conversationID: convID,
			messageID:      msgID,
			cmd:            pipe.HGetAll(ctx, s.recordKey(convID, msgID)),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read timing records: %w", err)
	}

	out := make([]models.TimingRecord, 0, len(reads))
	for _, r := range reads {
		fields := r.cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeRecord(r.conversationID, r.messageID, fields))
	}
	return out, nil
}

func decodeRecord(conversationID int64, messageID string, fields map[string]string) models.TimingRecord {
	rec := models.TimingRecord{
		ConversationID:          conversationID,
		MessageID:               messageID,
		QueueAddTimestamp:       parseMillis(fields["queue_add"]),
		WorkerStartTimestamp:    parseMillis(fields[string(StageWorkerStart)]),
		WorkerCompleteTimestamp: parseMillis(fields[string(StageWorkerComplete)]),
		ChatwootSendTimestamp:   parseMillis(fields[string(StageChatwootSend)]),
	}
	if total, ok := rec.Total(); ok {
		rec.TotalDuration = &total
	}
	return rec
}

func parseMillis(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HMSET', KEYS[1], 'conversation_id', ARGV[1], 'message_id', ARGV[2], 'queue_add', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[6])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[5])
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[6])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`)

var markScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
