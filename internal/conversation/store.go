// Package conversation maintains per-pair conversation summaries and unread
// counters in Redis. Counter adjustments are server-side atomic operations
// (HINCRBY and a Lua clamp script) so concurrent messages never lose
// updates, and a reader's counter can never go negative.
package conversation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tasklink/messaging/internal/chat"
)

const (
	// ConvPrefix is the Redis key prefix for conversation hashes.
	ConvPrefix = "conv:"

	// UnreadField prefixes the per-participant unread counter fields inside
	// the conversation hash.
	UnreadField = "unread:"
)

// Store manages conversation summaries in Redis.
type Store struct {
	rdb        *redis.Client
	decrScript *redis.Script
}

// NewStore creates a conversation store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:        rdb,
		decrScript: redis.NewScript(decrClampLua),
	}
}

// Upsert merges the conversation summary for a new message: participants,
// the denormalized last-message snapshot, and updated_at. HSET merges into
// any existing hash, so fields not listed here (the unread counters) are
// left untouched. The conversation is created lazily by the first message.
func (s *Store) Upsert(ctx context.Context, convID string, participants [2]string, last chat.LastMessage) error {
	key := ConvPrefix + convID

	err := s.rdb.HSet(ctx, key, map[string]interface{}{
		"participant_a":  participants[0],
		"participant_b":  participants[1],
		"last_id":        last.ID,
		"last_content":   last.Content,
		"last_sender_id": last.SenderID,
		"last_ts":        last.Ts,
		"last_type":      last.Type,
		"updated_at":     time.Now().Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("conversation: upsert %s: %w", convID, err)
	}
	return nil
}

// IncrementUnread atomically adds one to userID's unread counter.
func (s *Store) IncrementUnread(ctx context.Context, convID, userID string) (int64, error) {
	key := ConvPrefix + convID
	n, err := s.rdb.HIncrBy(ctx, key, UnreadField+userID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("conversation: increment unread %s/%s: %w", convID, userID, err)
	}
	return n, nil
}

// DecrementUnread atomically subtracts one from userID's unread counter,
// clamping at zero. Returns the resulting count and whether the clamp fired
// (the counter would have gone negative), so the caller can log the anomaly.
func (s *Store) DecrementUnread(ctx context.Context, convID, userID string) (int64, bool, error) {
	key := ConvPrefix + convID
	res, err := s.decrScript.Run(ctx, s.rdb, []string{key}, UnreadField+userID).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("conversation: decrement unread %s/%s: %w", convID, userID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("conversation: decrement unread %s/%s: unexpected script reply %v", convID, userID, res)
	}
	return res[0], res[1] == 1, nil
}

// Unread returns userID's current unread counter for the conversation.
// A missing field reads as zero.
func (s *Store) Unread(ctx context.Context, convID, userID string) (int, error) {
	key := ConvPrefix + convID
	val, err := s.rdb.HGet(ctx, key, UnreadField+userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("conversation: read unread %s/%s: %w", convID, userID, err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("conversation: parse unread %s/%s: %w", convID, userID, err)
	}
	return n, nil
}

// Get retrieves a conversation summary. Returns nil if not found.
func (s *Store) Get(ctx context.Context, convID string) (*chat.Conversation, error) {
	key := ConvPrefix + convID
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation: get %s: %w", convID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	lastTs, _ := strconv.ParseInt(fields["last_ts"], 10, 64)
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)

	conv := &chat.Conversation{
		ID:           convID,
		Participants: [2]string{fields["participant_a"], fields["participant_b"]},
		LastMessage: chat.LastMessage{
			ID:       fields["last_id"],
			Content:  fields["last_content"],
			SenderID: fields["last_sender_id"],
			Ts:       lastTs,
			Type:     fields["last_type"],
		},
		UpdatedAt: time.Unix(updatedAt, 0),
		Unread:    make(map[string]int),
	}

	for field, val := range fields {
		if len(field) > len(UnreadField) && field[:len(UnreadField)] == UnreadField {
			if n, err := strconv.Atoi(val); err == nil {
				conv.Unread[field[len(UnreadField):]] = n
			}
		}
	}
	return conv, nil
}

// decrClampLua decrements an unread counter and clamps it at zero. Reply is
// {count, clamped} where clamped is 1 when the decrement would have driven
// the counter negative.
const decrClampLua = `
local key = KEYS[1]
local field = ARGV[1]

local current = tonumber(redis.call('HGET', key, field)) or 0
if current <= 0 then
    redis.call('HSET', key, field, 0)
    return {0, 1}
end

local count = redis.call('HINCRBY', key, field, -1)
return {count, 0}
`
