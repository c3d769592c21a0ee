// Package presence manages the ephemeral state around conversations:
// typing indicators with a 30-second time-to-live and per-user presence
// records. Typing indicators live in a Redis sorted set scored by write
// timestamp so the janitor can expire them with a single range delete.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tasklink/messaging/internal/chat"
)

const (
	// TypingKey is the sorted set holding all live typing indicators.
	// Member format: <job_id>:<user_id>, score: unix timestamp. ZADD on an
	// existing member replaces its score, which gives typing indicators
	// their replace-on-keystroke semantics for free.
	TypingKey = "typing:active"

	// TypingTTL is how long a typing indicator is considered live.
	TypingTTL = 30 * time.Second

	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a presence record outlives its last
	// update.
	PresenceTTL = 24 * time.Hour

	// MembersPrefix is the Redis key prefix for per-job participant sets,
	// written by the pipeline on every persisted message. The gateway reads
	// them to route typing indicators to the other party.
	MembersPrefix = "job:members:"

	// MembersTTL expires the participant set for jobs with no recent
	// message traffic. Typing routing for a silent job degrades to a
	// no-op, which is acceptable for an ephemeral signal.
	MembersTTL = 30 * 24 * time.Hour
)

// Store manages typing indicators and presence records in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a presence store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SetTyping records that userID is typing in jobID's conversation. Each
// keystroke replaces the prior record for that participant. A stop-typing
// signal removes the member immediately.
func (s *Store) SetTyping(ctx context.Context, jobID, userID string, isTyping bool) error {
	member := jobID + ":" + userID
	if !isTyping {
		if err := s.rdb.ZRem(ctx, TypingKey, member).Err(); err != nil {
			return fmt.Errorf("presence: clear typing %s: %w", member, err)
		}
		return nil
	}
	err := s.rdb.ZAdd(ctx, TypingKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("presence: set typing %s: %w", member, err)
	}
	return nil
}

// SweepTyping deletes every typing indicator older than now minus
// TypingTTL and returns how many were removed. Idempotent and safe to run
// concurrently with indicator writes: a racing write either lands with a
// fresh score and survives, or is legitimately stale and eligible.
func (s *Store) SweepTyping(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-TypingTTL).Unix()
	removed, err := s.rdb.ZRemRangeByScore(ctx, TypingKey, "-inf", fmt.Sprintf("(%d", cutoff)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: sweep typing: %w", err)
	}
	return removed, nil
}

// AddJobMembers records users as participants of a job's conversation and
// refreshes the set's TTL.
func (s *Store) AddJobMembers(ctx context.Context, jobID string, userIDs ...string) error {
	key := MembersPrefix + jobID
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, MembersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add members %s: %w", jobID, err)
	}
	return nil
}

// JobMembers returns the known participants of a job's conversation. An
// empty slice means the job has seen no message traffic recently.
func (s *Store) JobMembers(ctx context.Context, jobID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, MembersPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: members %s: %w", jobID, err)
	}
	return members, nil
}

// SetOnline upserts the presence record for a user. Called on session start
// and on outbound message activity.
func (s *Store) SetOnline(ctx context.Context, userID string, online bool) error {
	key := PresencePrefix + userID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"online":      strconv.FormatBool(online),
		"last_active": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set online %s: %w", userID, err)
	}
	return nil
}

// Get reads a user's presence record. Returns nil if none exists.
func (s *Store) Get(ctx context.Context, userID string) (*chat.PresenceRecord, error) {
	key := PresencePrefix + userID
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	lastActive, _ := strconv.ParseInt(fields["last_active"], 10, 64)
	return &chat.PresenceRecord{
		UserID:     userID,
		Online:     fields["online"] == "true",
		LastActive: time.Unix(lastActive, 0),
	}, nil
}
