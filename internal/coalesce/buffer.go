// Package coalesce merges near-simultaneous immediate pushes for the
// same goal into one notification. Candidates land in a bounded
// per-goal list keyed by a fixed time bucket; a worker drains buckets
// whose window has closed.
package coalesce

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"infosentry/internal/config"
	"infosentry/pkg/kv"
	"infosentry/pkg/logging"
)

const keyPrefix = "buffer:immediate:"

// Entry is one buffered immediate-push candidate.
type Entry struct {
	GoalID    string    `json:"goal_id"`
	ItemID    string    `json:"item_id"`
	DedupeKey string    `json:"dedupe_key"`
	Score     float64   `json:"score"`
	AddedAt   time.Time `json:"added_at"`
}

// Buffer is the coalescing stage over the kv store.
type Buffer struct {
	kv     kv.Store
	cfg    config.Coalesce
	logger logging.Logger
}

func NewBuffer(kvStore kv.Store, cfg config.Coalesce, logger logging.Logger) *Buffer {
	return &Buffer{kv: kvStore, cfg: cfg, logger: logger}
}

// TimeBucket floors t to the start of its coalescing window, as a unix
// timestamp.
func (b *Buffer) TimeBucket(t time.Time) int64 {
	window := int64(b.cfg.Window.Seconds())
	return t.Unix() - t.Unix()%window
}

func (b *Buffer) key(goalID string, bucket int64) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, goalID, bucket)
}

// Add offers an entry to the goal's current bucket. Returns false when
// the bucket is already full; the caller treats a full bucket as
// "coalesce skipped" and proceeds alone.
func (b *Buffer) Add(ctx context.Context, entry Entry, now time.Time) (bool, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode coalesce entry: %w", err)
	}
	key := b.key(entry.GoalID, b.TimeBucket(now))
	added, err := b.kv.BoundedRPush(ctx, key, string(payload), b.cfg.MaxItems, b.cfg.TTL)
	if err != nil {
		return false, fmt.Errorf("buffer immediate push: %w", err)
	}
	return added, nil
}

// Flush atomically drains one bucket. A concurrent flush of the same
// key gets an empty slice.
func (b *Buffer) Flush(ctx context.Context, key string) ([]Entry, error) {
	raw, err := b.kv.DrainList(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("drain coalesce bucket: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			b.logger.WithError(err).WithField("key", key).Warn("Dropping undecodable coalesce entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DueKeys lists buckets whose window has closed as of now.
func (b *Buffer) DueKeys(ctx context.Context, now time.Time) ([]string, error) {
	keys, err := b.kv.ScanKeys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan coalesce buckets: %w", err)
	}
	currentBucket := b.TimeBucket(now)
	var due []string
	for _, key := range keys {
		bucket, err := bucketFromKey(key)
		if err != nil {
			b.logger.WithField("key", key).Warn("Skipping malformed coalesce key")
			continue
		}
		if bucket < currentBucket {
			due = append(due, key)
		}
	}
	return due, nil
}

// GoalFromKey extracts the goal ID from a bucket key.
func GoalFromKey(key string) string {
	rest := strings.TrimPrefix(key, keyPrefix)
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return rest
	}
	return rest[:idx]
}

func bucketFromKey(key string) (int64, error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 || idx == len(key)-1 {
		return 0, fmt.Errorf("malformed bucket key %q", key)
	}
	return strconv.ParseInt(key[idx+1:], 10, 64)
}
