package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DLQStats contains dead letter queue statistics
type DLQStats struct {
	Total    int64     `json:"total"`
	OldestAt time.Time `json:"oldest_at,omitempty"`
}

// ListDLQ returns failed messages, oldest failure first
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketDeadLetter).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			if skipped < offset {
				skipped++
				continue
			}

			data := msgBucket.Get(v)
			if data == nil {
				continue
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			messages = append(messages, &msg)
		}
		return nil
	})

	return messages, err
}

// Retry moves a failed message back to the pending queue with a fresh
// retry budget
func (s *BoltStorage) Retry(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message not found: %s", id)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if msg.Status != StatusFailed {
			return fmt.Errorf("message %s is %s, only failed messages can be retried", id, msg.Status)
		}

		if err := removeFromIndex(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}

		msg.Status = StatusPending
		msg.RetryCount = 0
		msg.LastError = ""
		msg.UpdatedAt = time.Now()
		if err := putMessage(tx, &msg); err != nil {
			return err
		}

		if err := tx.Bucket(bucketPending).Put(makeIndexKey(msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
			return fmt.Errorf("failed to add to pending: %w", err)
		}
		return nil
	})
}

// DLQStats returns dead letter queue statistics
func (s *BoltStorage) DLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if stats.Total == 0 {
				stats.OldestAt = parseTimestampFromKey(k)
			}
			stats.Total++
		}
		return nil
	})

	return stats, err
}

// CleanupDelivered removes delivered messages older than maxAge
func (s *BoltStorage) CleanupDelivered(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)

		var toDelete [][]byte
		err := msgBucket.ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if msg.Status == StatusDelivered && msg.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := msgBucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// CleanupDLQ removes failed messages older than maxAge, then the oldest
// ones beyond maxCount
func (s *BoltStorage) CleanupDLQ(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dlq := tx.Bucket(bucketDeadLetter)
		msgBucket := tx.Bucket(bucketMessages)

		type entry struct{ key, id []byte }
		var entries []entry
		c := dlq.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entries = append(entries, entry{append([]byte{}, k...), append([]byte{}, v...)})
		}

		cutoff := time.Now().Add(-maxAge)
		excess := 0
		if maxCount > 0 && len(entries) > maxCount {
			excess = len(entries) - maxCount
		}

		// Entries are oldest first, so the first excess ones go regardless of age
		for i, e := range entries {
			expired := maxAge > 0 && parseTimestampFromKey(e.key).Before(cutoff)
			if !expired && i >= excess {
				break
			}
			if err := dlq.Delete(e.key); err != nil {
				return err
			}
			if err := msgBucket.Delete(e.id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}
