package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages   = []byte("confirmations")
	bucketPending    = []byte("confirmations_pending")
	bucketDeferred   = []byte("confirmations_deferred")
	bucketDeadLetter = []byte("confirmations_dead_letter")
)

// BoltStorage implements Queue interface using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens the BoltDB file at path, creating it if needed.
// The same file holds the contact store, see DB.
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMessages, bucketPending, bucketDeferred, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Enqueue adds a pending message to the queue
func (s *BoltStorage) Enqueue(ctx context.Context, msg *Message) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	msg.Status = StatusPending

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putMessage(tx, msg); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Put(makeIndexKey(msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
}

// Dequeue claims the next message: deferred messages due for retry first,
// then pending ones in creation order.
func (s *BoltStorage) Dequeue(ctx context.Context) (*Message, error) {
	var msg *Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()

		m, err := claimFirst(tx, bucketDeferred, now, func(k []byte) bool {
			return !parseTimestampFromKey(k).After(now)
		})
		if err != nil || m != nil {
			msg = m
			return err
		}

		msg, err = claimFirst(tx, bucketPending, now, func([]byte) bool { return true })
		return err
	})

	return msg, err
}

// claimFirst marks the first due message of an index as sending and drops
// it from the index. Index entries of deleted messages are cleaned up.
func claimFirst(tx *bolt.Tx, index []byte, now time.Time, due func(k []byte) bool) (*Message, error) {
	msgBucket := tx.Bucket(bucketMessages)
	c := tx.Bucket(index).Cursor()

	for k, v := c.First(); k != nil; k, v = c.Next() {
		if !due(k) {
			return nil, nil // Index is sorted by time
		}

		data := msgBucket.Get(v)
		if data == nil {
			if err := c.Delete(); err != nil {
				return nil, err
			}
			continue
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}

		m.Status = StatusSending
		m.UpdatedAt = now
		if err := putMessage(tx, &m); err != nil {
			return nil, err
		}
		if err := c.Delete(); err != nil {
			return nil, err
		}
		return &m, nil
	}

	return nil, nil
}

// Update stores the message. Deferred messages are indexed for retry and
// failed ones for the dead letter queue.
func (s *BoltStorage) Update(ctx context.Context, msg *Message) error {
	msg.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putMessage(tx, msg); err != nil {
			return err
		}

		switch msg.Status {
		case StatusDeferred:
			if err := tx.Bucket(bucketDeferred).Put(makeIndexKey(msg.NextRetryAt, msg.ID), []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to add to deferred index: %w", err)
			}
		case StatusFailed:
			if err := tx.Bucket(bucketDeadLetter).Put(makeIndexKey(msg.UpdatedAt, msg.ID), []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to add to DLQ index: %w", err)
			}
		}

		return nil
	})
}

// Get retrieves a message by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return nil
		}

		msg = &Message{}
		return json.Unmarshal(data, msg)
	})

	return msg, err
}

// List returns messages ordered by ID with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		skipped := 0
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				return nil
			}

			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if filter.Status != "" && msg.Status != filter.Status {
				return nil
			}
			if filter.Email != "" && msg.Email != filter.Email {
				return nil
			}
			if skipped < filter.Offset {
				skipped++
				return nil
			}

			messages = append(messages, &msg)
			return nil
		})
	})

	return messages, err
}

// Delete removes a message and its index entries
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteMessage(tx, id)
	})
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}

			stats.Total++
			switch msg.Status {
			case StatusPending:
				stats.Pending++
			case StatusSending:
				stats.Sending++
			case StatusDelivered:
				stats.Delivered++
			case StatusFailed:
				stats.Failed++
			case StatusDeferred:
				stats.Deferred++
			}
			return nil
		})
	})

	return stats, err
}

// RequeueSending returns messages left in sending state by an interrupted
// process to the pending index
func (s *BoltStorage) RequeueSending(ctx context.Context) (int, error) {
	requeued := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var stuck []*Message
		err := tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err == nil && msg.Status == StatusSending {
				stuck = append(stuck, &msg)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, msg := range stuck {
			msg.Status = StatusPending
			msg.UpdatedAt = time.Now()
			if err := putMessage(tx, msg); err != nil {
				return err
			}
			if err := tx.Bucket(bucketPending).Put(makeIndexKey(msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}
			requeued++
		}
		return nil
	})

	return requeued, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Ping verifies the database is open and readable
func (s *BoltStorage) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMessages) == nil {
			return fmt.Errorf("bucket %s missing", bucketMessages)
		}
		return nil
	})
}

func putMessage(tx *bolt.Tx, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := tx.Bucket(bucketMessages).Put([]byte(msg.ID), data); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

func deleteMessage(tx *bolt.Tx, id string) error {
	msgBucket := tx.Bucket(bucketMessages)

	if data := msgBucket.Get([]byte(id)); data != nil {
		var msg Message
		if err := json.Unmarshal(data, &msg); err == nil {
			tx.Bucket(bucketPending).Delete(makeIndexKey(msg.CreatedAt, msg.ID))
			tx.Bucket(bucketDeferred).Delete(makeIndexKey(msg.NextRetryAt, msg.ID))
		}
	}
	if err := removeFromIndex(tx.Bucket(bucketDeadLetter), id); err != nil {
		return err
	}

	return msgBucket.Delete([]byte(id))
}

// removeFromIndex deletes the index entry pointing at id
func removeFromIndex(index *bolt.Bucket, id string) error {
	c := index.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == id {
			return c.Delete()
		}
	}
	return nil
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}

// indexTimeFormat is fixed-width so keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	if len(key) < len(indexTimeFormat) {
		return time.Time{}
	}
	ts, _ := time.Parse(indexTimeFormat, string(key[:len(indexTimeFormat)]))
	return ts
}
