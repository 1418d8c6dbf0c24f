// Package queue persists confirmation emails and delivers them in the background.
package queue

import (
	"context"
)

// Queue defines the interface for message queue operations
type Queue interface {
	// Enqueue adds a message to the queue
	Enqueue(ctx context.Context, msg *Message) error

	// Dequeue claims the next message due for processing.
	// Returns nil, nil if nothing is due.
	Dequeue(ctx context.Context) (*Message, error)

	// Update stores the message and indexes it by its status
	Update(ctx context.Context, msg *Message) error

	// Get retrieves a message by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Message, error)

	// List returns messages with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Message, error)

	// Delete removes a message from the queue
	Delete(ctx context.Context, id string) error

	// Stats returns queue statistics
	Stats(ctx context.Context) (*QueueStats, error)

	// Close closes the storage connection
	Close() error
}
