package queue

import (
	"time"

	"github.com/foxzi/basket/internal/news"
)

// MessageStatus represents the status of a message in the queue
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSending   MessageStatus = "sending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusDeferred  MessageStatus = "deferred"
)

// Message is a confirmation email waiting to be rendered and sent
type Message struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	Token       string        `json:"token"`
	Lang        string        `json:"lang"`
	Variant     news.Variant  `json:"variant"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
	MessageID   string        `json:"message_id,omitempty"` // Message-ID header of the last attempt
}

// QueueStats represents queue statistics
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Sending   int64 `json:"sending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Deferred  int64 `json:"deferred"`
	Total     int64 `json:"total"`
}

// ListFilter represents filter options for listing messages
type ListFilter struct {
	Status MessageStatus
	Email  string
	Limit  int
	Offset int
}
