// Package queue implements storage queues: at-least-once message queues with
// visibility timeouts, dequeue counts and pop receipts.
package queue

import (
	"context"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound    = errors.New("queue: message not found")
	ErrInvalidName = errors.New("queue: invalid name")
)

// DefaultTimeToLive is how long an enqueued message lives before it expires.
const DefaultTimeToLive = 7 * 24 * time.Hour

// Message is a storage queue message.
type Message struct {
	ID              string    `json:"id"`
	Body            []byte    `json:"body"`
	InsertionTime   time.Time `json:"insertion_time"`
	ExpirationTime  time.Time `json:"expiration_time"`
	NextVisibleTime time.Time `json:"next_visible_time"`
	DequeueCount    int       `json:"dequeue_count"`
	PopReceipt      string    `json:"pop_receipt,omitempty"`
}

// AsString returns the body as text.
func (m *Message) AsString() string {
	return string(m.Body)
}

// IsText reports whether the body is valid UTF-8.
func (m *Message) IsText() bool {
	return utf8.Valid(m.Body)
}

// Store is implemented by every queue backend.
type Store interface {
	CreateIfNotExists(ctx context.Context, queue string) error
	Enqueue(ctx context.Context, queue string, body []byte) (*Message, error)
	// Dequeue returns up to max visible messages and hides them for
	// visibility. Each returned message carries a fresh pop receipt.
	Dequeue(ctx context.Context, queue string, max int, visibility time.Duration) ([]*Message, error)
	// Delete removes a dequeued message. The pop receipt must match.
	Delete(ctx context.Context, queue string, msg *Message) error
	// Release makes a dequeued message visible again after delay.
	Release(ctx context.Context, queue string, msg *Message, delay time.Duration) error
}

var queueNamePattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-(?:[a-z0-9]))*$`)

// ValidateName checks the queue naming rules: 3-63 lowercase letters, digits
// and single hyphens, starting and ending with a letter or digit.
func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 63 || !queueNamePattern.MatchString(name) {
		return errors.WithHint(
			errors.Wrapf(ErrInvalidName, "invalid queue name %q", name),
			"queue names must be 3-63 characters of lowercase letters, digits or single hyphens",
		)
	}
	return nil
}

// PoisonQueueName is the queue messages are moved to after too many failed
// dequeues.
func PoisonQueueName(queue string) string {
	return queue + "-poison"
}
