// Package servicebus is a brokered messaging client with queue and
// topic/subscription entities, peek-lock receive and explicit settlement.
package servicebus

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrEntityNotFound = errors.New("servicebus: messaging entity not found")
	ErrAlreadyExists  = errors.New("servicebus: messaging entity already exists")
	ErrSettled        = errors.New("servicebus: message already settled")
	ErrNoSettler      = errors.New("servicebus: message was not received from an entity")
)

const subscriptionsSegment = "/Subscriptions/"

// QueuePath returns the entity path of a queue.
func QueuePath(queue string) string { return queue }

// SubscriptionPath returns the entity path of a topic subscription.
func SubscriptionPath(topic, subscription string) string {
	return topic + subscriptionsSegment + subscription
}

// SplitSubscriptionPath returns the topic and subscription of a subscription
// path. ok is false for queue paths.
func SplitSubscriptionPath(path string) (topic, subscription string, ok bool) {
	return strings.Cut(path, subscriptionsSegment)
}

// DeadLetterPath is the entity dead-lettered messages of path are moved to.
func DeadLetterPath(path string) string { return path + "/$DeadLetterQueue" }

// Message is a brokered message. Messages returned by a Receiver are locked
// until they are settled with exactly one of Complete, Abandon or
// DeadLetter.
type Message struct {
	MessageID     string         `json:"message_id"`
	Body          []byte         `json:"body"`
	ContentType   string         `json:"content_type,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Label         string         `json:"label,omitempty"`
	To            string         `json:"to,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	DeliveryCount int            `json:"delivery_count"`
	EnqueuedTime  time.Time      `json:"enqueued_time"`
	Properties    map[string]any `json:"properties,omitempty"`

	settler settler
}

type settler interface {
	complete(ctx context.Context) error
	abandon(ctx context.Context) error
	deadLetter(ctx context.Context, reason string) error
}

// NewMessage builds an outgoing message with a text body.
func NewMessage(body string) *Message {
	return &Message{Body: []byte(body)}
}

func (m *Message) check() error {
	if m.settler == nil {
		return ErrNoSettler
	}
	return nil
}

// Complete removes the message from its entity.
func (m *Message) Complete(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.settler.complete(ctx)
}

// Abandon releases the lock so the message can be delivered again.
func (m *Message) Abandon(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.settler.abandon(ctx)
}

// DeadLetter moves the message to the entity's dead-letter queue.
func (m *Message) DeadLetter(ctx context.Context, reason string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.settler.deadLetter(ctx, reason)
}

// Receiver receives locked messages from one entity.
type Receiver interface {
	// Receive blocks until at least one message is available or ctx is
	// done, and returns at most max messages. A missing entity is reported
	// as ErrEntityNotFound.
	Receive(ctx context.Context, max int) ([]*Message, error)
	Close() error
}

// Client is implemented by every messaging backend.
type Client interface {
	// Send delivers msg to a queue or to every subscription of a topic.
	Send(ctx context.Context, entityPath string, msg *Message) error
	NewReceiver(entityPath string) (Receiver, error)
	// CreateEntity creates a queue, or a topic subscription including its
	// topic. An existing entity is reported as ErrAlreadyExists.
	CreateEntity(ctx context.Context, entityPath string) error
	Close() error
}

// SendCreatingEntity sends msg and creates the entity once if it does not
// exist yet.
func SendCreatingEntity(ctx context.Context, c Client, entityPath string, msg *Message) error {
	err := c.Send(ctx, entityPath, msg)
	if !errors.Is(err, ErrEntityNotFound) {
		return err
	}
	if err := c.CreateEntity(ctx, entityPath); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return errors.Wrapf(err, "create entity %s", entityPath)
	}
	return c.Send(ctx, entityPath, msg)
}
