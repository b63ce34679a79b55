// Package servicebus is the thin bus surface the consumers and the readiness promoter
// depend on, with an Azure Service Bus implementation.
package servicebus

import (
	"context"
	"errors"
	"time"
)

// ErrNoSession is returned by AcceptNextSession when no session became available
// within the accept wait.
var ErrNoSession = errors.New("no session available")

// Message is one received bus message.
type Message struct {
	ID            string
	Body          []byte
	DeliveryCount int
	SessionID     string
	Properties    map[string]any
	EnqueuedTime  time.Time

	// raw is the SDK message, required to settle it.
	raw any
}

// Receiver receives and settles messages from one session or sub-queue.
type Receiver interface {
	// Receive waits for the next message. It returns nil, nil when the receive wait
	// elapses without a message.
	Receive(ctx context.Context) (*Message, error)
	Complete(ctx context.Context, msg *Message) error
	Abandon(ctx context.Context, msg *Message) error
	DeadLetter(ctx context.Context, msg *Message, reason, description string) error
	Close(ctx context.Context) error
}

// SessionAcceptor hands out exclusive locks on the next available session.
type SessionAcceptor interface {
	AcceptNextSession(ctx context.Context) (Receiver, error)
}

// DeadLetterSource opens a receiver on the subscription's dead-letter sub-queue.
type DeadLetterSource interface {
	OpenDeadLetterReceiver(ctx context.Context) (Receiver, error)
}

// DeadLetterPeeker reports whether the dead-letter sub-queue currently holds messages.
type DeadLetterPeeker interface {
	IsDeadLetterQueueEmpty(ctx context.Context) (bool, error)
}
