// Package broker defines the peek-lock receiver contract the consumer drives.
// Implementations live in broker/memory (in-process) and broker/rabbitmq.
package broker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Dead-letter reasons attached to messages that are removed from the queue.
const (
	ReasonDeserialization  = "DeserializationError"
	ReasonMaxDeliveryCount = "MaxDeliveryCountExceeded"
)

var (
	// ErrClosed is returned by a receiver after Close.
	ErrClosed = errors.New("receiver closed")
	// ErrLockLost means the message lock expired or the channel that held it
	// went away; the broker will redeliver the message.
	ErrLockLost = errors.New("message lock lost")
)

// Message is one delivery attempt. It is only valid until it is settled.
type Message struct {
	MessageID     string
	Body          []byte
	DeliveryCount int // starts at 1
	EnqueuedAt    time.Time
	LockedUntil   time.Time // zero when the broker holds the lock for the channel lifetime
	LockToken     string
}

// Receiver is a peek-lock subscription on one queue. Every received message
// must be settled exactly once with Complete, Abandon or DeadLetter.
type Receiver interface {
	// Open confirms the subscription is active.
	Open(ctx context.Context) error
	// Receive blocks until a message is locked for this receiver, ctx is done
	// or the receiver is closed. Other errors are transport faults.
	Receive(ctx context.Context) (*Message, error)
	Complete(ctx context.Context, msg *Message) error
	Abandon(ctx context.Context, msg *Message) error
	DeadLetter(ctx context.Context, msg *Message, reason, description string) error
	// RenewLock extends the lock and returns the new expiry.
	RenewLock(ctx context.Context, msg *Message) (time.Time, error)
	Close() error
}
