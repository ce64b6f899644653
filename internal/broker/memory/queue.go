// Package memory is an in-process peek-lock queue. It backs BROKER_DRIVER=memory
// and the consumer tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/notifyhub/notification-pipeline/internal/broker"
)

// ErrQueueFull is returned by Send when the queue holds capacity messages.
var ErrQueueFull = errors.New("queue is full")

// DeadLetter is a message moved to the dead-letter sub-queue.
type DeadLetter struct {
	MessageID     string
	Body          []byte
	DeliveryCount int
	Reason        string
	Description   string
}

type entry struct {
	id            string
	body          []byte
	deliveryCount int
	enqueuedAt    time.Time
	lockToken     string
	lockedUntil   time.Time
	timer         *time.Timer
}

// Queue hands out messages under a time-limited lock. A message whose lock
// expires before settlement becomes available again and its next delivery
// carries an incremented DeliveryCount.
type Queue struct {
	mu           sync.Mutex
	ready        []*entry
	locked       map[string]*entry
	deadLetters  []DeadLetter
	capacity     int
	lockDuration time.Duration

	// signal has capacity 1 so a Send never blocks and a wakeup is never lost.
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(capacity int, lockDuration time.Duration) *Queue {
	return &Queue{
		locked:       make(map[string]*entry),
		capacity:     capacity,
		lockDuration: lockDuration,
		signal:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Send enqueues body and returns the assigned message id. It is non-blocking:
// a full queue returns ErrQueueFull immediately.
func (q *Queue) Send(body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isClosed() {
		return "", broker.ErrClosed
	}
	if len(q.ready)+len(q.locked) >= q.capacity {
		return "", ErrQueueFull
	}

	e := &entry{
		id:         uuid.NewString(),
		body:       append([]byte(nil), body...),
		enqueuedAt: time.Now().UTC(),
	}
	q.ready = append(q.ready, e)
	q.notify()
	return e.id, nil
}

func (q *Queue) Open(_ context.Context) error {
	if q.isClosed() {
		return broker.ErrClosed
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context) (*broker.Message, error) {
	for {
		q.mu.Lock()
		if q.isClosed() {
			q.mu.Unlock()
			return nil, broker.ErrClosed
		}
		if len(q.ready) > 0 {
			msg := q.lockNext()
			if len(q.ready) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, broker.ErrClosed
		}
	}
}

// lockNext pops the head of the ready list. Caller holds q.mu.
func (q *Queue) lockNext() *broker.Message {
	e := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]

	e.deliveryCount++
	e.lockToken = uuid.NewString()
	e.lockedUntil = time.Now().Add(q.lockDuration)
	token := e.lockToken
	e.timer = time.AfterFunc(q.lockDuration, func() { q.expire(token) })
	q.locked[token] = e

	return &broker.Message{
		MessageID:     e.id,
		Body:          append([]byte(nil), e.body...),
		DeliveryCount: e.deliveryCount,
		EnqueuedAt:    e.enqueuedAt,
		LockedUntil:   e.lockedUntil,
		LockToken:     token,
	}
}

// expire returns a message whose lock ran out to the ready list.
func (q *Queue) expire(token string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.locked[token]
	if !ok {
		return
	}
	// Renewed after the timer fired; the re-armed timer will run again.
	if time.Now().Before(e.lockedUntil) {
		return
	}
	delete(q.locked, token)
	e.lockToken = ""
	q.ready = append(q.ready, e)
	q.notify()
}

// release removes a locked message. Caller holds q.mu.
func (q *Queue) release(msg *broker.Message) (*entry, error) {
	if q.isClosed() {
		return nil, broker.ErrClosed
	}
	e, ok := q.locked[msg.LockToken]
	if !ok {
		return nil, broker.ErrLockLost
	}
	e.timer.Stop()
	delete(q.locked, msg.LockToken)
	e.lockToken = ""
	return e, nil
}

func (q *Queue) Complete(_ context.Context, msg *broker.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.release(msg)
	return err
}

func (q *Queue) Abandon(_ context.Context, msg *broker.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.release(msg)
	if err != nil {
		return err
	}
	q.ready = append(q.ready, e)
	q.notify()
	return nil
}

func (q *Queue) DeadLetter(_ context.Context, msg *broker.Message, reason, description string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.release(msg)
	if err != nil {
		return err
	}
	q.deadLetters = append(q.deadLetters, DeadLetter{
		MessageID:     e.id,
		Body:          e.body,
		DeliveryCount: e.deliveryCount,
		Reason:        reason,
		Description:   description,
	})
	return nil
}

func (q *Queue) RenewLock(_ context.Context, msg *broker.Message) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed() {
		return time.Time{}, broker.ErrClosed
	}
	e, ok := q.locked[msg.LockToken]
	if !ok {
		return time.Time{}, broker.ErrLockLost
	}
	e.lockedUntil = time.Now().Add(q.lockDuration)
	e.timer.Reset(q.lockDuration)
	return e.lockedUntil, nil
}

// Close stops all lock timers. Messages still locked are dropped with the queue.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		close(q.done)
		for _, e := range q.locked {
			e.timer.Stop()
		}
	})
	return nil
}

// DeadLetters returns a snapshot of the dead-letter sub-queue.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Depths returns the number of available and locked messages.
func (q *Queue) Depths() (ready, locked int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.locked)
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

var _ broker.Receiver = (*Queue)(nil)
