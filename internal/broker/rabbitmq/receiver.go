// Package rabbitmq adapts an AMQP 0.9.1 quorum queue to broker.Receiver.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/broker"
)

const (
	dlxSuffix = ".dlx"
	dlqSuffix = ".dlq"

	headerDeliveryCount   = "x-delivery-count"
	headerDeadLetterCause = "x-dead-letter-reason"
	headerDeadLetterDesc  = "x-dead-letter-description"

	minRedialBackoff = 500 * time.Millisecond
	maxRedialBackoff = 30 * time.Second
)

type receiverOptions struct {
	prefetchCount int
	consumerName  string
	errorHandler  func(error)
	logger        *zap.Logger
}

type ReceiverOption func(o *receiverOptions)

// WithPrefetchCount bounds unacknowledged deliveries on the channel. It is
// set to the consumer's max concurrent calls so excess messages stay queued
// at the broker.
func WithPrefetchCount(c int) ReceiverOption {
	return func(o *receiverOptions) {
		o.prefetchCount = c
	}
}

func WithConsumerName(name string) ReceiverOption {
	return func(o *receiverOptions) {
		o.consumerName = name
	}
}

// WithErrorHandler receives connection and channel faults.
func WithErrorHandler(fn func(error)) ReceiverOption {
	return func(o *receiverOptions) {
		o.errorHandler = fn
	}
}

func WithLogger(l *zap.Logger) ReceiverOption {
	return func(o *receiverOptions) {
		o.logger = l
	}
}

type session struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	// lost yields once when the connection or channel closes or the server
	// cancels the consumer. A nil value means a clean client-side close.
	lost     <-chan error
	shutdown func() error
}

// Receiver consumes one quorum queue with manual acknowledgement. A delivery
// stays locked for as long as the channel that received it is open.
type Receiver struct {
	url         string
	queue       string
	dlxExchange string
	dlqQueue    string
	consumerTag string
	options     receiverOptions

	dial func() (*session, error)

	mu       sync.Mutex
	sess     *session
	ready    chan struct{} // closed once sess is set
	inflight map[string]amqp.Delivery

	opened    bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewReceiver(url, queue string, opts ...ReceiverOption) *Receiver {
	options := receiverOptions{
		prefetchCount: 1,
		consumerName:  "notification-pipeline",
		errorHandler:  func(error) {},
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	r := &Receiver{
		url:         url,
		queue:       queue,
		dlxExchange: queue + dlxSuffix,
		dlqQueue:    queue + dlqSuffix,
		consumerTag: fmt.Sprintf("%s-%s", options.consumerName, xid.New()),
		options:     options,
		ready:       make(chan struct{}),
		inflight:    make(map[string]amqp.Delivery),
		done:        make(chan struct{}),
	}
	r.dial = r.connect
	return r
}

// Open dials the broker, declares the topology and starts consuming. It
// returns once the subscription is active; later connection loss is handled
// by a background redial loop.
func (r *Receiver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	opened := r.opened
	r.mu.Unlock()
	if opened {
		return nil
	}

	s, err := r.dial()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.opened {
		r.mu.Unlock()
		_ = s.shutdown()
		return nil
	}
	r.opened = true
	r.mu.Unlock()

	r.setSession(s)
	r.wg.Add(1)
	go r.supervise(s)
	return nil
}

func (r *Receiver) connect() (*session, error) {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := ch.NotifyCancel(make(chan string, 1))

	if err := r.setupTopology(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.Qos(r.options.prefetchCount, 0, false); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "set qos")
	}

	// Dead-letter publishes wait for the broker's confirm before the
	// original delivery is acknowledged.
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "enable publisher confirms")
	}

	deliveries, err := ch.Consume(r.queue, r.consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "consume")
	}

	lost := make(chan error, 1)
	go func() {
		select {
		case amqpErr, ok := <-connClosed:
			lost <- closeCause("amqp connection closed", amqpErr, ok)
		case amqpErr, ok := <-chClosed:
			lost <- closeCause("amqp channel closed", amqpErr, ok)
		case tag, ok := <-cancelled:
			if !ok {
				lost <- nil
				return
			}
			lost <- errors.Newf("consumer %s cancelled by the broker", tag)
		}
	}()

	return &session{
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		lost:       lost,
		shutdown: func() error {
			_ = ch.Cancel(r.consumerTag, false)
			return conn.Close()
		},
	}, nil
}

func closeCause(msg string, amqpErr *amqp.Error, ok bool) error {
	if !ok || amqpErr == nil {
		return nil
	}
	return errors.Wrap(amqpErr, msg)
}

func (r *Receiver) setupTopology(ch *amqp.Channel) error {
	quorum := amqp.Table{"x-queue-type": "quorum"}

	if err := ch.ExchangeDeclare(r.dlxExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare dead-letter exchange")
	}
	if _, err := ch.QueueDeclare(r.dlqQueue, true, false, false, false, quorum); err != nil {
		return errors.Wrap(err, "declare dead-letter queue")
	}
	if err := ch.QueueBind(r.dlqQueue, "", r.dlxExchange, false, nil); err != nil {
		return errors.Wrap(err, "bind dead-letter queue")
	}

	incomingArgs := amqp.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": r.dlxExchange,
	}
	if _, err := ch.QueueDeclare(r.queue, true, false, false, false, incomingArgs); err != nil {
		return errors.Wrap(err, "declare queue")
	}
	return nil
}

// supervise waits for the session to drop and redials with capped
// exponential backoff until the receiver is closed. A dead channel on a live
// connection counts as a drop: the connection is torn down and redialled.
func (r *Receiver) supervise(s *session) {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case err := <-s.lost:
			if err != nil {
				r.options.errorHandler(err)
			}
		}
		r.clearSession(s)
		_ = s.shutdown()

		backoff := minRedialBackoff
		for {
			select {
			case <-r.done:
				return
			case <-time.After(backoff):
			}

			next, err := r.dial()
			if err == nil {
				s = next
				r.setSession(s)
				r.options.logger.Info("amqp session re-established", zap.String("queue", r.queue))
				break
			}
			r.options.errorHandler(err)
			backoff = min(backoff*2, maxRedialBackoff)
		}
	}
}

func (r *Receiver) setSession(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sess = s
	close(r.ready)
}

// clearSession drops s if it is still current. Deliveries received on it can
// no longer be acknowledged.
func (r *Receiver) clearSession(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != s {
		return
	}
	r.sess = nil
	r.ready = make(chan struct{})
	for token, d := range r.inflight {
		if d.Acknowledger == s.ch {
			delete(r.inflight, token)
		}
	}
}

func (r *Receiver) current() (*session, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess, r.ready
}

func (r *Receiver) Receive(ctx context.Context) (*broker.Message, error) {
	for {
		s, ready := r.current()
		if s == nil {
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-r.done:
				return nil, broker.ErrClosed
			}
		}

		select {
		case d, ok := <-s.deliveries:
			if !ok {
				r.clearSession(s)
				continue
			}
			return r.track(d), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, broker.ErrClosed
		}
	}
}

func (r *Receiver) track(d amqp.Delivery) *broker.Message {
	token := xid.New().String()

	r.mu.Lock()
	r.inflight[token] = d
	r.mu.Unlock()

	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("%s/%d", r.consumerTag, d.DeliveryTag)
	}
	enqueued := d.Timestamp
	if enqueued.IsZero() {
		enqueued = time.Now()
	}

	return &broker.Message{
		MessageID:     id,
		Body:          d.Body,
		DeliveryCount: deliveryCount(d.Headers, d.Redelivered),
		EnqueuedAt:    enqueued.UTC(),
		LockToken:     token,
	}
}

// take removes the delivery behind msg from the in-flight set.
func (r *Receiver) take(msg *broker.Message) (amqp.Delivery, *session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.inflight[msg.LockToken]
	if !ok {
		return amqp.Delivery{}, nil, broker.ErrLockLost
	}
	delete(r.inflight, msg.LockToken)
	return d, r.sess, nil
}

func (r *Receiver) Complete(_ context.Context, msg *broker.Message) error {
	d, _, err := r.take(msg)
	if err != nil {
		return err
	}
	if err := d.Ack(false); err != nil {
		return errors.Mark(errors.Wrap(err, "ack"), broker.ErrLockLost)
	}
	return nil
}

func (r *Receiver) Abandon(_ context.Context, msg *broker.Message) error {
	d, _, err := r.take(msg)
	if err != nil {
		return err
	}
	if err := d.Nack(false, true); err != nil {
		return errors.Mark(errors.Wrap(err, "nack"), broker.ErrLockLost)
	}
	return nil
}

// DeadLetter publishes the body to the dead-letter exchange with the reason
// headers, then acknowledges the original delivery.
func (r *Receiver) DeadLetter(ctx context.Context, msg *broker.Message, reason, description string) error {
	d, s, err := r.take(msg)
	if err != nil {
		return err
	}
	if s == nil || d.Acknowledger != s.ch {
		return broker.ErrLockLost
	}

	headers := amqp.Table{
		headerDeadLetterCause: reason,
		headerDeadLetterDesc:  description,
	}
	for k, v := range d.Headers {
		if _, exists := headers[k]; !exists {
			headers[k] = v
		}
	}

	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, r.dlxExchange, "", false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
	})
	if err != nil {
		r.restore(msg.LockToken, d)
		return errors.Wrap(err, "publish to dead-letter exchange")
	}
	if err := waitConfirm(ctx, confirm); err != nil {
		r.restore(msg.LockToken, d)
		return err
	}

	if err := d.Ack(false); err != nil {
		return errors.Mark(errors.Wrap(err, "ack dead-lettered delivery"), broker.ErrLockLost)
	}
	return nil
}

// restore puts a delivery back in flight so the caller can still abandon it.
func (r *Receiver) restore(token string, d amqp.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[token] = d
}

// confirmation is the part of *amqp.DeferredConfirmation DeadLetter uses.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// waitConfirm blocks until the broker has taken responsibility for a
// publish. A nack or a nil confirmation (channel not in confirm mode) is
// an error, so the original delivery is never acknowledged on a maybe.
func waitConfirm(ctx context.Context, c *amqp.DeferredConfirmation) error {
	if c == nil {
		return errors.New("dead-letter publish was not confirmed: channel not in confirm mode")
	}
	return awaitAck(ctx, c)
}

func awaitAck(ctx context.Context, c confirmation) error {
	acked, err := c.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "wait for dead-letter publish confirm")
	}
	if !acked {
		return errors.New("dead-letter publish was nacked by the broker")
	}
	return nil
}

// RenewLock is a no-op: the delivery stays unacknowledged, and therefore
// locked, until the channel closes.
func (r *Receiver) RenewLock(_ context.Context, msg *broker.Message) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[msg.LockToken]; !ok {
		return time.Time{}, broker.ErrLockLost
	}
	return time.Time{}, nil
}

func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.mu.Lock()
		s := r.sess
		r.sess = nil
		r.mu.Unlock()

		if s != nil {
			err = s.shutdown()
		}
	})
	return err
}

// deliveryCount converts the quorum queue's redelivery header into a
// 1-based attempt number.
func deliveryCount(headers amqp.Table, redelivered bool) int {
	switch v := headers[headerDeliveryCount].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if redelivered {
		return 2
	}
	return 1
}

var _ broker.Receiver = (*Receiver)(nil)
