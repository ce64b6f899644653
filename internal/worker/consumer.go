package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/notification-pipeline/internal/broker"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
)

const (
	receiveErrorBackoff = time.Second
	minRenewInterval    = 5 * time.Millisecond
)

// Processor is the start/stop capability process orchestration depends on.
type Processor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// MetricHooks carries the metric callbacks injected by main. Nil hooks are no-ops.
type MetricHooks struct {
	OnSettled     func(classification string, elapsed time.Duration)
	OnInflight    func(delta int)
	OnLockRenewal func(result string)
}

// Options are the processor options of the notification queue.
type Options struct {
	// MaxConcurrentCalls is the number of workers, and so the ceiling on
	// handlers executing at once.
	MaxConcurrentCalls int
	// MaxAutoLockRenewal bounds how long a slow handler's lock is kept alive.
	MaxAutoLockRenewal time.Duration
	// Limiter optionally throttles intake. Nil means unlimited.
	Limiter *ratelimiter.Limiter
	// ErrorHandler receives transport faults. The consumer keeps running.
	ErrorHandler func(error)
}

// Consumer drives a fixed pool of workers over one broker.Receiver. Each
// worker receives a message, hands it to the Dispatcher and settles it
// before taking the next one, so no message is settled implicitly.
type Consumer struct {
	receiver   broker.Receiver
	dispatcher *Dispatcher
	opts       Options
	hooks      MetricHooks
	logger     *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewConsumer(
	receiver broker.Receiver,
	dispatcher *Dispatcher,
	opts Options,
	hooks MetricHooks,
	logger *zap.Logger,
) *Consumer {
	if opts.MaxConcurrentCalls < 1 {
		opts.MaxConcurrentCalls = 1
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = func(err error) {
			logger.Error("transport error", zap.Error(err))
		}
	}
	if hooks.OnSettled == nil {
		hooks.OnSettled = func(string, time.Duration) {}
	}
	if hooks.OnInflight == nil {
		hooks.OnInflight = func(int) {}
	}
	if hooks.OnLockRenewal == nil {
		hooks.OnLockRenewal = func(string) {}
	}
	return &Consumer{
		receiver:   receiver,
		dispatcher: dispatcher,
		opts:       opts,
		hooks:      hooks,
		logger:     logger,
	}
}

// Start opens the subscription and launches the workers. It returns once
// the receiver is open; a second call is a no-op. ctx bounds only the open:
// the workers run until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	if c.stopped {
		return errors.New("consumer already stopped")
	}
	if err := c.receiver.Open(ctx); err != nil {
		return errors.Wrap(err, "open receiver")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})

	var g errgroup.Group
	for i := 0; i < c.opts.MaxConcurrentCalls; i++ {
		i := i
		g.Go(func() error {
			c.run(runCtx, i)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(c.done)
	}()

	c.started = true
	c.logger.Info("consumer started", zap.Int("max_concurrent_calls", c.opts.MaxConcurrentCalls))
	return nil
}

// Stop stops receiving, waits for in-flight handlers to settle their
// message, then closes the receiver. It is safe to call when Start never
// ran and when called twice. If ctx expires first the receiver is closed
// anyway and ctx's error is returned.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "drain in-flight handlers")
	}

	if cerr := c.receiver.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close receiver")
	}
	c.logger.Info("consumer stopped")
	return err
}

// run is one worker slot. It returns when ctx is cancelled or the receiver
// is closed.
func (c *Consumer) run(ctx context.Context, id int) {
	log := c.logger.With(zap.Int("worker_id", id))
	log.Debug("worker started")
	defer log.Debug("worker stopping")

	for {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return
		}

		msg, err := c.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			c.opts.ErrorHandler(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}

		// In-flight work is not cancelled by Stop; it runs to settlement.
		c.handle(context.WithoutCancel(ctx), msg, log)
	}
}

func (c *Consumer) handle(ctx context.Context, msg *broker.Message, log *zap.Logger) {
	start := time.Now()
	c.hooks.OnInflight(1)
	defer c.hooks.OnInflight(-1)

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		c.renewLock(renewCtx, msg, log)
	}()

	outcome := c.dispatcher.Handle(ctx, msg)

	stopRenew()
	<-renewDone

	if err := c.settle(ctx, msg, outcome); err != nil {
		c.opts.ErrorHandler(errors.Wrapf(err, "settle message %s as %s", msg.MessageID, outcome.Action))
	}
	c.hooks.OnSettled(string(outcome.Classification), time.Since(start))
}

func (c *Consumer) settle(ctx context.Context, msg *broker.Message, outcome Outcome) error {
	switch outcome.Action {
	case ActionComplete:
		return c.receiver.Complete(ctx, msg)
	case ActionAbandon:
		return c.receiver.Abandon(ctx, msg)
	case ActionDeadLetter:
		return c.receiver.DeadLetter(ctx, msg, outcome.Reason, outcome.Description)
	default:
		return errors.Newf("unknown settlement action %d", int(outcome.Action))
	}
}

// renewLock keeps msg locked while its handler runs, renewing at half the
// remaining lock time, for at most MaxAutoLockRenewal. Messages with no
// lock expiry are held by the broker and need no renewal.
func (c *Consumer) renewLock(ctx context.Context, msg *broker.Message, log *zap.Logger) {
	lockedUntil := msg.LockedUntil
	if lockedUntil.IsZero() || c.opts.MaxAutoLockRenewal <= 0 {
		return
	}
	deadline := time.Now().Add(c.opts.MaxAutoLockRenewal)

	for {
		wait := max(time.Until(lockedUntil)/2, minRenewInterval)
		if time.Now().Add(wait).After(deadline) {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		until, err := c.receiver.RenewLock(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.hooks.OnLockRenewal("failed")
			log.Warn("lock renewal failed", zap.String("message_id", msg.MessageID), zap.Error(err))
			return
		}
		c.hooks.OnLockRenewal("renewed")
		if until.IsZero() {
			return
		}
		lockedUntil = until
	}
}

var _ Processor = (*Consumer)(nil)
