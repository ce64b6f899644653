package worker_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/broker"
	"github.com/notifyhub/notification-pipeline/internal/broker/memory"
	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/repository"
	"github.com/notifyhub/notification-pipeline/internal/service"
	"github.com/notifyhub/notification-pipeline/internal/worker"
)

type harness struct {
	queue    *memory.Queue
	store    *repository.MemoryStore
	consumer *worker.Consumer
	settled  sync.Map // classification -> *atomic.Int64
	renewals atomic.Int64
}

func newHarness(t *testing.T, lockDuration time.Duration, opts worker.Options) *harness {
	t.Helper()
	h := &harness{
		queue: memory.New(100, lockDuration),
		store: repository.NewMemoryStore(),
	}
	if opts.MaxConcurrentCalls == 0 {
		opts.MaxConcurrentCalls = 5
	}
	if opts.MaxAutoLockRenewal == 0 {
		opts.MaxAutoLockRenewal = 10 * time.Minute
	}

	svc := service.NewNotificationService(h.store, zap.NewNop())
	dispatcher := worker.NewDispatcher(svc, 3, zap.NewNop())
	hooks := worker.MetricHooks{
		OnSettled: func(classification string, _ time.Duration) {
			v, _ := h.settled.LoadOrStore(classification, new(atomic.Int64))
			v.(*atomic.Int64).Add(1)
		},
		OnLockRenewal: func(result string) {
			if result == "renewed" {
				h.renewals.Add(1)
			}
		},
	}
	h.consumer = worker.NewConsumer(h.queue, dispatcher, opts, hooks, zap.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.consumer.Stop(ctx)
	})
	return h
}

func (h *harness) settledCount(classification worker.Classification) int {
	v, ok := h.settled.Load(string(classification))
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

func send(t *testing.T, q *memory.Queue, id, userID string) {
	t.Helper()
	body, err := domain.EncodeNotification(&domain.Notification{ID: id, UserID: userID, Title: "Hi", Body: "test"})
	require.NoError(t, err)
	_, err = q.Send(body)
	require.NoError(t, err)
}

func TestConsumer_ProcessesMessages(t *testing.T) {
	h := newHarness(t, time.Minute, worker.Options{})
	require.NoError(t, h.consumer.Start(context.Background()))

	for i := 0; i < 10; i++ {
		send(t, h.queue, fmt.Sprintf("n%d", i), "u1")
	}

	require.Eventually(t, func() bool {
		return h.settledCount(worker.ClassSuccess) == 10
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 10, h.store.Len())
	ready, locked := h.queue.Depths()
	assert.Zero(t, ready+locked)
	assert.Empty(t, h.queue.DeadLetters())
}

func TestConsumer_MalformedMessageIsDeadLettered(t *testing.T) {
	h := newHarness(t, time.Minute, worker.Options{})
	require.NoError(t, h.consumer.Start(context.Background()))

	_, err := h.queue.Send([]byte(`{not valid json`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.queue.DeadLetters()) == 1 }, 5*time.Second, 10*time.Millisecond)

	dl := h.queue.DeadLetters()[0]
	assert.Equal(t, broker.ReasonDeserialization, dl.Reason)
	assert.Equal(t, 1, dl.DeliveryCount)
	assert.Equal(t, 0, h.store.SaveCalls())
}

func TestConsumer_FailingStoreDeadLettersOnThirdDelivery(t *testing.T) {
	h := newHarness(t, time.Minute, worker.Options{})
	h.store.SaveErr = errors.New("connection refused")
	require.NoError(t, h.consumer.Start(context.Background()))

	send(t, h.queue, "n1", "u1")

	require.Eventually(t, func() bool { return len(h.queue.DeadLetters()) == 1 }, 5*time.Second, 10*time.Millisecond)

	dl := h.queue.DeadLetters()[0]
	assert.Equal(t, broker.ReasonMaxDeliveryCount, dl.Reason)
	assert.Equal(t, 3, dl.DeliveryCount)
	assert.Contains(t, dl.Description, "Message failed after 3 attempts")
	assert.Equal(t, 3, h.store.SaveCalls())
	assert.Equal(t, 2, h.settledCount(worker.ClassTransientRetry))
	assert.Equal(t, 1, h.settledCount(worker.ClassDeadLettered))
}

func TestConsumer_TransientFailureRecovers(t *testing.T) {
	h := newHarness(t, time.Minute, worker.Options{})
	var attempts atomic.Int32
	h.store.SaveHook = func(context.Context, *domain.Notification) error {
		if attempts.Add(1) == 1 {
			return errors.New("deadlock detected")
		}
		return nil
	}
	require.NoError(t, h.consumer.Start(context.Background()))

	send(t, h.queue, "n1", "u1")

	require.Eventually(t, func() bool { return h.settledCount(worker.ClassSuccess) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, 1, h.settledCount(worker.ClassTransientRetry))
	assert.Empty(t, h.queue.DeadLetters())
}

// TestConsumer_ConcurrencyCeiling blocks every handler and checks that only
// five run at once, with the rest left in the queue until a slot frees.
func TestConsumer_ConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, time.Minute, worker.Options{})

	gate := make(chan struct{})
	var running, peak atomic.Int32
	h.store.SaveHook = func(context.Context, *domain.Notification) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		running.Add(-1)
		return nil
	}

	const total = 8
	for i := 0; i < total; i++ {
		send(t, h.queue, fmt.Sprintf("n%d", i), fmt.Sprintf("u%d", i))
	}
	require.NoError(t, h.consumer.Start(context.Background()))

	require.Eventually(t, func() bool { return running.Load() == 5 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(5), running.Load())
	ready, locked := h.queue.Depths()
	assert.Equal(t, total-5, ready, "excess messages must wait in the queue")
	assert.Equal(t, 5, locked)

	close(gate)

	require.Eventually(t, func() bool { return h.settledCount(worker.ClassSuccess) == total }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(5), peak.Load())
	assert.Equal(t, total, h.store.ScopesOpened(), "one scope per message")
	assert.LessOrEqual(t, h.store.MaxOpenScopes(), 5)
	assert.Equal(t, 0, h.store.OpenScopes())
}

func TestConsumer_StopDrainsInFlight(t *testing.T) {
	h := newHarness(t, time.Minute, worker.Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	h.store.SaveHook = func(context.Context, *domain.Notification) error {
		close(entered)
		<-release
		return nil
	}
	require.NoError(t, h.consumer.Start(context.Background()))
	send(t, h.queue, "n1", "u1")
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- h.consumer.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}

	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, 1, h.settledCount(worker.ClassSuccess))
}

func TestConsumer_StopTimesOut(t *testing.T) {
	h := newHarness(t, time.Minute, worker.Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h.store.SaveHook = func(context.Context, *domain.Notification) error {
		close(entered)
		<-release
		return nil
	}
	require.NoError(t, h.consumer.Start(context.Background()))
	send(t, h.queue, "n1", "u1")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.consumer.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConsumer_Lifecycle(t *testing.T) {
	t.Run("stop without start", func(t *testing.T) {
		h := newHarness(t, time.Minute, worker.Options{})
		assert.NoError(t, h.consumer.Stop(context.Background()))
		assert.NoError(t, h.consumer.Stop(context.Background()))
	})

	t.Run("start is idempotent", func(t *testing.T) {
		h := newHarness(t, time.Minute, worker.Options{})
		require.NoError(t, h.consumer.Start(context.Background()))
		require.NoError(t, h.consumer.Start(context.Background()))

		send(t, h.queue, "n1", "u1")
		require.Eventually(t, func() bool { return h.store.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, h.consumer.Stop(context.Background()))
		assert.Error(t, h.consumer.Start(context.Background()), "a stopped consumer cannot restart")
	})

	t.Run("start fails on closed receiver", func(t *testing.T) {
		h := newHarness(t, time.Minute, worker.Options{})
		require.NoError(t, h.queue.Close())
		err := h.consumer.Start(context.Background())
		assert.True(t, errors.Is(err, broker.ErrClosed))
	})
}

func TestConsumer_RenewsLockForSlowHandler(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond, worker.Options{})
	h.store.SaveHook = func(context.Context, *domain.Notification) error {
		time.Sleep(250 * time.Millisecond)
		return nil
	}
	require.NoError(t, h.consumer.Start(context.Background()))
	send(t, h.queue, "n1", "u1")

	require.Eventually(t, func() bool { return h.settledCount(worker.ClassSuccess) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.store.SaveCalls(), "lock must not expire while the handler runs")
	assert.Positive(t, h.renewals.Load())
}

func TestConsumer_RenewalIsBounded(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond, worker.Options{MaxAutoLockRenewal: 50 * time.Millisecond})

	var calls atomic.Int32
	release := make(chan struct{})
	h.store.SaveHook = func(context.Context, *domain.Notification) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	}
	require.NoError(t, h.consumer.Start(context.Background()))
	send(t, h.queue, "n1", "u1")

	// The first handler outlives the renewal bound, so the lock lapses and
	// the message is delivered again to another worker.
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return h.settledCount(worker.ClassSuccess) >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.store.Len(), "redelivery must not duplicate the record")
}

type flakyReceiver struct {
	broker.Receiver
	failures atomic.Int32
}

func (f *flakyReceiver) Receive(ctx context.Context) (*broker.Message, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.Receiver.Receive(ctx)
}

func TestConsumer_TransportErrorsDoNotStopConsumer(t *testing.T) {
	q := memory.New(10, time.Minute)
	store := repository.NewMemoryStore()
	receiver := &flakyReceiver{Receiver: q}
	receiver.failures.Store(1)

	var reported atomic.Int32
	c := worker.NewConsumer(
		receiver,
		worker.NewDispatcher(service.NewNotificationService(store, zap.NewNop()), 3, zap.NewNop()),
		worker.Options{
			MaxConcurrentCalls: 1,
			ErrorHandler:       func(error) { reported.Add(1) },
		},
		worker.MetricHooks{},
		zap.NewNop(),
	)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	send(t, q, "n1", "u1")

	require.Eventually(t, func() bool { return store.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), reported.Load())
}

func TestConsumer_RateLimitedIntake(t *testing.T) {
	h := newHarness(t, time.Minute, worker.Options{Limiter: ratelimiter.New(20)})
	for i := 0; i < 30; i++ {
		send(t, h.queue, fmt.Sprintf("n%d", i), "u1")
	}

	start := time.Now()
	require.NoError(t, h.consumer.Start(context.Background()))
	require.Eventually(t, func() bool { return h.store.Len() == 30 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}
