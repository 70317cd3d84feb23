package loop

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/evidenceloop/internal/metrics"
	"github.com/BaSui01/evidenceloop/types"
	"go.uber.org/zap"
)

const (
	// DefaultEventBuffer 事件队列默认容量
	DefaultEventBuffer = 256
	// drainTimeout Close 等待队列排空的上限
	drainTimeout = 5 * time.Second
)

type queuedEvent struct {
	ctx    context.Context
	name   string
	fields map[string]any
}

// eventQueue 异步投递事件：turn 只负责入队，单个 worker 顺序调用 Notifier。
// 队列满时丢弃事件并计数。
type eventQueue struct {
	notifier Notifier
	queue    chan queuedEvent
	done     chan struct{}
	metrics  *metrics.Collector
	logger   *zap.Logger

	closeMu sync.RWMutex
	closed  bool
}

func newEventQueue(notifier Notifier, size int, collector *metrics.Collector, logger *zap.Logger) *eventQueue {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	q := &eventQueue{
		notifier: notifier,
		queue:    make(chan queuedEvent, size),
		done:     make(chan struct{}),
		metrics:  collector,
		logger:   logger,
	}
	go q.run()
	return q
}

// publish never blocks. Cancellation of ctx does not cancel delivery.
func (q *eventQueue) publish(ctx context.Context, event string, fields map[string]any) {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), name: event, fields: fields}:
	default:
		q.metrics.RecordNotifierDrop(event)
		q.logger.Debug("event queue full, dropping event", zap.String("event", event))
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for ev := range q.queue {
		q.deliver(ev)
	}
}

func (q *eventQueue) deliver(ev queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("notifier panicked", zap.String("event", ev.name), zap.Any("panic", r))
		}
	}()
	q.notifier.Notify(ev.ctx, ev.name, ev.fields)
}

// close stops intake and waits for queued events to be delivered.
func (q *eventQueue) close() error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.queue)
	q.closeMu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-time.After(drainTimeout):
		return types.Errorf(types.ErrUpstreamTimeout, "event queue not drained within %s", drainTimeout)
	}
}
