package event

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultQueueSize = 10000
	defaultWorkers   = 16
	defaultTimeout   = 30 * time.Second
)

type Event interface {
	Name() string
}

// sessioned events carry the session they route to. Dispatch shards on it.
type sessioned interface {
	Session() string
}

type Handler func(ctx context.Context, e Event) error

// Subscription identifies one registered handler, for Unsubscribe.
type Subscription uint64

type subscriber struct {
	id Subscription
	h  Handler
}

type job struct {
	ctx context.Context
	e   Event
}

// Observer is notified about every handler failure, e.g. to count it.
type Observer func(name string, err error)

type Option func(*Bus)

// WithQueueSize bounds the number of dispatched events waiting for each worker.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queueSize = n }
}

// WithWorkers sets the number of dispatch workers. Events of one session always
// share a worker.
func WithWorkers(n int) Option {
	return func(b *Bus) { b.workers = n }
}

// WithTimeout bounds a single dispatched Publish.
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observe = o }
}

// Bus is an in-memory event bus.
//
// Publish runs the handlers of an event synchronously, in subscription order, and
// returns their errors. Dispatch is fire and forget: events are queued on the worker
// owning their session and published one by one, so events of one session dispatched
// sequentially reach every handler in that order while a slow handler only holds up
// its own shard. Failures are logged instead of returned.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscriber
	nextID   Subscription

	shards    []chan job
	workers   int
	queueSize int
	timeout   time.Duration
	observe   Observer

	closing  chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers:  make(map[string][]subscriber),
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		timeout:   defaultTimeout,
		closing:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}
	if b.workers < 1 {
		b.workers = 1
	}

	b.shards = make([]chan job, b.workers)
	for i := range b.shards {
		b.shards[i] = make(chan job, b.queueSize)
		b.wg.Add(1)
		go b.run(b.shards[i])
	}

	return b
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[name] = append(b.handlers[name], subscriber{id: b.nextID, h: h})

	return b.nextID
}

// Unsubscribe removes a handler. Removing an unknown subscription is a no-op.
func (b *Bus) Unsubscribe(name string, s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[name]
	for i, sub := range subs {
		if sub.id != s {
			continue
		}

		next := make([]subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, name)
		} else {
			b.handlers[name] = next
		}
		return
	}
}

// Handlers returns the number of handlers registered for an event.
func (b *Bus) Handlers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers[name])
}

// Publish an event and wait for all of its handlers.
// Every handler runs even if an earlier one fails; the failures are joined.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	subs := b.handlers[e.Name()]
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := b.call(ctx, s.h, e); err != nil {
			if b.observe != nil {
				b.observe(e.Name(), err)
			}
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *Bus) call(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event: handler panic: %v, stack: %s", r, debug.Stack())
		}
	}()

	return h(ctx, e)
}

// Dispatch queues an event and returns without waiting for its handlers.
// Handler failures are logged. Events dispatched after Stop are dropped.
func (b *Bus) Dispatch(ctx context.Context, e Event) {
	select {
	case <-b.closing:
		slog.WarnContext(ctx, "event: bus stopped, event dropped", logAttrs(e)...)
		return
	default:
	}

	select {
	case b.shard(e) <- job{ctx: ctx, e: e}:
	case <-b.closing:
		slog.WarnContext(ctx, "event: bus stopped, event dropped", logAttrs(e)...)
	}
}

func (b *Bus) shard(e Event) chan job {
	s, ok := e.(sessioned)
	if !ok || len(b.shards) == 1 {
		return b.shards[0]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(s.Session()))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

func (b *Bus) run(queue chan job) {
	defer b.wg.Done()

	for {
		select {
		case j := <-queue:
			b.dispatch(j)
		case <-b.closing:
			for {
				select {
				case j := <-queue:
					b.dispatch(j)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(j job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), b.timeout)
	defer cancel()

	if err := b.Publish(ctx, j.e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			append(logAttrs(j.e), "error", err)...,
		)
	}
}

// Stop stops accepting dispatched events and waits for the queued ones to be handled.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.closing)
	})
	b.wg.Wait()
}

func logAttrs(e Event) []any {
	attrs := []any{"event", e.Name()}
	if s, ok := e.(sessioned); ok {
		attrs = append(attrs, "session_id", s.Session())
	}
	return attrs
}
