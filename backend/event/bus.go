package event

import (
	"context"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Event is implemented by every type that travels over the bus.
type Event[T any] interface {
	Event()
}

// Handler receives events of type T on a bus worker goroutine.
type Handler[T any] func(context.Context, T)

type EventFilter[T any] func(T) bool

const (
	defaultWorkers   = 8
	defaultQueueSize = 256
)

type BusOptions struct {
	Workers   int
	QueueSize int
	Metrics   *prometheus.Registry
}

type BusOption func(*BusOptions)

func WithWorkers(n int) BusOption {
	return func(o *BusOptions) {
		o.Workers = n
	}
}

func WithQueueSize(n int) BusOption {
	return func(o *BusOptions) {
		o.QueueSize = n
	}
}

func WithMetrics(registry *prometheus.Registry) BusOption {
	return func(o *BusOptions) {
		o.Metrics = registry
	}
}

// Bus delivers published events asynchronously to typed subscribers. A full
// queue drops events rather than blocking the publisher.
type Bus struct {
	ctx         context.Context
	cancel      context.CancelFunc
	subscribers map[reflect.Type][]subscriber
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closed      atomic.Bool

	queue chan delivery

	metrics *busMetrics
}

type delivery struct {
	event     any
	eventType string
	invoke    func(context.Context, any)
}

type subscriber struct {
	id     uuid.UUID
	invoke func(context.Context, any)
	close  func()
}

type Subscription struct {
	bus       *Bus
	eventType reflect.Type
	id        uuid.UUID
	once      sync.Once
}

func NewBus(opts ...BusOption) *Bus {
	options := &BusOptions{Workers: defaultWorkers, QueueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(options)
	}
	if options.Workers <= 0 {
		options.Workers = 1
	}
	if options.QueueSize < 0 {
		options.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[reflect.Type][]subscriber),
		queue:       make(chan delivery, options.QueueSize),
		metrics:     newBusMetrics(options.Metrics),
	}

	for range options.Workers {
		bus.wg.Add(1)
		go bus.work()
	}

	return bus
}

func (bus *Bus) work() {
	defer bus.wg.Done()

	for {
		select {
		case <-bus.ctx.Done():
			return
		case d := <-bus.queue:
			bus.deliver(d)
		}
	}
}

func (bus *Bus) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(bus.ctx, "event handler panicked",
				"error", r,
				"event_type", d.eventType,
				"stack", string(debug.Stack()),
			)
		}
	}()

	d.invoke(bus.ctx, d.event)
	bus.metrics.delivered(d.eventType)
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// Subscribe calls handler for every published T accepted by filter. A nil
// filter accepts everything.
func Subscribe[T Event[T]](bus *Bus, handler Handler[T], filter EventFilter[T]) *Subscription {
	if bus.closed.Load() {
		slog.WarnContext(bus.ctx, "subscribe on closed event bus")
		return &Subscription{bus: bus}
	}

	id := uuid.New()
	sub := subscriber{
		id: id,
		invoke: func(ctx context.Context, event any) {
			typed, ok := event.(T)
			if !ok || (filter != nil && !filter(typed)) {
				return
			}
			handler(ctx, typed)
		},
	}

	return bus.add(typeOf[T](), sub)
}

// SubscribeChannel delivers every published T into a buffered channel.
// Events that do not fit into the buffer are dropped. Unsubscribe closes
// the channel.
func SubscribeChannel[T Event[T]](bus *Bus, bufferSize int, filter EventFilter[T]) (<-chan T, *Subscription) {
	if bus.closed.Load() {
		slog.WarnContext(bus.ctx, "subscribe on closed event bus")
		ch := make(chan T)
		close(ch)
		return ch, &Subscription{bus: bus}
	}

	eventType := typeOf[T]()
	eventTypeName := eventType.String()
	ch := make(chan T, bufferSize)
	id := uuid.New()

	// closing and sending are serialized so a late delivery never hits a
	// closed channel
	var (
		chMu     sync.Mutex
		chClosed bool
	)

	sub := subscriber{
		id: id,
		invoke: func(ctx context.Context, event any) {
			typed, ok := event.(T)
			if !ok || (filter != nil && !filter(typed)) {
				return
			}

			chMu.Lock()
			defer chMu.Unlock()
			if chClosed {
				return
			}
			select {
			case ch <- typed:
			default:
				bus.metrics.dropped(eventTypeName)
				slog.DebugContext(ctx, "dropped event, channel buffer full",
					"event_type", eventTypeName,
					"subscriber_id", id,
				)
			}
		},
		close: func() {
			chMu.Lock()
			defer chMu.Unlock()
			if !chClosed {
				chClosed = true
				close(ch)
			}
		},
	}

	return ch, bus.add(eventType, sub)
}

func (bus *Bus) add(eventType reflect.Type, sub subscriber) *Subscription {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.subscribers[eventType] = append(bus.subscribers[eventType], sub)

	return &Subscription{bus: bus, eventType: eventType, id: sub.id}
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		subs := s.bus.subscribers[s.eventType]
		for i, sub := range subs {
			if sub.id != s.id {
				continue
			}
			s.bus.subscribers[s.eventType] = append(subs[:i:i], subs[i+1:]...)
			if sub.close != nil {
				sub.close()
			}
			return
		}
	})
}

// Publish queues event for every subscriber of its type.
func Publish[T Event[T]](bus *Bus, event T) {
	if bus.closed.Load() {
		slog.DebugContext(bus.ctx, "publish on closed event bus")
		return
	}

	eventTypeName := typeOf[T]().String()

	bus.mu.RLock()
	subs := append([]subscriber(nil), bus.subscribers[typeOf[T]()]...)
	bus.mu.RUnlock()

	for _, sub := range subs {
		select {
		case bus.queue <- delivery{event: event, eventType: eventTypeName, invoke: sub.invoke}:
		case <-bus.ctx.Done():
			return
		default:
			bus.metrics.dropped(eventTypeName)
			slog.DebugContext(bus.ctx, "dropped event, work queue full", "event_type", eventTypeName)
		}
	}

	bus.metrics.published(eventTypeName)
}

// Close stops the workers and closes every channel subscription. Queued but
// undelivered events are discarded.
func (bus *Bus) Close() {
	if !bus.closed.CompareAndSwap(false, true) {
		return
	}

	bus.cancel()
	bus.wg.Wait()

	bus.mu.Lock()
	defer bus.mu.Unlock()
	for eventType, subs := range bus.subscribers {
		for _, sub := range subs {
			if sub.close != nil {
				sub.close()
			}
		}
		delete(bus.subscribers, eventType)
	}

	slog.Debug("event bus closed")
}

func (bus *Bus) IsClosed() bool {
	return bus.closed.Load()
}

// SubscriberCount returns the number of subscribers for T.
func SubscriberCount[T Event[T]](bus *Bus) int {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	return len(bus.subscribers[typeOf[T]()])
}
