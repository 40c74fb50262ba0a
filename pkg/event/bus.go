package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// BusLogger is the bus' internal log sink. *zerolog.Logger satisfies it.
type BusLogger interface {
	Printf(format string, v ...any)
}

// Handler consumes one event. Handlers run on the publisher's goroutine and
// must return quickly; long work belongs on a queue the handler feeds.
type Handler func(ctx context.Context, evt Event)

// BusOption configures a Bus.
type BusOption func(*busConfig)

type busConfig struct {
	logger BusLogger
}

var (
	errNilBus     = errors.New("event: bus is nil")
	errNilHandler = errors.New("event: handler is nil")

	// ErrBusClosed is returned by Emit and Subscribe after Close.
	ErrBusClosed = errors.New("event: bus closed")
	// ErrSinkFull is logged when Forward drops an event.
	ErrSinkFull = errors.New("event: sink buffer full")
)

// WithLogger sets the bus logger.
func WithLogger(l BusLogger) BusOption {
	return func(cfg *busConfig) {
		cfg.logger = l
	}
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed publish/subscribe hub. Subscribers of a type are invoked in
// subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
	closed bool
	cfg    busConfig
}

// NewBus creates an open bus.
func NewBus(opts ...BusOption) *Bus {
	var cfg busConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Bus{
		subs: make(map[EventType][]subscription),
		cfg:  cfg,
	}
}

// Subscribe registers h for events of type t and returns a function that
// removes the subscription. The returned function is safe to call twice.
func (b *Bus) Subscribe(t EventType, h Handler) (func(), error) {
	if b == nil {
		return nil, errNilBus
	}
	if h == nil {
		return nil, errNilHandler
	}
	if _, ok := typeToCategory[t]; !ok {
		return nil, fmt.Errorf("event: unknown type %q", t)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(t, id) })
	}, nil
}

func (b *Bus) unsubscribe(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[t]
	for i, sub := range list {
		if sub.id == id {
			b.subs[t] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[t]) == 0 {
		delete(b.subs, t)
	}
}

// SubscriberCount reports how many handlers listen for t.
func (b *Bus) SubscriberCount(t EventType) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Emit validates evt and dispatches it to every subscriber of its type.
// A panicking handler is recovered and logged; remaining handlers still run.
func (b *Bus) Emit(ctx context.Context, evt Event) error {
	if b == nil {
		return errNilBus
	}
	normalized := normalizeEvent(evt)
	if err := normalized.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.subs[normalized.Type]))
	for _, sub := range b.subs[normalized.Type] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	if ctx == nil {
		ctx = context.Background()
	}
	for _, h := range handlers {
		b.dispatch(ctx, h, normalized)
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logf("event: recovered handler panic on %s: %v", evt.Type, r)
		}
	}()
	h(ctx, evt)
}

// Close rejects further emits and subscriptions and drops every subscriber.
func (b *Bus) Close() error {
	if b == nil {
		return errNilBus
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.closed = true
	b.subs = make(map[EventType][]subscription)
	b.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	if b == nil {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Forward relays events of the given types (all types when empty) that
// pass match (everything when nil) into sink. Emit never waits on sink: an
// event that finds it full is dropped and logged, so sink's capacity is the
// consumer's slack.
func (b *Bus) Forward(sink chan<- Event, match func(Event) bool, types ...EventType) (func(), error) {
	if b == nil {
		return nil, errNilBus
	}
	if sink == nil {
		return nil, errors.New("event: sink is nil")
	}
	if len(types) == 0 {
		for t := range typeToCategory {
			types = append(types, t)
		}
	}
	relay := func(_ context.Context, evt Event) {
		if match != nil && !match(evt) {
			return
		}
		select {
		case sink <- evt:
		default:
			b.logf("event: drop %s for agent %s: %v", evt.Type, evt.AgentID, ErrSinkFull)
		}
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsub, err := b.Subscribe(t, relay)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}, nil
}

func (b *Bus) logf(format string, v ...any) {
	if b.cfg.logger != nil {
		b.cfg.logger.Printf(format, v...)
	}
}

// Subscribe registers a handler that receives the decoded payload of t.
// Events whose payload is not a T are ignored.
func Subscribe[T any](b *Bus, t EventType, fn func(ctx context.Context, evt Event, data T)) (func(), error) {
	if fn == nil {
		return nil, errNilHandler
	}
	return b.Subscribe(t, func(ctx context.Context, evt Event) {
		data, ok := evt.Data.(T)
		if !ok {
			return
		}
		fn(ctx, evt, data)
	})
}
