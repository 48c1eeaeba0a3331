package events

import (
	"context"
	"log/slog"
	"sync"
)

// LogPublisher writes events to the log. It stands in when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event *Event) error {
	p.logger.Debug("event emitted",
		"event_id", event.ID,
		"type", event.Type,
		"aggregate_id", event.AggregateID,
	)
	return nil
}

// Bus delivers events to in-process handlers and then forwards them to an
// optional downstream publisher. Handlers always receive a context detached
// from the publisher's cancellation, so a reaction is not lost when the
// request that committed the change goes away. Handler errors are logged and
// do not stop delivery.
//
// Delivery is synchronous until Start is called; after that handlers run on
// worker goroutines and Publish returns once the event is queued.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	next     Publisher
	logger   *slog.Logger

	queue  chan delivery
	closed bool
	wg     sync.WaitGroup
}

type delivery struct {
	ctx      context.Context
	event    *Event
	handlers []Handler
}

func NewBus(next Publisher, logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		next:     next,
		logger:   logger,
	}
}

// Subscribe registers h for each of its event types.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range h.EventTypes() {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// Start runs handlers on workers goroutines fed by a queue of size events.
// When the queue is full the publisher delivers inline.
func (b *Bus) Start(workers, size int) {
	if workers <= 0 {
		workers = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue != nil {
		return
	}
	b.queue = make(chan delivery, size)
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go func(queue <-chan delivery) {
			defer b.wg.Done()
			for d := range queue {
				b.deliver(d)
			}
		}(b.queue)
	}
}

// Stop stops queueing and waits for queued events to be handled or for ctx
// to end. Events published after Stop are delivered inline.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.queue == nil || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Publish(ctx context.Context, event *Event) error {
	d := delivery{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.RLock()
	d.handlers = b.handlers[event.Type]
	queued := false
	if len(d.handlers) > 0 && b.queue != nil && !b.closed {
		select {
		case b.queue <- d:
			queued = true
		default:
			b.logger.Warn("event queue full, delivering inline", "event_id", event.ID, "type", event.Type)
		}
	}
	b.mu.RUnlock()

	if !queued {
		b.deliver(d)
	}

	if b.next != nil {
		return b.next.Publish(ctx, event)
	}
	return nil
}

func (b *Bus) deliver(d delivery) {
	for _, h := range d.handlers {
		if err := h.Handle(d.ctx, d.event); err != nil {
			b.logger.Error("event handler failed",
				"error", err,
				"event_id", d.event.ID,
				"type", d.event.Type,
			)
		}
	}
}

// Recorder keeps every published event. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	Events []*Event
}

func (r *Recorder) Publish(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
	return nil
}

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(eventType string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.Events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
