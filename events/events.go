package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job lifecycle event types.
const (
	JobCompleted = "job.completed"
	JobRetrying  = "job.retrying"
	// JobFailed is published once a job has exhausted its attempts.
	JobFailed = "job.failed"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event represents a job lifecycle event.
type Event struct {
	Type  string                 // e.g., "job.completed", "job.failed"
	JobID string                 // Queue-assigned job ID
	Kind  string                 // Queue name, "validate" or "deploy"
	Data  map[string]interface{} // Additional event data
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus fans job events out to subscribers on a background goroutine.
type EventBus struct {
	handlers       map[string][]EventHandler
	mu             sync.RWMutex
	eventCh        chan Event
	errHandler     func(event Event, err error)
	handlerTimeout time.Duration
	wg             sync.WaitGroup
	closed         bool
	closeMu        sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandler = handler
	}
}

// WithHandlerTimeout bounds each delivery to the subscribers.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		eb.handlerTimeout = d
	}
}

// NewEventBus creates a new EventBus with a buffer of 100 events whose
// handler errors are logged to slog.Default().
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:       make(map[string][]EventHandler),
		eventCh:        make(chan Event, 100),
		errHandler:     LogErrors(slog.Default()),
		handlerTimeout: 10 * time.Second,
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event type.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

func (eb *EventBus) isClosed() bool {
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	return eb.closed
}

// Publish queues an event for asynchronous delivery. It never blocks: a
// full buffer returns ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event on the caller's goroutine and returns all
// handler errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	if eb.isClosed() {
		return []error{ErrBusClosed}
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, eb.handlerTimeout)
	defer cancel()
	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop delivers the events already queued, then stops the processing
// goroutine. Publishing after Stop returns ErrBusClosed.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		eb.mu.RLock()
		handlers := eb.handlers[event.Type]
		eb.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), eb.handlerTimeout)
		errs := eb.executeHandlers(ctx, handlers, event)
		cancel()

		for _, err := range errs {
			eb.errHandler(event, err)
		}
	}
}

// executeHandlers runs handlers concurrently and collects their errors.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(handler)
	}
	wg.Wait()
	return errs
}

// LogErrors returns an error handler that logs handler failures.
func LogErrors(logger *slog.Logger) func(event Event, err error) {
	return func(event Event, err error) {
		logger.Error("event handler failed",
			"event", event.Type,
			"job_id", event.JobID,
			"kind", event.Kind,
			"error", err,
		)
	}
}
