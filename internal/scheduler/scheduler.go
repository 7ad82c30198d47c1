// Package scheduler provides single-shot delayed callbacks dispatched to
// named handlers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Payload is the opaque data passed back to a handler when its callback fires.
type Payload map[string]any

// Handler is invoked once when a scheduled callback comes due.
type Handler func(ctx context.Context, payload Payload)

// callback is a single pending invocation.
type callback struct {
	id      string
	due     time.Time
	handler string
	payload Payload
}

// Scheduler runs single-shot delayed callbacks. There is no cancellation:
// obsolete callbacks fire and are expected to be rejected by the handler's
// own staleness check.
type Scheduler struct {
	mu       sync.Mutex
	handlers map[string]Handler
	pending  []callback

	reschedule chan struct{}
	now        func() time.Time
}

// New creates a new scheduler.
func New() *Scheduler {
	return &Scheduler{
		handlers:   make(map[string]Handler),
		reschedule: make(chan struct{}, 1),
		now:        time.Now,
	}
}

// RegisterHandler registers a named handler. Registering the same name twice
// replaces the previous handler.
func (s *Scheduler) RegisterHandler(name string, h Handler) {
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()

	log.Debug().Str("handler", name).Msg("Scheduler handler registered")
}

// After schedules a single invocation of the named handler after the delay.
func (s *Scheduler) After(delay time.Duration, handler string, payload Payload) {
	cb := callback{
		id:      uuid.NewString(),
		due:     s.now().Add(delay),
		handler: handler,
		payload: payload,
	}

	s.mu.Lock()
	s.pending = append(s.pending, cb)
	s.mu.Unlock()

	log.Debug().
		Str("callback", cb.id).
		Str("handler", handler).
		Dur("delay", delay).
		Msg("Callback scheduled")

	s.notifyReschedule()
}

// notifyReschedule signals the run loop to recompute its sleep
func (s *Scheduler) notifyReschedule() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

// Run starts the scheduler loop. Callbacks are invoked sequentially on the
// loop goroutine, so at most one handler runs at a time.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Msg("Scheduler started")

	for {
		next, ok := s.nextDue()

		sleepDuration := time.Hour // default if nothing pending
		if ok {
			sleepDuration = time.Until(next)
			if sleepDuration < 0 {
				sleepDuration = 0
			}
		}

		timer := time.NewTimer(sleepDuration)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Scheduler stopping")
			return nil

		case <-s.reschedule:
			timer.Stop()
			continue

		case <-timer.C:
			for _, cb := range s.takeDue() {
				s.invoke(ctx, cb)
			}
		}
	}
}

// nextDue returns the earliest pending due time.
func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	found := false
	for _, cb := range s.pending {
		if !found || cb.due.Before(earliest) {
			earliest = cb.due
			found = true
		}
	}
	return earliest, found
}

// takeDue removes and returns all callbacks that are due now, oldest first.
func (s *Scheduler) takeDue() []callback {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []callback
	remaining := s.pending[:0]
	for _, cb := range s.pending {
		if cb.due.After(now) {
			remaining = append(remaining, cb)
		} else {
			due = append(due, cb)
		}
	}
	s.pending = remaining

	for i := 0; i < len(due)-1; i++ {
		for j := i + 1; j < len(due); j++ {
			if due[j].due.Before(due[i].due) {
				due[i], due[j] = due[j], due[i]
			}
		}
	}
	return due
}

func (s *Scheduler) invoke(ctx context.Context, cb callback) {
	s.mu.Lock()
	handler, ok := s.handlers[cb.handler]
	s.mu.Unlock()

	if !ok {
		log.Warn().
			Str("callback", cb.id).
			Str("handler", cb.handler).
			Msg("No handler registered for callback")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("handler", cb.handler).
				Msg("Callback handler panicked")
		}
	}()

	handler(ctx, cb.payload)
}
