// Package scheduler advances message delivery status after a fixed delay.
// It only holds message and room ids, never connection handles.
package scheduler

import (
	"context"
	"sync"
	"time"

	"paychat_core/internal/clock"
	"paychat_core/internal/domain"
	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
	"paychat_core/internal/pubsub"
)

const defaultTaskTimeout = 5 * time.Second

type StatusStore interface {
	AdvanceStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error)
}

type Publisher interface {
	Publish(roomID string, ev pubsub.Event)
}

// RoomLocker serializes work on a room with the message pipeline.
type RoomLocker interface {
	Lock(key string) (unlock func())
}

type Config struct {
	Delay       time.Duration
	TaskTimeout time.Duration
	Clock       clock.Clock
	Locks       RoomLocker
}

type Scheduler struct {
	store   StatusStore
	pub     Publisher
	clock   clock.Clock
	locks   RoomLocker
	delay   time.Duration
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]clock.Timer
	stopped bool
}

func New(store StatusStore, pub Publisher, cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	return &Scheduler{
		store:   store,
		pub:     pub,
		clock:   cfg.Clock,
		locks:   cfg.Locks,
		delay:   cfg.Delay,
		timeout: cfg.TaskTimeout,
		pending: make(map[string]clock.Timer),
	}
}

// Schedule arranges the sent -> delivered transition of messageID. It never
// blocks; scheduling the same message twice keeps the first timer.
func (s *Scheduler) Schedule(roomID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.pending[messageID]; ok {
		return
	}
	s.pending[messageID] = s.clock.AfterFunc(s.delay, func() {
		s.fire(roomID, messageID)
	})
	metrics.ScheduledPending.Inc()
}

func (s *Scheduler) fire(roomID, messageID string) {
	s.mu.Lock()
	_, ok := s.pending[messageID]
	delete(s.pending, messageID)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.ScheduledPending.Dec()

	if s.locks != nil {
		unlock := s.locks.Lock(roomID)
		defer unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	changed, err := s.store.AdvanceStatus(ctx, messageID, domain.StatusDelivered)
	if err != nil {
		logging.Error().Err(err).Str("room_id", roomID).Str("message_id", messageID).Msg("failed to mark message delivered")
		return
	}
	if !changed {
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(domain.StatusDelivered)).Inc()
	s.pub.Publish(roomID, pubsub.StatusChanged(roomID, messageID, domain.StatusDelivered))
}

// Pending reports how many transitions are waiting for their timer.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending transition. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.pending {
		t.Stop()
		metrics.ScheduledPending.Dec()
		delete(s.pending, id)
	}
}

// Serve blocks until ctx is done and then stops the scheduler, so it can
// run under a supervisor.
func (s *Scheduler) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Scheduler) String() string { return "status-scheduler" }
