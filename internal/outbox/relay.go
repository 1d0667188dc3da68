// Package outbox relays stored domain events to the topic exchange. Events
// are written in the same unit as the state change that caused them and
// published here in store order, at least once.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"paychat_core/internal/domain"
	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
	"paychat_core/internal/repository"
)

type Publisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte) error
}

type Config struct {
	Interval time.Duration
	Batch    int
}

type Relay struct {
	repo repository.OutboxRepository
	pub  Publisher
	cfg  Config
}

func NewRelay(repo repository.OutboxRepository, pub Publisher, cfg Config) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Relay{repo: repo, pub: pub, cfg: cfg}
}

// envelope is the wire form consumers of the topic exchange receive.
type envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// RelayOnce publishes one batch. It stops at the first publish failure so
// later events never overtake an earlier one; what was published before
// the failure is still marked processed.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.repo.FetchPending(ctx, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	done := make([]string, 0, len(events))
	var pubErr error
	for _, ev := range events {
		if pubErr = r.publish(ctx, ev); pubErr != nil {
			metrics.OutboxRelayed.WithLabelValues("failed").Inc()
			break
		}
		metrics.OutboxRelayed.WithLabelValues("published").Inc()
		done = append(done, ev.ID)
	}

	if len(done) > 0 {
		if err := r.repo.MarkProcessed(ctx, done); err != nil {
			return 0, fmt.Errorf("failed to mark events processed: %w", err)
		}
	}
	if pubErr != nil {
		return len(done), fmt.Errorf("failed to publish event: %w", pubErr)
	}
	return len(done), nil
}

func (r *Relay) publish(ctx context.Context, ev *domain.OutboxEvent) error {
	body, err := json.Marshal(envelope{
		ID:        ev.ID,
		EventType: ev.EventType,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return err
	}
	return r.pub.PublishRaw(ctx, ev.RoutingKey, body)
}

// Serve polls until ctx is canceled. A full batch is followed immediately
// by another poll.
func (r *Relay) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", r.cfg.Interval).Int("batch", r.cfg.Batch).Msg("outbox relay started")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := r.RelayOnce(ctx)
		if err != nil {
			logging.Warn().Err(err).Int("published", n).Msg("outbox relay pass failed")
		}
		next := r.cfg.Interval
		if err == nil && n == r.cfg.Batch {
			next = 0
		}
		timer.Reset(next)
	}
}

func (r *Relay) String() string { return "outbox-relay" }
