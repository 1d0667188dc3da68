// Package presence tracks whether users are online and when they were last
// seen. Updates are last-write-wins by event time, not arrival order.
package presence

import (
	"context"
	"errors"
	"time"

	"paychat_core/internal/domain"
	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
)

type Registry struct {
	repo Repository
}

func NewRegistry(repo Repository) *Registry {
	return &Registry{repo: repo}
}

func (r *Registry) SetOnline(ctx context.Context, userID string, at time.Time) error {
	return r.set(ctx, userID, true, at)
}

func (r *Registry) SetOffline(ctx context.Context, userID string, at time.Time) error {
	return r.set(ctx, userID, false, at)
}

func (r *Registry) set(ctx context.Context, userID string, online bool, at time.Time) error {
	wasOnline, applied, err := r.repo.SetPresence(ctx, userID, online, at)
	if err != nil {
		return err
	}
	if !applied {
		logging.Debug().Str("user_id", userID).Bool("online", online).Time("at", at).Msg("stale presence update ignored")
		return nil
	}
	switch {
	case online && !wasOnline:
		metrics.OnlineUsers.Inc()
	case !online && wasOnline:
		metrics.OnlineUsers.Dec()
	}
	return nil
}

// IsOnline returns false for users never seen.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	st, err := r.repo.GetPresence(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.Online, nil
}

// LastSeen returns the zero time for users never seen.
func (r *Registry) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	st, err := r.repo.GetPresence(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return st.LastSeen, nil
}
