package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"paychat_core/internal/domain"
)

// Repository stores the presence state of each user. SetPresence applies
// only when at is not older than the stored last-seen time; it returns the
// online flag the update replaced, read in the same atomic step.
type Repository interface {
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) (wasOnline, applied bool, err error)
	GetPresence(ctx context.Context, userID string) (State, error)
}

type State struct {
	Online   bool
	LastSeen time.Time
}

type MemoryRepository struct {
	mu    sync.RWMutex
	state map[string]State
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: make(map[string]State)}
}

func (r *MemoryRepository) SetPresence(_ context.Context, userID string, online bool, at time.Time) (bool, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.state[userID]
	if ok && at.Before(cur.LastSeen) {
		return cur.Online, false, nil
	}
	r.state[userID] = State{Online: online, LastSeen: at}
	return cur.Online, true, nil
}

func (r *MemoryRepository) GetPresence(_ context.Context, userID string) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.state[userID]
	if !ok {
		return State{}, fmt.Errorf("presence %s: %w", userID, domain.ErrNotFound)
	}
	return st, nil
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SetPresence locks the user row before reading the old flag, so two
// concurrent updates never both observe the same previous state.
func (r *PostgresRepository) SetPresence(ctx context.Context, userID string, online bool, at time.Time) (bool, bool, error) {
	query := `
		WITH prev AS (
			SELECT id, is_online FROM users WHERE id = $1 FOR UPDATE
		)
		UPDATE users u SET is_online = $2, last_seen = $3
		FROM prev
		WHERE u.id = prev.id AND (u.last_seen IS NULL OR u.last_seen <= $3)
		RETURNING prev.is_online
	`
	var wasOnline bool
	err := r.db.QueryRowContext(ctx, query, userID, online, at).Scan(&wasOnline)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to set presence: %w", err)
	}
	return wasOnline, true, nil
}

func (r *PostgresRepository) GetPresence(ctx context.Context, userID string) (State, error) {
	query := `SELECT is_online, last_seen FROM users WHERE id = $1`
	var st State
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&st.Online, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("presence %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to get presence: %w", err)
	}
	st.LastSeen = lastSeen.Time
	return st, nil
}
