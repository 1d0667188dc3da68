// Package repository defines the storage contracts of the chat core and
// ships an in-memory and a PostgreSQL implementation of them.
package repository

import (
	"context"

	"paychat_core/internal/domain"

	"github.com/shopspring/decimal"
)

type UserStore interface {
	// CreateUser fails with domain.ErrConflict when the phone number is taken.
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*domain.User, error)
}

type RoomStore interface {
	// CreateRoom fails with domain.ErrConflict when the id exists.
	CreateRoom(ctx context.Context, room *domain.Room) error
	// CreatePrivateRoom inserts room unless a room with the same private key
	// exists, in which case the stored room is returned with created=false.
	CreatePrivateRoom(ctx context.Context, room *domain.Room) (stored *domain.Room, created bool, err error)
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	// AddParticipant reports false when the user was already a member.
	AddParticipant(ctx context.Context, roomID string, p domain.Participant) (bool, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)
	// ListRoomsForUser orders by last activity, most recent first.
	ListRoomsForUser(ctx context.Context, userID string) ([]*domain.Room, error)
}

type MessageStore interface {
	// CreateMessage stores msg together with any invoice, receipt or
	// payment it carries, points the room's last message and activity at
	// it and appends event to the outbox, all in one unit.
	CreateMessage(ctx context.Context, msg *domain.Message, event *domain.OutboxEvent) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// ListMessages skips offset messages counting back from the newest,
	// takes up to limit older ones and returns them oldest first.
	ListMessages(ctx context.Context, roomID string, offset, limit int) ([]*domain.Message, error)
	// AdvanceStatus moves a message forward to status and reports whether
	// anything changed. It never moves a status backwards.
	AdvanceStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error)
	// MarkRead sets the given messages of roomID to read and returns the ids
	// that belong to the room, whether or not they were read already.
	MarkRead(ctx context.Context, roomID string, ids []string) ([]string, error)
}

type ArtifactStore interface {
	SaveInvoice(ctx context.Context, inv *domain.Invoice) error
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	SaveReceipt(ctx context.Context, rc *domain.Receipt) error
	GetReceipt(ctx context.Context, id string) (*domain.Receipt, error)
	SavePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
}

type LedgerStore interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// Debit subtracts amount only when the balance covers it, storing
	// payment (if non-nil) in the same unit. It returns the new balance or
	// domain.ErrInsufficientFunds with the balance untouched.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, payment *domain.Payment) (decimal.Decimal, error)
}

type OutboxRepository interface {
	Save(ctx context.Context, event *domain.OutboxEvent) error
	FetchPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, ids []string) error
}

// Store is the full persistence surface the service is wired with.
type Store interface {
	UserStore
	RoomStore
	MessageStore
	ArtifactStore
	LedgerStore
	OutboxRepository
	Close() error
}

// lowerStatuses lists the statuses that may advance to s.
func lowerStatuses(s domain.MessageStatus) []string {
	var out []string
	for _, st := range []domain.MessageStatus{domain.StatusSent, domain.StatusDelivered, domain.StatusRead} {
		if st.CanAdvanceTo(s) {
			out = append(out, string(st))
		}
	}
	return out
}
