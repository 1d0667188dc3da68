// Package rooms owns room lifecycle and membership.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paychat_core/internal/domain"
	"paychat_core/internal/logging"
	"paychat_core/internal/repository"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	defaultRoomName = "Main Chat"
	privateRoomName = "Private Chat"
)

// EventSaver appends an event to the outbox.
type EventSaver interface {
	Save(ctx context.Context, event *domain.OutboxEvent) error
}

type Directory struct {
	store  repository.RoomStore
	events EventSaver
	now    func() time.Time
}

func NewDirectory(store repository.RoomStore, events EventSaver) *Directory {
	return &Directory{store: store, events: events, now: time.Now}
}

// PrivateKey is the canonical key of the unordered pair {a, b}.
func PrivateKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// EnsureDefaultRoom creates the public main room if it is missing.
func (d *Directory) EnsureDefaultRoom(ctx context.Context) error {
	now := d.now()
	err := d.store.CreateRoom(ctx, &domain.Room{
		ID:           domain.DefaultRoomID,
		Name:         defaultRoomName,
		Kind:         domain.RoomPublic,
		LastActivity: now,
		CreatedAt:    now,
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("failed to create default room: %w", err)
	}
	return nil
}

// CreateOrGetPrivateRoom returns the private room of the pair, creating it
// on first use. Argument order does not matter.
func (d *Directory) CreateOrGetPrivateRoom(ctx context.Context, userA, userB string) (*domain.Room, error) {
	if userA == "" || userB == "" {
		return nil, domain.Invalid("userId", "both participants are required")
	}
	if userA == userB {
		return nil, domain.Invalid("userId", "cannot open a private room with yourself")
	}

	now := d.now()
	room := &domain.Room{
		ID:         uuid.NewString(),
		Name:       privateRoomName,
		Kind:       domain.RoomPrivate,
		PrivateKey: PrivateKey(userA, userB),
		Participants: []domain.Participant{
			{UserID: userA, Role: domain.RoleMember, JoinedAt: now},
			{UserID: userB, Role: domain.RoleMember, JoinedAt: now},
		},
		LastActivity: now,
		CreatedAt:    now,
	}
	stored, created, err := d.store.CreatePrivateRoom(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("failed to create private room: %w", err)
	}
	if created {
		logging.Info().Str("room_id", stored.ID).Str("key", room.PrivateKey).Msg("private room created")
	}
	return stored, nil
}

// JoinRoom adds userID to roomID, creating the room with kindIfNew when it
// does not exist yet. Private rooms only admit their two participants.
func (d *Directory) JoinRoom(ctx context.Context, roomID, userID string, kindIfNew domain.RoomKind) (*domain.Room, error) {
	if roomID == "" {
		return nil, domain.Invalid("roomId", "must not be empty")
	}
	if userID == "" {
		return nil, domain.Invalid("userId", "must not be empty")
	}

	room, err := d.store.GetRoom(ctx, roomID)
	if errors.Is(err, domain.ErrNotFound) {
		room, err = d.create(ctx, roomID, userID, kindIfNew)
	}
	if err != nil {
		return nil, err
	}

	if room.HasParticipant(userID) {
		return room, nil
	}
	if room.Kind == domain.RoomPrivate {
		return nil, fmt.Errorf("join %s: %w", roomID, domain.ErrAuth)
	}

	added, err := d.store.AddParticipant(ctx, roomID, domain.Participant{
		UserID:   userID,
		Role:     domain.RoleMember,
		JoinedAt: d.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add participant: %w", err)
	}
	if added {
		d.recordJoin(ctx, roomID, userID)
	}
	return d.store.GetRoom(ctx, roomID)
}

func (d *Directory) create(ctx context.Context, roomID, creator string, kind domain.RoomKind) (*domain.Room, error) {
	switch kind {
	case "":
		kind = domain.RoomPublic
	case domain.RoomPrivate:
		return nil, domain.Invalid("type", "private rooms are opened between two users, not joined")
	case domain.RoomPublic, domain.RoomGroup:
	default:
		return nil, domain.Invalid("type", fmt.Sprintf("unknown room type %q", kind))
	}

	now := d.now()
	room := &domain.Room{
		ID:   roomID,
		Name: roomID,
		Kind: kind,
		Participants: []domain.Participant{
			{UserID: creator, Role: domain.RoleAdmin, JoinedAt: now},
		},
		LastActivity: now,
		CreatedAt:    now,
	}
	err := d.store.CreateRoom(ctx, room)
	if errors.Is(err, domain.ErrConflict) {
		// created concurrently
		return d.store.GetRoom(ctx, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	logging.Info().Str("room_id", roomID).Str("type", string(kind)).Msg("room created")
	d.recordJoin(ctx, roomID, creator)
	return room, nil
}

func (d *Directory) recordJoin(ctx context.Context, roomID, userID string) {
	if d.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"room_id": roomID, "user_id": userID})
	if err != nil {
		return
	}
	event := &domain.OutboxEvent{
		ID:         uuid.NewString(),
		EventType:  domain.EventTypeUserJoined,
		RoutingKey: "room." + roomID + ".joined",
		Payload:    payload,
		CreatedAt:  d.now(),
	}
	if err := d.events.Save(ctx, event); err != nil {
		logging.Warn().Err(err).Str("room_id", roomID).Msg("failed to save join event")
	}
}

func (d *Directory) Get(ctx context.Context, roomID string) (*domain.Room, error) {
	return d.store.GetRoom(ctx, roomID)
}

func (d *Directory) IsParticipant(room *domain.Room, userID string) bool {
	return room != nil && room.HasParticipant(userID)
}

func (d *Directory) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	return d.store.ListRooms(ctx)
}

// ListRoomsForUser returns the user's rooms, most recently active first.
func (d *Directory) ListRoomsForUser(ctx context.Context, userID string) ([]*domain.Room, error) {
	return d.store.ListRoomsForUser(ctx, userID)
}
