// Package pipeline is the ingress for chat traffic. It validates a
// submission, routes "+command" text to the command processor, persists the
// message with its room metadata and outbox event, broadcasts it and hands
// it to the status scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paychat_core/internal/clock"
	"paychat_core/internal/command"
	"paychat_core/internal/domain"
	"paychat_core/internal/keylock"
	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
	"paychat_core/internal/pubsub"
	"paychat_core/internal/repository"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const notifyTimeout = 5 * time.Second

type RoomLookup interface {
	Get(ctx context.Context, roomID string) (*domain.Room, error)
}

type CommandProcessor interface {
	Process(ctx context.Context, senderID, roomID string, cmd command.Command) (*command.Result, error)
	// Committed is told about a result once its message is stored.
	Committed(ctx context.Context, res *command.Result)
}

type StatusScheduler interface {
	Schedule(roomID, messageID string)
}

type Broadcaster interface {
	Publish(roomID string, ev pubsub.Event)
	PublishExcept(roomID string, ev pubsub.Event, exceptUserID string)
}

type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// OfflineNotifier relays a notification for a member who is not connected.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, userID, eventType string, payload any) error
}

type EventSaver interface {
	Save(ctx context.Context, event *domain.OutboxEvent) error
}

// Deps are the collaborators of a Pipeline. Presence and Notifier are
// optional; without them no push requests are made.
type Deps struct {
	Messages  repository.MessageStore
	Outbox    EventSaver
	Rooms     RoomLookup
	Commands  CommandProcessor
	Scheduler StatusScheduler
	Bus       Broadcaster
	Presence  PresenceChecker
	Notifier  OfflineNotifier
}

type Config struct {
	HistoryLimit    int
	DefaultPageSize int
	MaxPageSize     int
	Clock           clock.Clock
	// Locks is shared with the scheduler so status events and new
	// messages of one room are published in store order.
	Locks *keylock.Map
}

type Pipeline struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New()
	}
	return &Pipeline{Deps: deps, cfg: cfg}
}

type SubmitRequest struct {
	RoomID   string
	SenderID string
	Text     string
	Kind     domain.MessageKind
	MediaURL string
	ReplyTo  string
}

// Submit accepts a message. It returns (nil, nil) for command text whose
// word is not a known command; nothing is stored or broadcast then.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*domain.Message, error) {
	start := time.Now()
	msg, err := p.submit(ctx, req)
	if err != nil {
		metrics.SubmitRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	if msg != nil {
		metrics.MessagesSubmitted.WithLabelValues(string(msg.Kind)).Inc()
		metrics.ObserveSubmit(start)
	}
	return msg, nil
}

func (p *Pipeline) submit(ctx context.Context, req SubmitRequest) (*domain.Message, error) {
	if req.RoomID == "" {
		return nil, domain.Invalid("roomId", "is required")
	}
	if req.SenderID == "" {
		return nil, domain.Invalid("senderId", "is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.Invalid("content", "must not be empty")
	}
	if req.Kind == "" {
		req.Kind = domain.KindText
	}
	if !req.Kind.ClientKind() {
		return nil, domain.Invalid("type", fmt.Sprintf("%q cannot be sent by a client", req.Kind))
	}

	room, err := p.Rooms.Get(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(req.SenderID) {
		return nil, fmt.Errorf("%s is not a member of %s: %w", req.SenderID, req.RoomID, domain.ErrAuth)
	}
	if req.ReplyTo != "" {
		parent, err := p.Messages.GetMessage(ctx, req.ReplyTo)
		if err != nil {
			return nil, err
		}
		if parent.RoomID != req.RoomID {
			return nil, fmt.Errorf("reply target %s: %w", req.ReplyTo, domain.ErrNotFound)
		}
	}

	var msg *domain.Message
	var cmdResult *command.Result
	if cmd, ok := command.Parse(req.Text); ok && req.Kind == domain.KindText {
		res, err := p.Commands.Process(ctx, req.SenderID, req.RoomID, cmd)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		msg, cmdResult = res.Message, res
	} else {
		msg = &domain.Message{
			ID:       uuid.NewString(),
			SenderID: req.SenderID,
			RoomID:   req.RoomID,
			Content:  req.Text,
			Kind:     req.Kind,
			MediaURL: req.MediaURL,
			Status:   domain.StatusSent,
			ReplyTo:  req.ReplyTo,
		}
	}

	if err := p.commit(ctx, msg); err != nil {
		return nil, err
	}
	if cmdResult != nil {
		p.Commands.Committed(ctx, cmdResult)
	}
	p.Scheduler.Schedule(msg.RoomID, msg.ID)
	p.notifyOffline(ctx, room, req.SenderID, msg)
	return msg, nil
}

// commit stores and broadcasts msg under the room lock.
func (p *Pipeline) commit(ctx context.Context, msg *domain.Message) error {
	unlock := p.cfg.Locks.Lock(msg.RoomID)
	defer unlock()

	msg.Timestamp = p.cfg.Clock.Now()
	event, err := newOutboxEvent(msg)
	if err != nil {
		return err
	}
	if err := p.Messages.CreateMessage(ctx, msg, event); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	p.Bus.Publish(msg.RoomID, pubsub.NewMessage(msg))
	return nil
}

func newOutboxEvent(msg *domain.Message) (*domain.OutboxEvent, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message payload: %w", err)
	}
	eventType := domain.EventTypeMessageCreated
	if msg.Invoice != nil || msg.Receipt != nil || msg.Payment != nil {
		eventType = domain.EventTypeArtifactCreated
	}
	return &domain.OutboxEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		RoutingKey: "room." + msg.RoomID + ".message",
		Payload:    payload,
		CreatedAt:  msg.Timestamp,
	}, nil
}

func (p *Pipeline) notifyOffline(ctx context.Context, room *domain.Room, senderID string, msg *domain.Message) {
	if p.Presence == nil || p.Notifier == nil {
		return
	}
	members := room.ParticipantIDs()
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		for _, uid := range members {
			if uid == senderID {
				continue
			}
			online, err := p.Presence.IsOnline(ctx, uid)
			if err != nil || online {
				continue
			}
			if err := p.Notifier.NotifyOffline(ctx, uid, string(pubsub.EventNewMessage), msg); err != nil {
				metrics.PushRequests.WithLabelValues("dropped").Inc()
				logging.Warn().Err(err).Str("user_id", uid).Str("message_id", msg.ID).Msg("failed to queue push notification")
				continue
			}
			metrics.PushRequests.WithLabelValues("queued").Inc()
		}
	}()
}

// AcknowledgeRead marks messageIDs of roomID as read by userID and tells
// the other subscribers which of them matched. Ids from other rooms are
// ignored. Acknowledging again is harmless.
func (p *Pipeline) AcknowledgeRead(ctx context.Context, roomID, userID string, messageIDs []string) ([]string, error) {
	if roomID == "" {
		return nil, domain.Invalid("roomId", "is required")
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}
	room, err := p.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, fmt.Errorf("%s is not a member of %s: %w", userID, roomID, domain.ErrAuth)
	}

	unlock := p.cfg.Locks.Lock(roomID)
	matched, err := p.Messages.MarkRead(ctx, roomID, messageIDs)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	if len(matched) > 0 {
		p.Bus.PublishExcept(roomID, pubsub.Event{
			Type:   pubsub.EventReadAcknowledged,
			RoomID: roomID,
			Data:   pubsub.ReadAcknowledgedData{MessageIDs: matched, ReadBy: userID},
		}, userID)
	}
	unlock()

	if len(matched) > 0 {
		metrics.ReadAcks.Add(float64(len(matched)))
		metrics.StatusTransitions.WithLabelValues(string(domain.StatusRead)).Add(float64(len(matched)))
		p.saveReadEvent(ctx, roomID, userID, matched)
	}
	return matched, nil
}

func (p *Pipeline) saveReadEvent(ctx context.Context, roomID, userID string, ids []string) {
	if p.Outbox == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"room_id":     roomID,
		"user_id":     userID,
		"message_ids": ids,
	})
	if err != nil {
		return
	}
	event := &domain.OutboxEvent{
		ID:         uuid.NewString(),
		EventType:  domain.EventTypeMessageRead,
		RoutingKey: "room." + roomID + ".read",
		Payload:    payload,
		CreatedAt:  p.cfg.Clock.Now(),
	}
	if err := p.Outbox.Save(ctx, event); err != nil {
		logging.Warn().Err(err).Str("room_id", roomID).Msg("failed to save read event")
	}
}

// SetTyping broadcasts a typing indicator to the other members. Nothing is
// stored.
func (p *Pipeline) SetTyping(ctx context.Context, roomID, userID string, isTyping bool) error {
	room, err := p.Rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasParticipant(userID) {
		return fmt.Errorf("%s is not a member of %s: %w", userID, roomID, domain.ErrAuth)
	}
	p.Bus.PublishExcept(roomID, pubsub.Event{
		Type:   pubsub.EventTypingChanged,
		RoomID: roomID,
		Data:   pubsub.TypingChangedData{UserID: userID, IsTyping: isTyping},
	}, userID)
	return nil
}

// ListMessages returns page (1-based, newest block first) of roomID,
// oldest message first within the page.
func (p *Pipeline) ListMessages(ctx context.Context, roomID string, page, pageSize int) ([]*domain.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = p.cfg.DefaultPageSize
	}
	if pageSize > p.cfg.MaxPageSize {
		pageSize = p.cfg.MaxPageSize
	}
	if _, err := p.Rooms.Get(ctx, roomID); err != nil {
		return nil, err
	}
	return p.Messages.ListMessages(ctx, roomID, (page-1)*pageSize, pageSize)
}

// History is the backlog sent to a connection when it joins a room.
func (p *Pipeline) History(ctx context.Context, roomID string) ([]*domain.Message, error) {
	return p.Messages.ListMessages(ctx, roomID, 0, p.cfg.HistoryLimit)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrAuth):
		return "auth"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	}
	return "internal"
}
