package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"paychat_core/internal/domain"
	"paychat_core/internal/logging"
	"paychat_core/internal/pipeline"
	"paychat_core/internal/pubsub"
)

// Inbound frame types.
const (
	FrameJoinUser    = "join-user"
	FrameJoinRoom    = "join-room"
	FrameSendMessage = "send-message"
	FrameMarkRead    = "mark-read"
	FrameTyping      = "typing"
	FramePing        = "ping"
	FramePong        = "pong"
)

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinUserData struct {
	UserID string `json:"userId"`
}

type joinRoomData struct {
	RoomID string `json:"roomId"`
}

type sendMessageData struct {
	RoomID   string `json:"roomId"`
	Content  string `json:"content"`
	Type     string `json:"type"`
	MediaURL string `json:"mediaUrl"`
	ReplyTo  string `json:"replyTo"`
}

type markReadData struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type typingData struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

func submitError(reason string) pubsub.Event {
	return pubsub.Event{Type: pubsub.EventSubmitError, Data: pubsub.SubmitErrorData{Reason: reason}}
}

// errorReason keeps internal failures out of client frames.
func errorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrAuth),
		errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInsufficientFunds):
		return err.Error()
	}
	return "request failed"
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.Invalid("data", "malformed payload")
	}
	return nil
}

// handle runs one frame. Frames of a connection are handled in arrival
// order because the read loop calls handle synchronously.
func (h *Hub) handle(c *Client, f inboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()
	ctx = logging.ContextWithUserID(ctx, c.userID)

	var err error
	switch f.Type {
	case FramePing:
		c.reply(pubsub.Event{Type: FramePong})
		return
	case FrameJoinUser:
		err = h.joinUser(ctx, c, f.Data)
	case FrameJoinRoom:
		err = h.joinRoom(ctx, c, f.Data)
	case FrameSendMessage:
		err = h.sendMessage(ctx, c, f.Data)
	case FrameMarkRead:
		var d markReadData
		if err = decode(f.Data, &d); err == nil {
			_, err = h.chat.AcknowledgeRead(ctx, d.RoomID, c.userID, d.MessageIDs)
		}
	case FrameTyping:
		var d typingData
		if err = decode(f.Data, &d); err == nil {
			err = h.chat.SetTyping(ctx, d.RoomID, c.userID, d.IsTyping)
		}
	default:
		err = domain.Invalid("type", fmt.Sprintf("unknown frame type %q", f.Type))
	}

	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("frame", f.Type).Msg("frame rejected")
		c.reply(submitError(errorReason(err)))
	}
}

func (h *Hub) joinUser(ctx context.Context, c *Client, raw json.RawMessage) error {
	var d joinUserData
	if err := decode(raw, &d); err != nil {
		return err
	}
	if d.UserID != "" && d.UserID != c.userID {
		return fmt.Errorf("join-user as %s: %w", d.UserID, domain.ErrAuth)
	}
	return h.presence.SetOnline(ctx, c.userID, h.cfg.Clock.Now())
}

// joinRoom subscribes c and sends the backlog. Both happen under the room
// lock so no message is missed or delivered twice across the boundary.
func (h *Hub) joinRoom(ctx context.Context, c *Client, raw json.RawMessage) error {
	var d joinRoomData
	if err := decode(raw, &d); err != nil {
		return err
	}
	room, err := h.rooms.JoinRoom(ctx, d.RoomID, c.userID, domain.RoomPublic)
	if err != nil {
		return err
	}

	unlock := h.cfg.Locks.Lock(room.ID)
	history, err := h.chat.History(ctx, room.ID)
	if err != nil {
		unlock()
		return fmt.Errorf("failed to load history: %w", err)
	}
	h.bus.Subscribe(room.ID, c)
	c.reply(pubsub.Event{Type: pubsub.EventHistory, RoomID: room.ID, Data: pubsub.HistoryData{Messages: history}})
	unlock()

	c.reply(pubsub.Event{Type: pubsub.EventRoomInfo, RoomID: room.ID, Data: pubsub.RoomInfoData{Room: room}})
	return nil
}

func (h *Hub) sendMessage(ctx context.Context, c *Client, raw json.RawMessage) error {
	var d sendMessageData
	if err := decode(raw, &d); err != nil {
		return err
	}
	_, err := h.chat.Submit(ctx, pipeline.SubmitRequest{
		RoomID:   d.RoomID,
		SenderID: c.userID,
		Text:     d.Content,
		Kind:     domain.MessageKind(d.Type),
		MediaURL: d.MediaURL,
		ReplyTo:  d.ReplyTo,
	})
	return err
}
