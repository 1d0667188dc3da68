package pubsub

import (
	"paychat_core/internal/domain"
)

type EventType string

const (
	EventHistory          EventType = "history"
	EventRoomInfo         EventType = "roomInfo"
	EventNewMessage       EventType = "newMessage"
	EventStatusChanged    EventType = "statusChanged"
	EventReadAcknowledged EventType = "readAcknowledged"
	EventTypingChanged    EventType = "typingChanged"
	EventSubmitError      EventType = "submitError"
)

// Event is what subscribers receive. Data holds one of the payload types
// below, or a *domain.Message for newMessage.
type Event struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId,omitempty"`
	Data   any       `json:"data"`
}

type HistoryData struct {
	Messages []*domain.Message `json:"messages"`
}

type RoomInfoData struct {
	Room *domain.Room `json:"room"`
}

type StatusChangedData struct {
	MessageID string               `json:"messageId"`
	Status    domain.MessageStatus `json:"status"`
}

type ReadAcknowledgedData struct {
	MessageIDs []string `json:"messageIds"`
	ReadBy     string   `json:"readBy"`
}

type TypingChangedData struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type SubmitErrorData struct {
	Reason string `json:"reason"`
}

func NewMessage(msg *domain.Message) Event {
	return Event{Type: EventNewMessage, RoomID: msg.RoomID, Data: msg}
}

func StatusChanged(roomID, messageID string, status domain.MessageStatus) Event {
	return Event{Type: EventStatusChanged, RoomID: roomID, Data: StatusChangedData{MessageID: messageID, Status: status}}
}
