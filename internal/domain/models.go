package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SystemUserID is the reserved sender of command-generated messages.
const SystemUserID = "SYSTEM"

// DefaultRoomID is the public room every deployment starts with.
const DefaultRoomID = "main"

type User struct {
	ID             string          `json:"id"`
	PhoneNumber    string          `json:"phoneNumber"`
	Name           string          `json:"name"`
	ProfilePicture string          `json:"profilePicture,omitempty"`
	Status         string          `json:"status,omitempty"`
	Balance        decimal.Decimal `json:"balance"`
	IsOnline       bool            `json:"isOnline"`
	LastSeen       time.Time       `json:"lastSeen"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type RoomKind string

const (
	RoomPublic  RoomKind = "public"
	RoomGroup   RoomKind = "group"
	RoomPrivate RoomKind = "private"
)

type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

type Participant struct {
	UserID   string          `json:"userId"`
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joinedAt"`
}

type Room struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Kind          RoomKind      `json:"type"`
	Participants  []Participant `json:"participants"`
	PrivateKey    string        `json:"-"`
	LastMessageID string        `json:"lastMessage,omitempty"`
	LastActivity  time.Time     `json:"lastActivity"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// HasParticipant reports whether userID is a member of the room.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns member ids in display order.
func (r *Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Clone returns a deep copy safe to hand out of a store.
func (r *Room) Clone() *Room {
	c := *r
	c.Participants = append([]Participant(nil), r.Participants...)
	return &c
}

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
	KindInvoice  MessageKind = "invoice"
	KindReceipt  MessageKind = "receipt"
	KindPayment  MessageKind = "payment"
	KindHelp     MessageKind = "help"
	KindSystem   MessageKind = "system"
)

// ClientKind reports whether k may be supplied by a client. Artifact and
// system kinds are only produced by the command processor.
func (k MessageKind) ClientKind() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument, KindLocation, KindContact:
		return true
	}
	return false
}

type Message struct {
	ID        string        `json:"id"`
	SenderID  string        `json:"senderId"`
	RoomID    string        `json:"roomId"`
	Content   string        `json:"content"`
	Kind      MessageKind   `json:"type"`
	MediaURL  string        `json:"mediaUrl,omitempty"`
	Status    MessageStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	ReplyTo   string        `json:"replyTo,omitempty"`
	Invoice   *Invoice      `json:"invoice,omitempty"`
	Receipt   *Receipt      `json:"receipt,omitempty"`
	Payment   *Payment      `json:"payment,omitempty"`
}

type OutboxEvent struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	RoutingKey  string          `json:"routing_key"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

const (
	EventTypeMessageCreated   = "MESSAGE_CREATED"
	EventTypeMessageDelivered = "MESSAGE_DELIVERED"
	EventTypeMessageRead      = "MESSAGE_READ"
	EventTypeArtifactCreated  = "ARTIFACT_CREATED"
	EventTypeUserJoined       = "USER_JOINED"
)
