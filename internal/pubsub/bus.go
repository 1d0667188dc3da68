// Package pubsub fans room events out to subscribers. A room is a topic;
// subscribers are opaque handles owned by the transport layer.
package pubsub

import (
	"sync"

	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
)

// Subscriber receives events for the rooms it joined. Deliver must not
// block: it returns false when the subscriber cannot take the event.
type Subscriber interface {
	ID() string
	UserID() string
	Deliver(Event) bool
	// Dropped is called outside any bus lock after the bus evicts the
	// subscriber for falling behind. It must be idempotent.
	Dropped()
}

type topic struct {
	// mu serializes delivery so every subscriber sees one order.
	mu   sync.Mutex
	subs map[string]Subscriber
}

type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	rooms  map[string]map[string]struct{} // subscriber id -> room ids
}

func NewBus() *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		rooms:  make(map[string]map[string]struct{}),
	}
}

func (b *Bus) topic(roomID string, create bool) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[roomID]
	if !ok && create {
		t = &topic{subs: make(map[string]Subscriber)}
		b.topics[roomID] = t
	}
	return t
}

// Subscribe adds sub to roomID. Subscribing twice is a no-op.
func (b *Bus) Subscribe(roomID string, sub Subscriber) {
	t := b.topic(roomID, true)
	t.mu.Lock()
	_, existed := t.subs[sub.ID()]
	t.subs[sub.ID()] = sub
	t.mu.Unlock()

	b.mu.Lock()
	rs, ok := b.rooms[sub.ID()]
	if !ok {
		rs = make(map[string]struct{})
		b.rooms[sub.ID()] = rs
	}
	rs[roomID] = struct{}{}
	b.mu.Unlock()

	if !existed {
		metrics.BusSubscribers.Inc()
	}
}

func (b *Bus) Unsubscribe(roomID, subscriberID string) {
	if t := b.topic(roomID, false); t != nil {
		t.mu.Lock()
		_, ok := t.subs[subscriberID]
		delete(t.subs, subscriberID)
		t.mu.Unlock()
		if ok {
			metrics.BusSubscribers.Dec()
		}
	}
	b.mu.Lock()
	if rs, ok := b.rooms[subscriberID]; ok {
		delete(rs, roomID)
		if len(rs) == 0 {
			delete(b.rooms, subscriberID)
		}
	}
	b.mu.Unlock()
}

// UnsubscribeAll removes the subscriber from every room it joined.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	for _, roomID := range b.RoomsOf(subscriberID) {
		b.Unsubscribe(roomID, subscriberID)
	}
}

// RoomsOf lists the rooms a subscriber is in.
func (b *Bus) RoomsOf(subscriberID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := b.rooms[subscriberID]
	out := make([]string, 0, len(rs))
	for id := range rs {
		out = append(out, id)
	}
	return out
}

// SubscriberCount reports how many subscribers roomID has.
func (b *Bus) SubscriberCount(roomID string) int {
	t := b.topic(roomID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish delivers ev to every subscriber of roomID.
func (b *Bus) Publish(roomID string, ev Event) {
	b.publish(roomID, ev, "")
}

// PublishExcept skips every subscriber belonging to exceptUserID.
func (b *Bus) PublishExcept(roomID string, ev Event, exceptUserID string) {
	b.publish(roomID, ev, exceptUserID)
}

func (b *Bus) publish(roomID string, ev Event, exceptUserID string) {
	if ev.RoomID == "" {
		ev.RoomID = roomID
	}
	t := b.topic(roomID, false)
	if t == nil {
		return
	}

	var slow []Subscriber
	t.mu.Lock()
	for _, sub := range t.subs {
		if exceptUserID != "" && sub.UserID() == exceptUserID {
			continue
		}
		if !sub.Deliver(ev) {
			slow = append(slow, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range slow {
		logging.Warn().Str("room_id", roomID).Str("subscriber_id", sub.ID()).Msg("dropping slow subscriber")
		metrics.BusDropped.Inc()
		b.UnsubscribeAll(sub.ID())
		sub.Dropped()
	}
}
