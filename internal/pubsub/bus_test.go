package pubsub

import (
	"fmt"
	"sync"
	"testing"

	"paychat_core/internal/domain"
)

type fakeSub struct {
	id, user string
	ch       chan Event
	mu       sync.Mutex
	dropped  int
}

func newFakeSub(id, user string, buf int) *fakeSub {
	return &fakeSub{id: id, user: user, ch: make(chan Event, buf)}
}

func (f *fakeSub) ID() string     { return f.id }
func (f *fakeSub) UserID() string { return f.user }
func (f *fakeSub) Deliver(ev Event) bool {
	select {
	case f.ch <- ev:
		return true
	default:
		return false
	}
}
func (f *fakeSub) Dropped() {
	f.mu.Lock()
	f.dropped++
	f.mu.Unlock()
}

func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublish_TotalOrderAcrossSubscribers(t *testing.T) {
	bus := NewBus()
	subs := []*fakeSub{
		newFakeSub("s1", "u1", 1000),
		newFakeSub("s2", "u2", 1000),
		newFakeSub("s3", "u3", 1000),
	}
	for _, s := range subs {
		bus.Subscribe("room", s)
	}

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish("room", NewMessage(&domain.Message{ID: fmt.Sprintf("%d-%d", p, i), RoomID: "room"}))
			}
		}(p)
	}
	wg.Wait()

	ref := drain(subs[0].ch)
	if len(ref) != 400 {
		t.Fatalf("s1 got %d events, want 400", len(ref))
	}
	for _, s := range subs[1:] {
		got := drain(s.ch)
		if len(got) != len(ref) {
			t.Fatalf("%s got %d events, want %d", s.id, len(got), len(ref))
		}
		for i := range got {
			a := got[i].Data.(*domain.Message).ID
			b := ref[i].Data.(*domain.Message).ID
			if a != b {
				t.Fatalf("%s diverges at %d: %s vs %s", s.id, i, a, b)
			}
		}
	}
}

func TestPublishExcept_SkipsUser(t *testing.T) {
	bus := NewBus()
	a1 := newFakeSub("a1", "alice", 4)
	a2 := newFakeSub("a2", "alice", 4)
	b := newFakeSub("b", "bob", 4)
	for _, s := range []*fakeSub{a1, a2, b} {
		bus.Subscribe("room", s)
	}

	bus.PublishExcept("room", Event{Type: EventTypingChanged}, "alice")

	if n := len(drain(a1.ch)) + len(drain(a2.ch)); n != 0 {
		t.Errorf("alice's sessions got %d events", n)
	}
	if got := drain(b.ch); len(got) != 1 || got[0].RoomID != "room" {
		t.Errorf("bob got %+v", got)
	}
}

func TestPublish_DropsSlowSubscriber(t *testing.T) {
	bus := NewBus()
	slow := newFakeSub("slow", "u1", 1)
	fast := newFakeSub("fast", "u2", 10)
	bus.Subscribe("room", slow)
	bus.Subscribe("other", slow)
	bus.Subscribe("room", fast)

	bus.Publish("room", Event{Type: EventNewMessage})
	bus.Publish("room", Event{Type: EventNewMessage})

	if slow.dropped != 1 {
		t.Fatalf("dropped = %d, want 1", slow.dropped)
	}
	if n := bus.SubscriberCount("room"); n != 1 {
		t.Errorf("room subscribers = %d, want 1", n)
	}
	if n := bus.SubscriberCount("other"); n != 0 {
		t.Errorf("slow subscriber should leave every room, other has %d", n)
	}
	if got := drain(fast.ch); len(got) != 2 {
		t.Errorf("fast got %d events, want 2", len(got))
	}
}

func TestUnsubscribeAll(t *testing.T) {
	bus := NewBus()
	s := newFakeSub("s", "u", 4)
	bus.Subscribe("a", s)
	bus.Subscribe("b", s)
	bus.Subscribe("b", s)

	if rooms := bus.RoomsOf("s"); len(rooms) != 2 {
		t.Fatalf("RoomsOf = %v", rooms)
	}
	bus.UnsubscribeAll("s")
	bus.Publish("a", Event{Type: EventNewMessage})
	bus.Publish("b", Event{Type: EventNewMessage})
	if got := drain(s.ch); len(got) != 0 {
		t.Errorf("got %d events after UnsubscribeAll", len(got))
	}
	if rooms := bus.RoomsOf("s"); len(rooms) != 0 {
		t.Errorf("RoomsOf after UnsubscribeAll = %v", rooms)
	}
}
