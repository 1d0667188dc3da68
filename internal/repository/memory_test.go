package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"paychat_core/internal/domain"

	"github.com/shopspring/decimal"
)

func seedRoom(t *testing.T, s *MemoryStore, id string, members ...string) {
	t.Helper()
	room := &domain.Room{ID: id, Name: id, Kind: domain.RoomGroup, CreatedAt: time.Now()}
	for _, m := range members {
		room.Participants = append(room.Participants, domain.Participant{UserID: m, Role: domain.RoleMember})
	}
	if err := s.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
}

func addMessages(t *testing.T, s *MemoryStore, roomID string, n int) []string {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-m%d", roomID, i)
		msg := &domain.Message{
			ID: id, RoomID: roomID, SenderID: "u1", Content: id,
			Kind: domain.KindText, Status: domain.StatusSent,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateMessage(context.Background(), msg, &domain.OutboxEvent{ID: "ev-" + id}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestCreateMessage_UpdatesRoomAndOutbox(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRoom(t, s, "r1", "u1")
	ids := addMessages(t, s, "r1", 2)

	room, err := s.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if room.LastMessageID != ids[1] {
		t.Errorf("LastMessageID = %q, want %q", room.LastMessageID, ids[1])
	}
	pending, _ := s.FetchPending(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("pending outbox = %d, want 2", len(pending))
	}
	if err := s.MarkProcessed(ctx, []string{pending[0].ID}); err != nil {
		t.Fatal(err)
	}
	pending, _ = s.FetchPending(ctx, 10)
	if len(pending) != 1 || pending[0].ID != "ev-"+ids[1] {
		t.Errorf("pending after MarkProcessed = %+v", pending)
	}
}

func TestCreateMessage_UnknownRoom(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateMessage(context.Background(), &domain.Message{ID: "m", RoomID: "nope"}, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListMessages_Window(t *testing.T) {
	s := NewMemoryStore()
	seedRoom(t, s, "r1", "u1")
	ids := addMessages(t, s, "r1", 5)

	tests := []struct {
		name          string
		offset, limit int
		want          []string
	}{
		{"newest two", 0, 2, ids[3:5]},
		{"second page", 2, 2, ids[1:3]},
		{"partial last page", 4, 2, ids[0:1]},
		{"past the end", 6, 2, nil},
		{"all", 0, 50, ids},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListMessages(context.Background(), "r1", tt.offset, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestAdvanceStatus_NeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRoom(t, s, "r1", "u1")
	id := addMessages(t, s, "r1", 1)[0]

	if _, err := s.MarkRead(ctx, "r1", []string{id}); err != nil {
		t.Fatal(err)
	}
	changed, err := s.AdvanceStatus(ctx, id, domain.StatusDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("delivered after read should not change anything")
	}
	m, _ := s.GetMessage(ctx, id)
	if m.Status != domain.StatusRead {
		t.Errorf("status = %s, want read", m.Status)
	}
}

func TestMarkRead_OnlyRoomMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRoom(t, s, "r1", "u1")
	seedRoom(t, s, "r2", "u1")
	a := addMessages(t, s, "r1", 2)
	b := addMessages(t, s, "r2", 1)

	matched, err := s.MarkRead(ctx, "r1", []string{a[0], b[0], "missing", a[0]})
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 || matched[0] != a[0] {
		t.Fatalf("matched = %v, want [%s]", matched, a[0])
	}
	other, _ := s.GetMessage(ctx, b[0])
	if other.Status != domain.StatusSent {
		t.Errorf("message of another room changed to %s", other.Status)
	}

	again, _ := s.MarkRead(ctx, "r1", []string{a[0]})
	if len(again) != 1 {
		t.Errorf("re-ack should still match, got %v", again)
	}
}

func TestCreatePrivateRoom_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first := &domain.Room{ID: "p1", Kind: domain.RoomPrivate, PrivateKey: "a:b"}
	stored, created, err := s.CreatePrivateRoom(ctx, first)
	if err != nil || !created || stored.ID != "p1" {
		t.Fatalf("first create = %+v %v %v", stored, created, err)
	}
	stored, created, err = s.CreatePrivateRoom(ctx, &domain.Room{ID: "p2", Kind: domain.RoomPrivate, PrivateKey: "a:b"})
	if err != nil || created || stored.ID != "p1" {
		t.Fatalf("second create = %+v %v %v", stored, created, err)
	}
}

func TestListRoomsForUser_ByActivity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRoom(t, s, "old", "u1")
	seedRoom(t, s, "new", "u1")
	seedRoom(t, s, "other", "u2")
	addMessages(t, s, "new", 1)

	rooms, err := s.ListRoomsForUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0].ID != "new" || rooms[1].ID != "old" {
		t.Fatalf("rooms = %v", roomIDs(rooms))
	}
}

func roomIDs(rooms []*domain.Room) []string {
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.ID)
	}
	return out
}

func TestDebit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	u := &domain.User{ID: "u1", PhoneNumber: "+1", Balance: decimal.NewFromInt(100)}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	_, err := s.Debit(ctx, "u1", decimal.NewFromInt(150), nil)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if b, _ := s.Balance(ctx, "u1"); !b.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance changed on failed debit: %s", b)
	}

	p := &domain.Payment{ID: "pay1", From: "u1", Amount: decimal.NewFromInt(40), Status: domain.PaymentCompleted}
	nb, err := s.Debit(ctx, "u1", decimal.NewFromInt(40), p)
	if err != nil {
		t.Fatal(err)
	}
	if !nb.Equal(decimal.NewFromInt(60)) {
		t.Errorf("new balance = %s, want 60", nb)
	}
	if _, err := s.GetPayment(ctx, "pay1"); err != nil {
		t.Errorf("payment not stored with debit: %v", err)
	}
}

func TestDebit_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateUser(ctx, &domain.User{ID: "u1", PhoneNumber: "+1", Balance: decimal.NewFromInt(50)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Debit(ctx, "u1", decimal.NewFromInt(1), nil); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 50 {
		t.Errorf("successful debits = %d, want 50", ok)
	}
	if b, _ := s.Balance(ctx, "u1"); !b.IsZero() {
		t.Errorf("balance = %s, want 0", b)
	}
}

func TestCreateUser_DuplicatePhone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateUser(ctx, &domain.User{ID: "u1", PhoneNumber: "+1"})
	err := s.CreateUser(ctx, &domain.User{ID: "u2", PhoneNumber: "+1"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	got, err := s.GetUserByPhone(ctx, "+1")
	if err != nil || got.ID != "u1" {
		t.Fatalf("GetUserByPhone = %+v, %v", got, err)
	}
}

func TestCreateMessage_StoresCarriedArtifact(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRoom(t, s, "main", "u1")

	inv := &domain.Invoice{ID: "inv1", Recipient: "Bob", Total: decimal.NewFromInt(30), Status: domain.InvoicePending}
	orphan := &domain.Message{ID: "m0", RoomID: "missing", Kind: domain.KindInvoice, Invoice: inv, Status: domain.StatusSent}
	if err := s.CreateMessage(ctx, orphan, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("CreateMessage(unknown room) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetInvoice(ctx, "inv1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("invoice of a failed message was stored: %v", err)
	}

	msg := &domain.Message{ID: "m1", RoomID: "main", Kind: domain.KindInvoice, Invoice: inv, Status: domain.StatusSent}
	if err := s.CreateMessage(ctx, msg, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetInvoice(ctx, "inv1")
	if err != nil || got.Recipient != "Bob" {
		t.Fatalf("GetInvoice = %+v, %v", got, err)
	}

	pay := &domain.Payment{ID: "p1", From: "u1", To: "Bob", Amount: decimal.NewFromInt(5), Status: domain.PaymentPending}
	if err := s.CreateMessage(ctx, &domain.Message{ID: "m2", RoomID: "main", Kind: domain.KindPayment, Payment: pay}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPayment(ctx, "p1"); err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
}
