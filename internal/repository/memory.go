package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"paychat_core/internal/domain"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process. A single lock guards all maps so
// that multi-entity writes are atomic.
type MemoryStore struct {
	mu sync.RWMutex

	users       map[string]*domain.User
	phoneIndex  map[string]string
	rooms       map[string]*domain.Room
	privateKeys map[string]string
	messages    map[string]*domain.Message
	roomLog     map[string][]string
	invoices    map[string]*domain.Invoice
	receipts    map[string]*domain.Receipt
	payments    map[string]*domain.Payment
	outbox      []*domain.OutboxEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*domain.User),
		phoneIndex:  make(map[string]string),
		rooms:       make(map[string]*domain.Room),
		privateKeys: make(map[string]string),
		messages:    make(map[string]*domain.Message),
		roomLog:     make(map[string][]string),
		invoices:    make(map[string]*domain.Invoice),
		receipts:    make(map[string]*domain.Receipt),
		payments:    make(map[string]*domain.Payment),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, domain.ErrConflict)
	}
	if _, ok := s.phoneIndex[u.PhoneNumber]; ok {
		return fmt.Errorf("phone %s: %w", u.PhoneNumber, domain.ErrConflict)
	}
	c := *u
	s.users[u.ID] = &c
	s.phoneIndex[u.PhoneNumber] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) GetUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.phoneIndex[phone]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("phone %s: %w", phone, domain.ErrNotFound)
	}
	return s.GetUser(ctx, id)
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return fmt.Errorf("room %s: %w", room.ID, domain.ErrConflict)
	}
	s.rooms[room.ID] = room.Clone()
	return nil
}

func (s *MemoryStore) CreatePrivateRoom(_ context.Context, room *domain.Room) (*domain.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.privateKeys[room.PrivateKey]; ok {
		return s.rooms[id].Clone(), false, nil
	}
	if _, ok := s.rooms[room.ID]; ok {
		return nil, false, fmt.Errorf("room %s: %w", room.ID, domain.ErrConflict)
	}
	s.rooms[room.ID] = room.Clone()
	s.privateKeys[room.PrivateKey] = room.ID
	return room.Clone(), true, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, roomID string, p domain.Participant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false, fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	if r.HasParticipant(p.UserID) {
		return false, nil
	}
	r.Participants = append(r.Participants, p)
	return true, nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.Clone())
	}
	sortByActivity(out)
	return out, nil
}

func (s *MemoryStore) ListRoomsForUser(_ context.Context, userID string) ([]*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Room
	for _, r := range s.rooms {
		if r.HasParticipant(userID) {
			out = append(out, r.Clone())
		}
	}
	sortByActivity(out)
	return out, nil
}

func sortByActivity(rooms []*domain.Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		if !rooms[i].LastActivity.Equal(rooms[j].LastActivity) {
			return rooms[i].LastActivity.After(rooms[j].LastActivity)
		}
		return rooms[i].ID < rooms[j].ID
	})
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *domain.Message, event *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[msg.RoomID]
	if !ok {
		return fmt.Errorf("room %s: %w", msg.RoomID, domain.ErrNotFound)
	}
	if _, ok := s.messages[msg.ID]; ok {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrConflict)
	}
	c := *msg
	s.messages[msg.ID] = &c
	s.putArtifacts(msg)
	s.roomLog[msg.RoomID] = append(s.roomLog[msg.RoomID], msg.ID)
	r.LastMessageID = msg.ID
	r.LastActivity = msg.Timestamp
	if event != nil {
		s.outbox = append(s.outbox, event)
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID string, offset, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.roomLog[roomID]
	end := len(ids) - offset
	if end <= 0 || limit <= 0 {
		return []*domain.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]*domain.Message, 0, end-start)
	for _, id := range ids[start:end] {
		c := *s.messages[id]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, id string, status domain.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if !m.Status.CanAdvanceTo(status) {
		return false, nil
	}
	m.Status = status
	return true, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, roomID string, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(ids))
	var matched []string
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		m, ok := s.messages[id]
		if !ok || m.RoomID != roomID {
			continue
		}
		if m.Status.CanAdvanceTo(domain.StatusRead) {
			m.Status = domain.StatusRead
		}
		matched = append(matched, id)
	}
	return matched, nil
}

// putArtifacts stores the artifact msg carries. Callers hold s.mu.
func (s *MemoryStore) putArtifacts(msg *domain.Message) {
	if msg.Invoice != nil {
		s.putInvoice(msg.Invoice)
	}
	if msg.Receipt != nil {
		c := *msg.Receipt
		s.receipts[c.ID] = &c
	}
	if msg.Payment != nil {
		c := *msg.Payment
		s.payments[c.ID] = &c
	}
}

func (s *MemoryStore) putInvoice(inv *domain.Invoice) {
	c := *inv
	c.LineItems = append([]domain.LineItem(nil), inv.LineItems...)
	s.invoices[inv.ID] = &c
}

func (s *MemoryStore) SaveInvoice(_ context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putInvoice(inv)
	return nil
}

func (s *MemoryStore) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, domain.ErrNotFound)
	}
	c := *inv
	c.LineItems = append([]domain.LineItem(nil), inv.LineItems...)
	return &c, nil
}

func (s *MemoryStore) SaveReceipt(_ context.Context, rc *domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rc
	s.receipts[rc.ID] = &c
	return nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, id string) (*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, domain.ErrNotFound)
	}
	c := *rc
	return &c, nil
}

func (s *MemoryStore) SavePayment(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.payments[p.ID] = &c
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return u.Balance, nil
}

func (s *MemoryStore) Debit(_ context.Context, userID string, amount decimal.Decimal, payment *domain.Payment) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if amount.GreaterThan(u.Balance) {
		return u.Balance, fmt.Errorf("debit %s from %s: %w", amount, userID, domain.ErrInsufficientFunds)
	}
	u.Balance = u.Balance.Sub(amount)
	if payment != nil {
		c := *payment
		s.payments[payment.ID] = &c
	}
	return u.Balance, nil
}

func (s *MemoryStore) Save(_ context.Context, event *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, event)
	return nil
}

func (s *MemoryStore) FetchPending(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.OutboxEvent
	for _, e := range s.outbox {
		if e.ProcessedAt != nil {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := time.Now()
	for _, e := range s.outbox {
		if _, ok := want[e.ID]; ok && e.ProcessedAt == nil {
			e.ProcessedAt = &now
		}
	}
	return nil
}
