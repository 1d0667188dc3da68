package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"paychat_core/internal/domain"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on lib/pq. Multi-row writes run in a
// transaction; status and balance changes are conditional UPDATEs.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a database/sql handle for dsn.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

// Migrate creates missing tables. Statements are idempotent.
func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresStore) Close() error {
	return r.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (r *PostgresStore) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, phone_number, name, profile_picture, status, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.PhoneNumber, u.Name, u.ProfilePicture, u.Status, u.Balance, u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.PhoneNumber, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

const userColumns = `id, phone_number, name, profile_picture, status, balance, is_online, last_seen, created_at`

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var lastSeen sql.NullTime
	err := row.Scan(&u.ID, &u.PhoneNumber, &u.Name, &u.ProfilePicture, &u.Status, &u.Balance, &u.IsOnline, &lastSeen, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.LastSeen = lastSeen.Time
	return &u, nil
}

func (r *PostgresStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return u, nil
}

func (r *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("phone %s: %w", phone, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return u, nil
}

func insertRoom(ctx context.Context, q querier, room *domain.Room) error {
	var key sql.NullString
	if room.PrivateKey != "" {
		key = sql.NullString{String: room.PrivateKey, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO rooms (id, name, kind, private_key, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, room.ID, room.Name, string(room.Kind), key, room.LastActivity, room.CreatedAt)
	if err != nil {
		return err
	}
	for _, p := range room.Participants {
		if _, err := insertParticipant(ctx, q, room.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func insertParticipant(ctx context.Context, q querier, roomID string, p domain.Participant) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO room_participants (room_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, roomID, p.UserID, string(p.Role), p.JoinedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertRoom(ctx, tx, room); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("room %s: %w", room.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert room: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresStore) CreatePrivateRoom(ctx context.Context, room *domain.Room) (*domain.Room, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, kind, private_key, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (private_key) DO NOTHING
	`, room.ID, room.Name, string(room.Kind), room.PrivateKey, room.LastActivity, room.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert private room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE private_key = $1`, room.PrivateKey).Scan(&id); err != nil {
			return nil, false, fmt.Errorf("failed to fetch private room: %w", err)
		}
		stored, err := getRoom(ctx, tx, id)
		if err != nil {
			return nil, false, err
		}
		return stored, false, tx.Commit()
	}
	for _, p := range room.Participants {
		if _, err := insertParticipant(ctx, tx, room.ID, p); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return room.Clone(), true, nil
}

const roomColumns = `id, name, kind, COALESCE(private_key, ''), COALESCE(last_message_id, ''), last_activity, created_at`

func getRoom(ctx context.Context, q querier, id string) (*domain.Room, error) {
	var room domain.Room
	var kind string
	err := q.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id).
		Scan(&room.ID, &room.Name, &kind, &room.PrivateKey, &room.LastMessageID, &room.LastActivity, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch room: %w", err)
	}
	room.Kind = domain.RoomKind(kind)
	rooms := []*domain.Room{&room}
	if err := loadParticipants(ctx, q, rooms); err != nil {
		return nil, err
	}
	return &room, nil
}

// loadParticipants fills Participants for every room with one query.
func loadParticipants(ctx context.Context, q querier, rooms []*domain.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Room, len(rooms))
	ids := make([]string, 0, len(rooms))
	for _, room := range rooms {
		byID[room.ID] = room
		ids = append(ids, room.ID)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT room_id, user_id, role, joined_at
		FROM room_participants
		WHERE room_id = ANY($1)
		ORDER BY seq
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to fetch participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var roomID, role string
		var p domain.Participant
		if err := rows.Scan(&roomID, &p.UserID, &role, &p.JoinedAt); err != nil {
			return err
		}
		p.Role = domain.ParticipantRole(role)
		if room, ok := byID[roomID]; ok {
			room.Participants = append(room.Participants, p)
		}
	}
	return rows.Err()
}

func (r *PostgresStore) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	return getRoom(ctx, r.db, id)
}

func (r *PostgresStore) AddParticipant(ctx context.Context, roomID string, p domain.Participant) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check room: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	return insertParticipant(ctx, r.db, roomID, p)
}

func (r *PostgresStore) queryRooms(ctx context.Context, query string, args ...any) ([]*domain.Room, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		var room domain.Room
		var kind string
		if err := rows.Scan(&room.ID, &room.Name, &kind, &room.PrivateKey, &room.LastMessageID, &room.LastActivity, &room.CreatedAt); err != nil {
			return nil, err
		}
		room.Kind = domain.RoomKind(kind)
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadParticipants(ctx, r.db, rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *PostgresStore) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	return r.queryRooms(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY last_activity DESC, id`)
}

func (r *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]*domain.Room, error) {
	return r.queryRooms(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE id IN (SELECT room_id FROM room_participants WHERE user_id = $1)
		ORDER BY last_activity DESC, id
	`, userID)
}

// encodeArtifact returns the JSON of the artifact embedded in msg, or nil.
func encodeArtifact(msg *domain.Message) ([]byte, error) {
	switch {
	case msg.Invoice != nil:
		return json.Marshal(msg.Invoice)
	case msg.Receipt != nil:
		return json.Marshal(msg.Receipt)
	case msg.Payment != nil:
		return json.Marshal(msg.Payment)
	}
	return nil, nil
}

func decodeArtifact(msg *domain.Message, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	switch msg.Kind {
	case domain.KindInvoice:
		msg.Invoice = &domain.Invoice{}
		return json.Unmarshal(raw, msg.Invoice)
	case domain.KindReceipt:
		msg.Receipt = &domain.Receipt{}
		return json.Unmarshal(raw, msg.Receipt)
	case domain.KindPayment:
		msg.Payment = &domain.Payment{}
		return json.Unmarshal(raw, msg.Payment)
	}
	return nil
}

func (r *PostgresStore) CreateMessage(ctx context.Context, msg *domain.Message, event *domain.OutboxEvent) error {
	artifact, err := encodeArtifact(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, kind, media_url, status, reply_to, artifact, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, msg.RoomID, msg.SenderID, msg.Content, string(msg.Kind), msg.MediaURL, string(msg.Status), msg.ReplyTo, artifact, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE rooms SET last_message_id = $2, last_activity = $3 WHERE id = $1
	`, msg.RoomID, msg.ID, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to update room activity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %s: %w", msg.RoomID, domain.ErrNotFound)
	}

	if err := insertArtifacts(ctx, tx, msg); err != nil {
		return err
	}

	if event != nil {
		if err := saveOutbox(ctx, tx, event); err != nil {
			return fmt.Errorf("failed to save outbox event: %w", err)
		}
	}

	return tx.Commit()
}

const messageColumns = `id, room_id, sender_id, content, kind, media_url, status, reply_to, artifact, created_at`

func scanMessage(scan func(dest ...any) error) (*domain.Message, error) {
	var m domain.Message
	var kind, status string
	var artifact []byte
	if err := scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &kind, &m.MediaURL, &status, &m.ReplyTo, &artifact, &m.Timestamp); err != nil {
		return nil, err
	}
	m.Kind = domain.MessageKind(kind)
	m.Status = domain.MessageStatus(status)
	if err := decodeArtifact(&m, artifact); err != nil {
		return nil, fmt.Errorf("failed to decode artifact of %s: %w", m.ID, err)
	}
	return &m, nil
}

func (r *PostgresStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return m, nil
}

func (r *PostgresStore) ListMessages(ctx context.Context, roomID string, offset, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = $1
		ORDER BY seq DESC
		OFFSET $2
		LIMIT $3
	`, roomID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := []*domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *PostgresStore) AdvanceStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = $2 WHERE id = $1 AND status = ANY($3)
	`, id, string(status), pq.Array(lowerStatuses(status)))
	if err != nil {
		return false, fmt.Errorf("failed to advance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

func (r *PostgresStore) MarkRead(ctx context.Context, roomID string, ids []string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages SET status = CASE WHEN status = ANY($3) THEN 'read' ELSE status END
		WHERE room_id = $1 AND id = ANY($2)
		RETURNING id
	`, roomID, pq.Array(ids), pq.Array(lowerStatuses(domain.StatusRead)))
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	found := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		found[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// keep the caller's order
	var matched []string
	for _, id := range ids {
		if _, ok := found[id]; ok {
			matched = append(matched, id)
			delete(found, id)
		}
	}
	return matched, nil
}

func insertArtifacts(ctx context.Context, q querier, msg *domain.Message) error {
	if msg.Invoice != nil {
		if err := insertInvoice(ctx, q, msg.Invoice); err != nil {
			return err
		}
	}
	if msg.Receipt != nil {
		if err := insertReceipt(ctx, q, msg.Receipt); err != nil {
			return err
		}
	}
	if msg.Payment != nil {
		return insertPayment(ctx, q, msg.Payment)
	}
	return nil
}

func insertInvoice(ctx context.Context, q querier, inv *domain.Invoice) error {
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("failed to marshal line items: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO invoices (id, created_by, recipient, line_items, total, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inv.ID, inv.CreatedBy, inv.Recipient, items, inv.Total, string(inv.Status), inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (r *PostgresStore) SaveInvoice(ctx context.Context, inv *domain.Invoice) error {
	return insertInvoice(ctx, r.db, inv)
}

func (r *PostgresStore) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	var items []byte
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, created_by, recipient, line_items, total, status, created_at FROM invoices WHERE id = $1
	`, id).Scan(&inv.ID, &inv.CreatedBy, &inv.Recipient, &items, &inv.Total, &status, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch invoice: %w", err)
	}
	inv.Status = domain.InvoiceStatus(status)
	if err := json.Unmarshal(items, &inv.LineItems); err != nil {
		return nil, fmt.Errorf("failed to decode line items: %w", err)
	}
	return &inv, nil
}

func insertReceipt(ctx context.Context, q querier, rc *domain.Receipt) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO receipts (id, created_by, business, item, amount, payment_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rc.ID, rc.CreatedBy, rc.Business, rc.Item, rc.Amount, rc.PaymentMethod, rc.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (r *PostgresStore) SaveReceipt(ctx context.Context, rc *domain.Receipt) error {
	return insertReceipt(ctx, r.db, rc)
}

func (r *PostgresStore) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	var rc domain.Receipt
	err := r.db.QueryRowContext(ctx, `
		SELECT id, created_by, business, item, amount, payment_method, created_at FROM receipts WHERE id = $1
	`, id).Scan(&rc.ID, &rc.CreatedBy, &rc.Business, &rc.Item, &rc.Amount, &rc.PaymentMethod, &rc.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	return &rc, nil
}

func insertPayment(ctx context.Context, q querier, p *domain.Payment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (id, from_user, to_party, amount, method, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.From, p.To, p.Amount, p.Method, string(p.Status), p.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (r *PostgresStore) SavePayment(ctx context.Context, p *domain.Payment) error {
	return insertPayment(ctx, r.db, p)
}

func (r *PostgresStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	var p domain.Payment
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, from_user, to_party, amount, method, status, created_at FROM payments WHERE id = $1
	`, id).Scan(&p.ID, &p.From, &p.To, &p.Amount, &p.Method, &status, &p.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	p.Status = domain.PaymentStatus(status)
	return &p, nil
}

func (r *PostgresStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch balance: %w", err)
	}
	return balance, nil
}

func (r *PostgresStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, payment *domain.Payment) (decimal.Decimal, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE users SET balance = balance - $2
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		current, berr := r.Balance(ctx, userID)
		if berr != nil {
			return decimal.Zero, berr
		}
		return current, fmt.Errorf("debit %s from %s: %w", amount, userID, domain.ErrInsufficientFunds)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit: %w", err)
	}

	if payment != nil {
		if err := insertPayment(ctx, tx, payment); err != nil {
			return decimal.Zero, err
		}
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit debit: %w", err)
	}
	return balance, nil
}

func (r *PostgresStore) Save(ctx context.Context, event *domain.OutboxEvent) error {
	return saveOutbox(ctx, r.db, event)
}

func saveOutbox(ctx context.Context, q querier, event *domain.OutboxEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox (id, event_type, routing_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.EventType, event.RoutingKey, []byte(event.Payload), event.CreatedAt)
	return err
}

func (r *PostgresStore) FetchPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, routing_key, payload, created_at
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.RoutingKey, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *PostgresStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET processed_at = $2 WHERE id = ANY($1) AND processed_at IS NULL
	`, pq.Array(ids), time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark outbox processed: %w", err)
	}
	return nil
}
