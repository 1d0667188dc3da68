package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paychat_core/internal/auth"
	"paychat_core/internal/domain"
	"paychat_core/internal/ledger"
	"paychat_core/internal/logging"
	"paychat_core/internal/repository"
)

type RoomService interface {
	Get(ctx context.Context, roomID string) (*domain.Room, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]*domain.Room, error)
	CreateOrGetPrivateRoom(ctx context.Context, userA, userB string) (*domain.Room, error)
}

type MessageLister interface {
	ListMessages(ctx context.Context, roomID string, page, pageSize int) ([]*domain.Message, error)
}

type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, userID, to string, amount decimal.Decimal, method string) (*ledger.PaymentResult, error)
}

type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	LastSeen(ctx context.Context, userID string) (time.Time, error)
}

type TokenIssuer interface {
	GenerateToken(userID, phone string) (string, error)
}

type Handler struct {
	Users           repository.UserStore
	Rooms           RoomService
	Messages        MessageLister
	Artifacts       repository.ArtifactStore
	Payments        PaymentProcessor
	Presence        PresenceReader
	Tokens          TokenIssuer
	Codes           *CodeBook
	StartingBalance decimal.Decimal
}

func callerID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendCodeRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,min=5,max=32"`
}

type sendCodeResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	DemoCode string `json:"demoCode"`
}

// SendCode simulates an SMS verification code and returns it in the body.
func (h *Handler) SendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	code, err := h.Codes.Issue(req.PhoneNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sendCodeResponse{
		Success:  true,
		Message:  "Verification code sent to " + req.PhoneNumber,
		DemoCode: code,
	})
}

type signupRequest struct {
	PhoneNumber      string `json:"phoneNumber" validate:"required,min=5,max=32"`
	Name             string `json:"name" validate:"required,max=100"`
	VerificationCode string `json:"verificationCode" validate:"required"`
}

type signupResponse struct {
	Token     string       `json:"token"`
	User      *domain.User `json:"user"`
	IsNewUser bool         `json:"isNewUser"`
}

// Signup logs in an existing phone number or creates the account with the
// starting balance.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !h.Codes.Check(req.PhoneNumber, req.VerificationCode) {
		writeError(w, r, domain.Invalid("verificationCode", "does not match"))
		return
	}

	ctx := r.Context()
	user, isNew, err := h.findOrCreateUser(ctx, req.PhoneNumber, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := h.Tokens.GenerateToken(user.ID, user.PhoneNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if isNew {
		logging.Ctx(ctx).Info().Str("user_id", user.ID).Msg("user signed up")
	}
	writeJSON(w, http.StatusOK, signupResponse{Token: token, User: user, IsNewUser: isNew})
}

func (h *Handler) findOrCreateUser(ctx context.Context, phone, name string) (*domain.User, bool, error) {
	user, err := h.Users.GetUserByPhone(ctx, phone)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	user = &domain.User{
		ID:          uuid.NewString(),
		PhoneNumber: phone,
		Name:        name,
		Balance:     h.StartingBalance,
		CreatedAt:   time.Now().UTC(),
	}
	err = h.Users.CreateUser(ctx, user)
	if errors.Is(err, domain.ErrConflict) {
		// lost a race with a concurrent signup for the same phone
		existing, getErr := h.Users.GetUserByPhone(ctx, phone)
		return existing, false, getErr
	}
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := h.Users.GetUser(ctx, callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.Presence != nil {
		if online, err := h.Presence.IsOnline(ctx, user.ID); err == nil {
			user.IsOnline = online
		}
		if seen, err := h.Presence.LastSeen(ctx, user.ID); err == nil && !seen.IsZero() {
			user.LastSeen = seen
		}
	}
	writeJSON(w, http.StatusOK, user)
}

// ListRooms lists every room the caller may see: all non-private rooms plus
// the caller's private rooms.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	all, err := h.Rooms.ListRooms(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller := callerID(r)
	visible := make([]*domain.Room, 0, len(all))
	for _, room := range all {
		if room.Kind != domain.RoomPrivate || room.HasParticipant(caller) {
			visible = append(visible, room)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (h *Handler) ListMyRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.Rooms.ListRoomsForUser(r.Context(), callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

type privateRoomRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (h *Handler) PrivateRoom(w http.ResponseWriter, r *http.Request) {
	var req privateRoomRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := h.Users.GetUser(ctx, req.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	room, err := h.Rooms.CreateOrGetPrivateRoom(ctx, callerID(r), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// ListMessages serves ?page and ?pageSize; page 1 is the newest block.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := chi.URLParam(r, "roomId")
	room, err := h.Rooms.Get(ctx, roomID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if room.Kind == domain.RoomPrivate && !room.HasParticipant(callerID(r)) {
		writeError(w, r, domain.ErrAuth)
		return
	}

	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pageSize, err := intParam(r, "pageSize", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := h.Messages.ListMessages(ctx, roomID, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.Invalid(name, "must be an integer")
	}
	return n, nil
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Artifacts.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rc, err := h.Artifacts.GetReceipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Artifacts.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type paymentRequest struct {
	To     string          `json:"to" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method" validate:"required"`
}

type paymentResponse struct {
	Success    bool            `json:"success"`
	Payment    *domain.Payment `json:"payment"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

// CreatePayment debits the caller. Insufficient balance is a 400 and
// leaves the balance untouched.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Payments.ProcessPayment(r.Context(), callerID(r), req.To, req.Amount, req.Method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{Success: true, Payment: res.Payment, NewBalance: res.NewBalance})
}
