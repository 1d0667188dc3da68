// Package ledger moves money out of user balances. Every debit for a user
// runs inside that user's critical section and ends in a conditional store
// update, so no interleaving can overdraw a balance or lose an update.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paychat_core/internal/domain"
	"paychat_core/internal/keylock"
	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
	"paychat_core/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentResult struct {
	Payment    *domain.Payment `json:"payment"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

type Ledger struct {
	store repository.LedgerStore
	locks *keylock.Map
	now   func() time.Time
}

func New(store repository.LedgerStore) *Ledger {
	return &Ledger{store: store, locks: keylock.New(), now: time.Now}
}

func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return l.store.Balance(ctx, userID)
}

// Debit subtracts amount from userID's balance and returns the new balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.Invalid("amount", "must be positive")
	}
	return l.debit(ctx, userID, amount, nil)
}

func (l *Ledger) debit(ctx context.Context, userID string, amount decimal.Decimal, payment *domain.Payment) (decimal.Decimal, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	balance, err := l.store.Debit(ctx, userID, amount, payment)
	switch {
	case err == nil:
		metrics.LedgerDebits.WithLabelValues("ok").Inc()
	case errors.Is(err, domain.ErrInsufficientFunds):
		metrics.LedgerDebits.WithLabelValues("insufficient").Inc()
	default:
		metrics.LedgerDebits.WithLabelValues("error").Inc()
	}
	return balance, err
}

// ProcessPayment debits the payer and records a completed payment as one
// unit.
func (l *Ledger) ProcessPayment(ctx context.Context, userID, to string, amount decimal.Decimal, method string) (*PaymentResult, error) {
	to, method = strings.TrimSpace(to), strings.TrimSpace(method)
	switch {
	case to == "":
		return nil, domain.Invalid("to", "is required")
	case method == "":
		return nil, domain.Invalid("method", "is required")
	case !amount.IsPositive():
		return nil, domain.Invalid("amount", "must be positive")
	}

	payment := &domain.Payment{
		ID:        uuid.NewString(),
		From:      userID,
		To:        to,
		Amount:    amount,
		Method:    method,
		Status:    domain.PaymentCompleted,
		Timestamp: l.now(),
	}
	balance, err := l.debit(ctx, userID, amount, payment)
	if err != nil {
		return nil, fmt.Errorf("payment from %s: %w", userID, err)
	}

	logging.Ctx(ctx).Info().
		Str("payment_id", payment.ID).
		Str("to", to).
		Str("amount", amount.String()).
		Msg("payment processed")
	return &PaymentResult{Payment: payment, NewBalance: balance}, nil
}
