package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"paychat_core/internal/domain"
	"paychat_core/internal/repository"

	"github.com/shopspring/decimal"
)

func newLedger(t *testing.T, balance int64) (*Ledger, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	err := store.CreateUser(context.Background(), &domain.User{ID: "u1", PhoneNumber: "+1", Balance: decimal.NewFromInt(balance)})
	if err != nil {
		t.Fatal(err)
	}
	return New(store), store
}

func TestDebit_InsufficientLeavesBalance(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 100)

	if _, err := l.Debit(ctx, "u1", decimal.NewFromInt(101)); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	b, _ := l.Balance(ctx, "u1")
	if !b.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", b)
	}

	nb, err := l.Debit(ctx, "u1", decimal.NewFromInt(100))
	if err != nil || !nb.IsZero() {
		t.Fatalf("exact debit = %s, %v", nb, err)
	}
}

func TestDebit_ConcurrentSumsExactly(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 1000)

	const workers = 40
	amount := decimal.RequireFromString("12.5")
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "u1", amount); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	b, _ := l.Balance(ctx, "u1")
	want := decimal.NewFromInt(1000).Sub(amount.Mul(decimal.NewFromInt(workers)))
	if !b.Equal(want) {
		t.Fatalf("balance = %s, want %s", b, want)
	}
}

func TestDebit_ConcurrentNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "u1", decimal.NewFromInt(1)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	b, _ := l.Balance(ctx, "u1")
	if succeeded != 10 || !b.IsZero() {
		t.Fatalf("succeeded = %d balance = %s, want 10 and 0", succeeded, b)
	}
}

func TestProcessPayment(t *testing.T) {
	ctx := context.Background()
	l, store := newLedger(t, 1000)

	res, err := l.ProcessPayment(ctx, "u1", "Bob", decimal.NewFromInt(250), "EFT")
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != domain.PaymentCompleted || !res.NewBalance.Equal(decimal.NewFromInt(750)) {
		t.Errorf("result = %+v", res)
	}
	stored, err := store.GetPayment(ctx, res.Payment.ID)
	if err != nil || stored.To != "Bob" {
		t.Fatalf("stored payment = %+v, %v", stored, err)
	}
}

func TestProcessPayment_Validation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 1000)

	tests := []struct {
		name   string
		to     string
		amount decimal.Decimal
		method string
		want   error
	}{
		{"missing to", "", decimal.NewFromInt(1), "EFT", domain.ErrValidation},
		{"missing method", "Bob", decimal.NewFromInt(1), " ", domain.ErrValidation},
		{"zero amount", "Bob", decimal.Zero, "EFT", domain.ErrValidation},
		{"negative amount", "Bob", decimal.NewFromInt(-5), "EFT", domain.ErrValidation},
		{"too much", "Bob", decimal.NewFromInt(1001), "EFT", domain.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ProcessPayment(ctx, "u1", tt.to, tt.amount, tt.method)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if b, _ := l.Balance(ctx, "u1"); !b.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("balance moved on rejected payments: %s", b)
	}
}

func TestProcessPayment_UnknownUser(t *testing.T) {
	l, _ := newLedger(t, 1)
	_, err := l.ProcessPayment(context.Background(), "ghost", "Bob", decimal.NewFromInt(1), "EFT")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
