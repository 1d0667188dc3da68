package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"paychat_core/internal/clock"
	"paychat_core/internal/domain"
	"paychat_core/internal/repository"
)

type recordingJournal struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (j *recordingJournal) Record(_ context.Context, kind string, _ any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.kinds = append(j.kinds, kind)
	return j.err
}

func TestProcess_Invoice(t *testing.T) {
	ctx := context.Background()
	journal := &recordingJournal{}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	p := NewProcessor(journal, clk)

	cmd, _ := Parse("+invoice recipient=Bob;item=Widget;qty=3;price=10")
	res, err := p.Process(ctx, "alice", "main", cmd)
	if err != nil {
		t.Fatal(err)
	}

	inv := res.Message.Invoice
	if inv == nil {
		t.Fatal("message does not embed the invoice")
	}
	if !inv.Total.Equal(dec("30")) || inv.Status != domain.InvoicePending || inv.Recipient != "Bob" {
		t.Errorf("invoice = %+v", inv)
	}
	li := inv.LineItems[0]
	if li.Description != "Widget" || !li.Qty.Equal(dec("3")) || !li.UnitPrice.Equal(dec("10")) || !li.Total.Equal(dec("30")) {
		t.Errorf("line item = %+v", li)
	}
	if res.Message.SenderID != domain.SystemUserID || res.Message.Kind != domain.KindInvoice {
		t.Errorf("message = %+v", res.Message)
	}
	if res.Message.Content != "Invoice generated: "+inv.ID {
		t.Errorf("content = %q", res.Message.Content)
	}

	if !inv.CreatedAt.Equal(clk.Now()) || !res.Message.Timestamp.Equal(clk.Now()) {
		t.Errorf("timestamps %v / %v, want %v", inv.CreatedAt, res.Message.Timestamp, clk.Now())
	}

	if len(journal.kinds) != 0 {
		t.Fatalf("journaled before commit: %v", journal.kinds)
	}
	p.Committed(ctx, res)
	if len(journal.kinds) != 1 || journal.kinds[0] != "invoice" {
		t.Errorf("journal = %v", journal.kinds)
	}
}

func TestProcess_PaymentDoesNotTouchLedger(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	_ = store.CreateUser(ctx, &domain.User{ID: "alice", PhoneNumber: "+1", Balance: dec("1000")})
	p := NewProcessor(nil, nil)

	cmd, _ := Parse("+payment to=Bob;amount=250;method=Card")
	res, err := p.Process(ctx, "alice", "main", cmd)
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.Payment.Status != domain.PaymentPending {
		t.Errorf("status = %s, want pending", res.Message.Payment.Status)
	}
	p.Committed(ctx, res)
	if b, _ := store.Balance(ctx, "alice"); !b.Equal(dec("1000")) {
		t.Errorf("balance = %s, want 1000", b)
	}
}

func TestProcess_ReceiptAndHelp(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(nil, nil)

	cmd, _ := Parse("+receipt business=Cafe;amount=3")
	res, err := p.Process(ctx, "alice", "main", cmd)
	if err != nil || res.Message.Receipt == nil || !strings.HasPrefix(res.Message.Content, "Receipt generated: ") {
		t.Fatalf("receipt result = %+v, %v", res, err)
	}

	res, err = p.Process(ctx, "alice", "main", HelpCommand{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Artifact != nil || res.Message.Kind != domain.KindHelp || !strings.Contains(res.Message.Content, "+payment to=") {
		t.Errorf("help result = %+v", res.Message)
	}
}

func TestProcess_Unrecognized(t *testing.T) {
	res, err := NewProcessor(nil, nil).Process(context.Background(), "alice", "main", UnrecognizedCommand{Word: "refund"})
	if res != nil || err != nil {
		t.Fatalf("Process(unrecognized) = %+v, %v", res, err)
	}
}

func TestProcess_JournalFailureIsNotFatal(t *testing.T) {
	journal := &recordingJournal{err: errors.New("stream down")}
	p := NewProcessor(journal, nil)
	cmd, _ := Parse("+receipt")
	res, err := p.Process(context.Background(), "alice", "main", cmd)
	if err != nil {
		t.Fatal(err)
	}
	p.Committed(context.Background(), res)
	if len(journal.kinds) != 1 {
		t.Errorf("journal attempts = %d, want 1", len(journal.kinds))
	}
}

func TestCommitted_HelpIsNotJournaled(t *testing.T) {
	journal := &recordingJournal{}
	p := NewProcessor(journal, nil)
	res, err := p.Process(context.Background(), "alice", "main", HelpCommand{})
	if err != nil {
		t.Fatal(err)
	}
	p.Committed(context.Background(), res)
	if len(journal.kinds) != 0 {
		t.Errorf("help journaled: %v", journal.kinds)
	}
}
