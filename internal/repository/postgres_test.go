package repository

import (
	"testing"

	"paychat_core/internal/domain"

	"github.com/shopspring/decimal"
)

func TestArtifactRoundTrip(t *testing.T) {
	in := &domain.Message{
		Kind: domain.KindInvoice,
		Invoice: &domain.Invoice{
			ID:        "inv1",
			Recipient: "Acme",
			Total:     decimal.RequireFromString("200"),
			Status:    domain.InvoicePending,
		},
	}
	raw, err := encodeArtifact(in)
	if err != nil {
		t.Fatal(err)
	}

	out := &domain.Message{Kind: domain.KindInvoice}
	if err := decodeArtifact(out, raw); err != nil {
		t.Fatal(err)
	}
	if out.Invoice == nil || out.Invoice.ID != "inv1" || !out.Invoice.Total.Equal(in.Invoice.Total) {
		t.Fatalf("decoded invoice = %+v", out.Invoice)
	}
}

func TestEncodeArtifact_PlainMessage(t *testing.T) {
	raw, err := encodeArtifact(&domain.Message{Kind: domain.KindText})
	if err != nil || raw != nil {
		t.Fatalf("encodeArtifact(text) = %s, %v", raw, err)
	}
}

func TestLowerStatuses(t *testing.T) {
	got := lowerStatuses(domain.StatusRead)
	if len(got) != 2 || got[0] != "sent" || got[1] != "delivered" {
		t.Errorf("lowerStatuses(read) = %v", got)
	}
	if got := lowerStatuses(domain.StatusSent); len(got) != 0 {
		t.Errorf("lowerStatuses(sent) = %v", got)
	}
}
