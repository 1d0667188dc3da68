package command

import (
	"context"

	"paychat_core/internal/clock"
	"paychat_core/internal/domain"
	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
	"paychat_core/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const HelpText = `Available commands:
+invoice recipient=Name;item=Item;qty=1;price=100
+receipt business=Business;item=Item;amount=100;payment=Card
+payment to=Recipient;amount=100;method=EFT
+help - Show this help message`

// Result is what a recognized command produced. Artifact is nil for help.
type Result struct {
	Artifact any
	Message  *domain.Message
}

type Processor struct {
	journal repository.ArtifactJournal
	clock   clock.Clock
}

func NewProcessor(journal repository.ArtifactJournal, clk clock.Clock) *Processor {
	if journal == nil {
		journal = repository.NopJournal{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Processor{journal: journal, clock: clk}
}

// Process builds the artifact of cmd and the system message that carries
// it. Unrecognized commands return (nil, nil). Nothing is stored here: the
// artifact is persisted together with the message by
// repository.MessageStore.CreateMessage.
func (p *Processor) Process(ctx context.Context, senderID, roomID string, cmd Command) (*Result, error) {
	now := p.clock.Now()
	msg := &domain.Message{
		ID:        uuid.NewString(),
		SenderID:  domain.SystemUserID,
		RoomID:    roomID,
		Status:    domain.StatusSent,
		Timestamp: now,
	}

	var artifact any
	switch c := cmd.(type) {
	case InvoiceCommand:
		inv := &domain.Invoice{
			ID:        uuid.NewString(),
			CreatedBy: senderID,
			Recipient: c.Recipient,
			LineItems: []domain.LineItem{{
				Description: c.Item,
				Qty:         c.Qty,
				UnitPrice:   c.Price,
				Total:       c.Qty.Mul(c.Price),
			}},
			Status:    domain.InvoicePending,
			CreatedAt: now,
		}
		inv.Total = invoiceTotal(inv.LineItems)
		msg.Kind, msg.Invoice, msg.Content = domain.KindInvoice, inv, "Invoice generated: "+inv.ID
		artifact = inv

	case ReceiptCommand:
		rc := &domain.Receipt{
			ID:            uuid.NewString(),
			CreatedBy:     senderID,
			Business:      c.Business,
			Item:          c.Item,
			Amount:        c.Amount,
			PaymentMethod: c.Payment,
			Timestamp:     now,
		}
		msg.Kind, msg.Receipt, msg.Content = domain.KindReceipt, rc, "Receipt generated: "+rc.ID
		artifact = rc

	case PaymentCommand:
		// Chat payments are records only; balances move through the ledger.
		pay := &domain.Payment{
			ID:        uuid.NewString(),
			From:      senderID,
			To:        c.To,
			Amount:    c.Amount,
			Method:    c.Method,
			Status:    domain.PaymentPending,
			Timestamp: now,
		}
		msg.Kind, msg.Payment, msg.Content = domain.KindPayment, pay, "Payment processed: "+pay.ID
		artifact = pay

	case HelpCommand:
		msg.Kind, msg.Content = domain.KindHelp, HelpText

	default:
		logging.Debug().Str("command", cmd.Name()).Str("room_id", roomID).Msg("unrecognized command ignored")
		return nil, nil
	}

	return &Result{Artifact: artifact, Message: msg}, nil
}

// Committed journals the artifact of res once its message is stored.
// Journal failures are logged; the store stays the source of truth.
func (p *Processor) Committed(ctx context.Context, res *Result) {
	metrics.CommandsProcessed.WithLabelValues(string(res.Message.Kind)).Inc()
	if res.Artifact == nil {
		return
	}
	if err := p.journal.Record(ctx, string(res.Message.Kind), res.Artifact); err != nil {
		logging.Warn().Err(err).Str("kind", string(res.Message.Kind)).Msg("failed to journal artifact")
	}
}

func invoiceTotal(items []domain.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Total)
	}
	return total
}
