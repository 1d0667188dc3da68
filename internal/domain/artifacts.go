package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceOverdue InvoiceStatus = "overdue"
)

type LineItem struct {
	Description string          `json:"description"`
	Qty         decimal.Decimal `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

type Invoice struct {
	ID        string          `json:"id"`
	CreatedBy string          `json:"createdBy"`
	Recipient string          `json:"recipient"`
	LineItems []LineItem      `json:"line_items"`
	Total     decimal.Decimal `json:"total"`
	Status    InvoiceStatus   `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Receipt struct {
	ID            string          `json:"id"`
	CreatedBy     string          `json:"createdBy"`
	Business      string          `json:"business"`
	Item          string          `json:"item"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	Timestamp     time.Time       `json:"timestamp"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

type Payment struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Status    PaymentStatus   `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}
