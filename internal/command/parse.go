// Package command turns in-band "+word key=value;..." chat text into typed
// commands and the financial artifacts they produce.
package command

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Marker starts every command.
const Marker = "+"

var (
	// The body may span lines; assignments are split on ";" regardless.
	commandRe = regexp.MustCompile(`(?s)^\+([A-Za-z]+)(?:\s+(.*))?$`)
	numberRe  = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)
)

// Command is one of InvoiceCommand, ReceiptCommand, PaymentCommand,
// HelpCommand or UnrecognizedCommand.
type Command interface {
	Name() string
	isCommand()
}

type InvoiceCommand struct {
	Recipient string
	Item      string
	Qty       decimal.Decimal
	Price     decimal.Decimal
}

type ReceiptCommand struct {
	Business string
	Item     string
	Amount   decimal.Decimal
	Payment  string
}

type PaymentCommand struct {
	To     string
	Amount decimal.Decimal
	Method string
}

type HelpCommand struct{}

// UnrecognizedCommand carries a word that looked like a command but is not
// one. It produces nothing.
type UnrecognizedCommand struct {
	Word string
}

func (InvoiceCommand) Name() string        { return "invoice" }
func (ReceiptCommand) Name() string        { return "receipt" }
func (PaymentCommand) Name() string        { return "payment" }
func (HelpCommand) Name() string           { return "help" }
func (c UnrecognizedCommand) Name() string { return c.Word }

func (InvoiceCommand) isCommand()      {}
func (ReceiptCommand) isCommand()      {}
func (PaymentCommand) isCommand()      {}
func (HelpCommand) isCommand()         {}
func (UnrecognizedCommand) isCommand() {}

// Parse reports ok=false when text is not command syntax at all, so the
// caller treats it as a plain message. Malformed assignments never fail;
// missing or unparsable fields take their defaults.
func Parse(text string) (Command, bool) {
	m := commandRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return nil, false
	}
	word := strings.ToLower(m[1])
	args := parseAssignments(m[2])

	switch word {
	case "invoice":
		qty := parseNumber(args["qty"], decimal.NewFromInt(1))
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		return InvoiceCommand{
			Recipient: stringOr(args["recipient"], "Customer"),
			Item:      stringOr(args["item"], "Item"),
			Qty:       qty,
			Price:     parseNumber(args["price"], decimal.Zero),
		}, true
	case "receipt":
		return ReceiptCommand{
			Business: stringOr(args["business"], "Business"),
			Item:     stringOr(args["item"], "Item"),
			Amount:   parseNumber(args["amount"], decimal.Zero),
			Payment:  stringOr(args["payment"], "Cash"),
		}, true
	case "payment":
		return PaymentCommand{
			To:     stringOr(args["to"], "Recipient"),
			Amount: parseNumber(args["amount"], decimal.Zero),
			Method: stringOr(args["method"], "EFT"),
		}, true
	case "help":
		return HelpCommand{}, true
	}
	return UnrecognizedCommand{Word: word}, true
}

// parseAssignments splits "k=v; k2=v2". Pairs without "=" or with an empty
// side are dropped. Keys are case-insensitive; the last duplicate wins.
func parseAssignments(body string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(body, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// parseNumber reads the leading numeric prefix of s ("12abc" is 12). Empty
// or non-numeric input yields def.
func parseNumber(s string, def decimal.Decimal) decimal.Decimal {
	prefix := numberRe.FindString(s)
	if prefix == "" {
		return def
	}
	d, err := decimal.NewFromString(prefix)
	if err != nil {
		return def
	}
	return d
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
