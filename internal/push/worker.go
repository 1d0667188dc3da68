// Package push drains the push queue: requests for members who were not
// connected when a message arrived.
package push

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"paychat_core/internal/broker"
	"paychat_core/internal/domain"
	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
	"paychat_core/internal/pubsub"
)

const previewLen = 80

var errInvalidRequest = errors.New("invalid push request")

type Source interface {
	ConsumePushQueue() (<-chan amqp.Delivery, error)
}

// Notification is what a device would display.
type Notification struct {
	UserID string
	Title  string
	Body   string
}

// Sender delivers a notification to a device provider.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. No device provider is
// integrated.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n Notification) error {
	logging.Info().Str("user_id", n.UserID).Str("title", n.Title).Str("body", n.Body).Msg("push notification")
	return nil
}

type Worker struct {
	source Source
	sender Sender
}

func NewWorker(source Source, sender Sender) *Worker {
	if sender == nil {
		sender = LogSender{}
	}
	return &Worker{source: source, sender: sender}
}

// Serve consumes until ctx is canceled. A closed delivery channel is
// returned as an error so the supervisor reconnects.
func (w *Worker) Serve(ctx context.Context) error {
	msgs, err := w.source.ConsumePushQueue()
	if err != nil {
		return fmt.Errorf("failed to start push consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("push delivery channel closed")
			}
			err := w.Handle(ctx, d.RoutingKey, d.Headers, d.Body)
			switch {
			case err == nil:
				_ = d.Ack(false)
			case errors.Is(err, errInvalidRequest):
				logging.Warn().Err(err).Msg("dropping push request")
				_ = d.Ack(false)
			default:
				logging.Warn().Err(err).Msg("push send failed, requeueing")
				_ = d.Nack(false, true)
			}
		}
	}
}

func (w *Worker) String() string { return "push-worker" }

// Handle turns one queued request into a notification. Malformed requests
// return an error wrapping errInvalidRequest.
func (w *Worker) Handle(ctx context.Context, routingKey string, headers amqp.Table, body []byte) error {
	var req broker.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.PushRequests.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}

	userID := req.UserID
	if userID == "" {
		userID = recipientFromKeys(routingKey, headers)
	}
	if userID == "" {
		metrics.PushRequests.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: no recipient in %q", errInvalidRequest, routingKey)
	}

	n := Notification{UserID: userID, Title: "New message", Body: ""}
	if req.Type == string(pubsub.EventNewMessage) {
		var msg domain.Message
		if err := json.Unmarshal(req.Payload, &msg); err != nil {
			metrics.PushRequests.WithLabelValues("invalid").Inc()
			return fmt.Errorf("%w: %v", errInvalidRequest, err)
		}
		n.Title, n.Body = describe(&msg)
	}

	if err := w.sender.Send(ctx, n); err != nil {
		metrics.PushRequests.WithLabelValues("failed").Inc()
		return err
	}
	metrics.PushRequests.WithLabelValues("sent").Inc()
	return nil
}

// recipientFromKeys reads the user from the routing key, falling back to
// the original key recorded in x-death when the request was dead-lettered.
func recipientFromKeys(routingKey string, headers amqp.Table) string {
	if id, ok := broker.UserFromRoutingKey(routingKey); ok {
		return id
	}
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return ""
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return ""
	}
	keys, ok := death["routing-keys"].([]interface{})
	if !ok || len(keys) == 0 {
		return ""
	}
	if s, ok := keys[0].(string); ok {
		if id, ok := broker.UserFromRoutingKey(s); ok {
			return id
		}
	}
	return ""
}

func describe(msg *domain.Message) (title, body string) {
	switch msg.Kind {
	case domain.KindInvoice:
		return "New invoice", msg.Content
	case domain.KindReceipt:
		return "New receipt", msg.Content
	case domain.KindPayment:
		return "Payment update", msg.Content
	case domain.KindText, domain.KindHelp, domain.KindSystem:
		return "New message", truncate(msg.Content, previewLen)
	}
	return "New " + string(msg.Kind), ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
