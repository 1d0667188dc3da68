package broker

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
)

const userRoutingPrefix = "user."

// PushRequest is the body published to the push exchange.
type PushRequest struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// UserRoutingKey is the routing key for push requests addressed to userID.
func UserRoutingKey(userID string) string {
	return userRoutingPrefix + userID
}

// UserFromRoutingKey reverses UserRoutingKey.
func UserFromRoutingKey(key string) (string, bool) {
	if !strings.HasPrefix(key, userRoutingPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, userRoutingPrefix)
	return id, id != ""
}

// PushNotifier relays notification requests for offline users.
type PushNotifier struct {
	client *RabbitMQClient
}

func NewPushNotifier(client *RabbitMQClient) *PushNotifier {
	return &PushNotifier{client: client}
}

func (n *PushNotifier) NotifyOffline(ctx context.Context, userID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.client.PublishToExchange(ctx, ExchangePush, UserRoutingKey(userID), PushRequest{
		Type:    eventType,
		UserID:  userID,
		Payload: body,
	})
}
