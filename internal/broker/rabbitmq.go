package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	ExchangeTopic = "paychat.topic"
	ExchangePush  = "paychat.push"

	pushQueue = "paychat.push_notifications"
)

type Config struct {
	AMQPURL   string
	StreamURI string
	// PushTTL bounds how long an undelivered push request waits in the queue.
	PushTTL time.Duration
}

// RabbitMQClient owns the AMQP connection, the stream environment and the
// breaker that guards every publish.
type RabbitMQClient struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	StreamEnv *stream.Environment

	pushTTL time.Duration
	breaker *gobreaker.CircuitBreaker[struct{}]
	mu      sync.Mutex
}

func NewRabbitMQClient(cfg Config) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// 1. Topic exchange for committed chat events
	err = ch.ExchangeDeclare(
		ExchangeTopic, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	// 2. Push exchange for members that were offline at send time
	err = ch.ExchangeDeclare(
		ExchangePush, // name
		"fanout",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	c := &RabbitMQClient{
		conn:    conn,
		channel: ch,
		pushTTL: cfg.PushTTL,
		breaker: newBreaker("rabbitmq-publish"),
	}

	if cfg.StreamURI != "" {
		env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(cfg.StreamURI))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to rabbitmq stream: %w", err)
		}
		c.StreamEnv = env
	}

	return c, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// Publish sends body to the topic exchange.
func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body any) error {
	return c.PublishToExchange(ctx, ExchangeTopic, routingKey, body)
}

// PublishRaw sends an already encoded JSON body to the topic exchange.
func (c *RabbitMQClient) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	return c.publish(ctx, ExchangeTopic, routingKey, body, "")
}

func (c *RabbitMQClient) PublishToExchange(ctx context.Context, exchange, routingKey string, body any) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}
	expiration := ""
	if exchange == ExchangePush && c.pushTTL > 0 {
		expiration = fmt.Sprintf("%d", c.pushTTL.Milliseconds())
	}
	return c.publish(ctx, exchange, routingKey, bytes, expiration)
}

func (c *RabbitMQClient) publish(ctx context.Context, exchange, routingKey string, body []byte, expiration string) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return struct{}{}, c.channel.PublishWithContext(ctx,
			exchange,   // exchange
			routingKey, // routing key
			false,      // mandatory
			false,      // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Expiration:   expiration,
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("broker unavailable: %w", err)
	}
	return err
}

func (c *RabbitMQClient) Close() {
	if c.StreamEnv != nil {
		c.StreamEnv.Close()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// ConsumePushQueue declares the durable push queue, binds it to the push
// exchange and starts a manual-ack consumer on a dedicated channel.
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		pushQueue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare push queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,       // queue name
		"#",          // routing key (fanout ignores it)
		ExchangePush, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind push queue: %w", err)
	}

	return ch.Consume(
		q.Name, "", false, false, false, false, nil,
	)
}
