package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paychat_core/internal/broker"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

// ArtifactJournal keeps an append-only record of every financial artifact
// the command processor creates.
type ArtifactJournal interface {
	Record(ctx context.Context, kind string, artifact any) error
}

// NopJournal drops every record. Used when the broker is disabled.
type NopJournal struct{}

func (NopJournal) Record(context.Context, string, any) error { return nil }

type journalEntry struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Artifact   any       `json:"artifact"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StreamJournal appends artifacts to a RabbitMQ stream. It is a journal,
// not the source of truth: the store commits first, the stream follows.
type StreamJournal struct {
	producer *stream.Producer
}

func NewStreamJournal(client *broker.RabbitMQClient, streamName string) (*StreamJournal, error) {
	if client.StreamEnv == nil {
		return nil, errors.New("stream environment is not connected")
	}
	err := client.StreamEnv.DeclareStream(streamName,
		stream.NewStreamOptions().SetMaxLengthBytes(stream.ByteCapacity{}.GB(2)))
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		return nil, fmt.Errorf("failed to declare stream: %w", err)
	}

	producer, err := client.StreamEnv.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	return &StreamJournal{producer: producer}, nil
}

func (j *StreamJournal) Record(_ context.Context, kind string, artifact any) error {
	body, err := json.Marshal(journalEntry{
		ID:         uuid.NewString(),
		Kind:       kind,
		Artifact:   artifact,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if err := j.producer.Send(amqp.NewMessage(body)); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

func (j *StreamJournal) Close() error {
	return j.producer.Close()
}
