// Package kafka publishes completed token records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"token-watch/internal/domain"
	"token-watch/internal/storage"
)

// DefaultTopic receives one message per completed record.
const DefaultTopic = "token-records"

// messageWriter is the subset of *kafka.Writer used by Publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures a Publisher.
type Options struct {
	Brokers []string
	Topic   string // Default: DefaultTopic
	Logger  *log.Logger
}

// Publisher implements storage.RecordStore by producing JSON messages keyed by mint.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *log.Logger
	now    func() time.Time
}

// NewPublisher creates a synchronous publisher for the given brokers.
func NewPublisher(opts Options) (*Publisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}

	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Printf("kafka: "+msg, args...)
		}),
	}

	return newPublisher(writer, topic, logger), nil
}

func newPublisher(w messageWriter, topic string, logger *log.Logger) *Publisher {
	return &Publisher{writer: w, topic: topic, logger: logger, now: time.Now}
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Append publishes rec. The message key is the mint so that records for one
// token land on one partition.
func (p *Publisher) Append(ctx context.Context, rec *domain.TokenRecord) error {
	if rec == nil || rec.Mint == "" {
		return storage.ErrInvalidInput
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record for %s: %w", rec.Mint, err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.Mint),
		Value: value,
		Time:  p.now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish record for %s to %s: %w", rec.Mint, p.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ storage.RecordStore = (*Publisher)(nil)
