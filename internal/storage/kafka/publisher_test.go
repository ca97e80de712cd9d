package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-watch/internal/domain"
	"token-watch/internal/storage"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublisher_Append(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, DefaultTopic, log.New(io.Discard, "", 0))
	fixed := time.Unix(1700000000, 0)
	p.now = func() time.Time { return fixed }

	final := 5000.0
	rec := &domain.TokenRecord{Mint: "mint-a", FinalPrice: &final, Prices: domain.NewTimeSeries(100)}
	require.NoError(t, p.Append(context.Background(), rec))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "mint-a", string(msg.Key))
	assert.Equal(t, fixed, msg.Time)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "mint-a", got["mint"])
	assert.Nil(t, got["initial_price_LP"])
	assert.Equal(t, 5000.0, got["final_price"])
	assert.Equal(t, map[string]any{"0.0": 100.0}, got["prices"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	p := newPublisher(w, "records", log.New(io.Discard, "", 0))

	err := p.Append(context.Background(), &domain.TokenRecord{Mint: "m", Prices: domain.NewTimeSeries(1)})
	assert.ErrorContains(t, err, "publish record for m to records")
}

func TestPublisher_InvalidInput(t *testing.T) {
	p := newPublisher(&fakeWriter{}, DefaultTopic, log.New(io.Discard, "", 0))
	assert.ErrorIs(t, p.Append(context.Background(), nil), storage.ErrInvalidInput)
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewPublisher(Options{})
	assert.Error(t, err)
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, ParseBrokers(""))
}
