package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// LogSink writes each event as a structured log line. Useful when no
// downstream consumer is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("lifecycle event",
			zap.String("kind", string(evt.Kind)),
			zap.String("source", evt.Source),
			zap.String("cycle", evt.Cycle),
			zap.Int("forecast_hour", evt.ForecastHour),
			zap.String("tier", evt.Tier),
			zap.Int64("size_bytes", evt.SizeBytes),
			zap.String("reason", evt.Reason),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error { return nil }

// PublisherSink forwards each event to a message publisher, one message per
// event on a fixed topic.
type PublisherSink struct {
	publisher nwp.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a sink over any nwp.Publisher.
func NewPublisherSink(publisher nwp.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes every event. The first publish error aborts the batch;
// the hub logs it and moves on, since lifecycle events are advisory.
func (s *PublisherSink) Consume(ctx context.Context, batch []Event) error {
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			return fmt.Errorf("publish %s event: %w", evt.Kind, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error { return nil }

// MemorySink records batches for inspection in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Consume appends the batch.
func (s *MemorySink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *MemorySink) Close(context.Context) error { return nil }

// Events returns a copy of everything consumed so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
