// Package audit records key lifecycle events. Recording is best effort: a
// failing sink is logged and never fails the operation that produced the
// event.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types.
const (
	KeyCreated     = "apikey.created"
	KeyRevoked     = "apikey.revoked"
	KeyDefaultSet  = "apikey.default_set"
	KeyRevealed    = "apikey.revealed"
	KeyVerified    = "apikey.verified"
	KeyRejected    = "apikey.rejected"
	SessionStarted = "session.started"
	SessionEnded   = "session.ended"
)

// Event is one lifecycle fact. It never carries secret material: only the
// non-secret key prefix identifies a key besides its id.
type Event struct {
	Type      string    `json:"type"`
	OwnerID   string    `json:"ownerId,omitempty"`
	KeyID     string    `json:"keyId,omitempty"`
	KeyPrefix string    `json:"keyPrefix,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

type requestIDKey struct{}

// WithRequestID attaches the inbound request id so events can be correlated
// with access logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Sink receives events.
type Sink interface {
	Record(ctx context.Context, ev Event)
	Close() error
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a Sink that logs each event at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, ev Event) {
	s.logger.Info(ev.Type,
		zap.String("owner_id", ev.OwnerID),
		zap.String("key_id", ev.KeyID),
		zap.String("key_prefix", ev.KeyPrefix),
		zap.String("request_id", ev.RequestID),
		zap.String("reason", ev.Reason),
		zap.Time("time", ev.Time),
	)
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// KafkaSink publishes events as JSON to a Kafka topic, keyed by owner so one
// owner's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaSink builds a sink around a synchronous kafka.Writer.
func NewKafkaSink(cfg KafkaConfig, logger *zap.Logger) *KafkaSink {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(w, logger)
}

func newKafkaSink(w messageWriter, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{writer: w, logger: logger.Named("audit")}
}

// Record implements Sink.
func (s *KafkaSink) Record(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal audit event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	// Detach from request cancellation; the write timeout still bounds it.
	ctx = context.WithoutCancel(ctx)
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.OwnerID), Value: value}); err != nil {
		s.logger.Warn("publish audit event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Nop discards events.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

// Close implements Sink.
func (Nop) Close() error { return nil }
