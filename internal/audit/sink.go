package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"
)

// Sink persists audit entries
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Observer is notified of every recorded entry
type Observer interface {
	Notify(ctx context.Context, e Entry)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, e Entry) error

// Record calls f
func (f SinkFunc) Record(ctx context.Context, e Entry) error { return f(ctx, e) }

// LogSink writes entries as structured log lines
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With(slog.String("component", "audit"))}
}

// Record implements Sink
func (s *LogSink) Record(ctx context.Context, e Entry) error {
	level := slog.LevelInfo
	if e.Result != ResultSuccess {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "validation audit",
		slog.String("audit_id", e.ID),
		slog.String("kind", e.Kind),
		slog.String("result", e.Result),
		slog.String("code", e.Code),
		slog.String("key_id", e.KeyID),
		slog.String("api_key", e.APIKeyMasked),
		slog.String("product_id", e.ProductID),
		slog.String("domain", e.Domain),
		slog.String("ip_hash", e.IPHash),
		slog.String("request_id", e.RequestID),
		slog.Duration("elapsed", e.Elapsed),
		slog.String("message", e.Message),
	)
	return nil
}

// execer is the part of pgxpool.Pool used by PostgresSink
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink appends entries to the validation_logs table
type PostgresSink struct {
	db execer
}

// NewPostgresSink creates a sink over a pgx pool or connection
func NewPostgresSink(db execer) *PostgresSink {
	return &PostgresSink{db: db}
}

const insertLogSQL = `INSERT INTO validation_logs
	(id, kind, created_at, request_id, key_id, api_key_masked, product_id, domain, ip_hash, result, code, message, elapsed_ms)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10, NULLIF($11, ''), $12, $13)`

// Record implements Sink
func (s *PostgresSink) Record(ctx context.Context, e Entry) error {
	_, err := s.db.Exec(ctx, insertLogSQL,
		e.ID, e.Kind, e.Timestamp, e.RequestID, e.KeyID, e.APIKeyMasked, e.ProductID,
		e.Domain, e.IPHash, e.Result, e.Code, e.Message, e.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert validation log: %w", err)
	}
	return nil
}

// messageWriter is the part of kafka.Writer used by KafkaSink
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes entries as JSON messages keyed by key id
type KafkaSink struct {
	w messageWriter
}

// NewKafkaWriter builds a kafka-go writer for the audit topic
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaSink creates a sink publishing through w
func NewKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{w: w}
}

// Record implements Sink
func (s *KafkaSink) Record(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.KeyID),
		Value: payload,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "result", Value: []byte(e.Result)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying writer
func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// NamedSink attaches a name used in logs and metrics
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink records into every sink. All sinks are attempted even when some
// fail; the failures are joined.
type MultiSink []NamedSink

// Record implements Sink
func (m MultiSink) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := safeRecord(ctx, s.Sink, e); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// SinkError identifies the sink that failed
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("audit sink %s: %v", e.Sink, e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }

func safeRecord(ctx context.Context, s Sink, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Record(ctx, e)
}
