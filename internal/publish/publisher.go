package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"telegate/internal/config"
	"telegate/internal/deadletter"
	"telegate/internal/metrics"
	"telegate/internal/model"
)

// TransientError marks a publish failure as retryable without relying on
// message sniffing.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Substrings that mark an error message as transient. Inherently a
// heuristic carried over from the wire-facing error conventions of the
// brokers involved, not a guarantee.
var transientMarkers = []string{"timeout", "connection", "network", "temporary", "retry"}

// IsTransient classifies a publish error as retryable: either a typed
// TransientError or a message carrying a known transient marker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Writer is the slice of kafka.Writer the publisher needs; tests substitute
// fakes.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type eventRecord struct {
	DeviceID  string         `json:"device_id"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher forwards accepted envelopes to the downstream event log, keyed
// by device id so the sink preserves per-device ordering. Transient failures
// retry with exponential backoff; exhausted retries produce a dead-letter
// record on the DLQ topic and in the in-memory ring.
type Publisher struct {
	main        Writer
	dlq         Writer
	records     *deadletter.Store
	metrics     *metrics.Store
	logger      *slog.Logger
	maxAttempts int
	retryBase   time.Duration
	sleep       func(ctx context.Context, d time.Duration) bool
}

func NewKafkaPublisher(cfg config.KafkaConfig, records *deadletter.Store, metricsStore *metrics.Store, logger *slog.Logger) *Publisher {
	balancer := &kafka.Hash{}
	main := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     balancer,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 5 * time.Millisecond,
	}
	dlq := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DLQTopic,
		Balancer:     balancer,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewPublisher(main, dlq, cfg.MaxAttempts, cfg.RetryBase, records, metricsStore, logger)
}

func NewPublisher(main, dlq Writer, maxAttempts int, retryBase time.Duration, records *deadletter.Store, metricsStore *metrics.Store, logger *slog.Logger) *Publisher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Publisher{
		main:        main,
		dlq:         dlq,
		records:     records,
		metrics:     metricsStore,
		logger:      logger,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		sleep:       backoffSleep,
	}
}

// Publish attempts delivery up to maxAttempts times, backing off
// base * 2^(attempt-1) after each transient failure. A non-transient error
// fails immediately. When the budget is exhausted the envelope is
// dead-lettered and the last error is returned to the caller.
func (p *Publisher) Publish(ctx context.Context, env model.Envelope) error {
	value, err := json.Marshal(eventRecord{
		DeviceID:  env.DeviceID,
		Payload:   env.Payload,
		Metadata:  env.Metadata,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(env.DeviceID), Value: value}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.main.WriteMessages(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			break
		}
		if p.logger != nil {
			p.logger.Warn("publish attempt failed",
				"device_id", env.DeviceID,
				"attempt", attempt,
				"err", lastErr,
			)
		}
		delay := p.retryBase << (attempt - 1)
		if !p.sleep(ctx, delay) {
			break
		}
	}

	p.DeadLetter(ctx, env, errorType(lastErr), lastErr.Error())
	return lastErr
}

// DeadLetter wraps the envelope and failure into a dead-letter record and
// publishes it to the DLQ topic. A DLQ publish failure is logged, never
// raised: the caller has already been answered.
func (p *Publisher) DeadLetter(ctx context.Context, env model.Envelope, errType, errMsg string) {
	now := time.Now().UTC()
	record := model.DeadLetter{
		DeviceID:         env.DeviceID,
		OriginalPayload:  env.Payload,
		OriginalMetadata: env.Metadata,
		Error: model.DeadLetterError{
			Type:      errType,
			Message:   errMsg,
			Timestamp: now,
		},
		DLQTimestamp: now,
	}
	if p.records != nil {
		p.records.Add(record)
	}
	if p.metrics != nil {
		p.metrics.Error(env.DeviceID, errType)
	}
	value, err := json.Marshal(record)
	if err != nil {
		return
	}
	if p.dlq == nil {
		return
	}
	if err := p.dlq.WriteMessages(ctx, kafka.Message{Key: []byte(env.DeviceID), Value: value}); err != nil {
		if p.logger != nil {
			p.logger.Error("dead-letter publish failed", "device_id", env.DeviceID, "err", err)
		}
	}
}

func (p *Publisher) Close() error {
	var firstErr error
	if c, ok := p.main.(interface{ Close() error }); ok {
		firstErr = c.Close()
	}
	if c, ok := p.dlq.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func errorType(err error) string {
	if IsTransient(err) {
		return "transient_publish_error"
	}
	return "publish_error"
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
