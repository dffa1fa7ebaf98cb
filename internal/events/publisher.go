// Package events announces finished support cases on Kafka.
//
// A [Publisher] without brokers runs in log-only mode: every event is
// encoded and logged at debug level but nothing leaves the process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/session"
	"github.com/MrWong99/fixline/pkg/live"
)

var _ session.Publisher = (*Publisher)(nil)

// TypeCaseClosed is the event type of [CaseClosed].
const TypeCaseClosed = "case.closed"

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "fixline.cases"

// CaseClosed is the payload published when a case has been reported.
// Transcript text and recordings are not included; consumers fetch the
// case from the store by ID.
type CaseClosed struct {
	Type       string            `json:"type"`
	CaseID     string            `json:"caseId"`
	SessionID  string            `json:"sessionId"`
	UserID     string            `json:"userId,omitempty"`
	Mode       live.Mode         `json:"mode"`
	StartedAt  time.Time         `json:"startedAt"`
	EndedAt    time.Time         `json:"endedAt"`
	EndReason  session.EndReason `json:"endReason"`
	Entries    int               `json:"entries"`
	PhotoCount int               `json:"photoCount"`
	Summary    session.Summary   `json:"summary"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// NewCaseClosed builds the event for c at now.
func NewCaseClosed(c session.Case, now time.Time) CaseClosed {
	return CaseClosed{
		Type:       TypeCaseClosed,
		CaseID:     c.ID,
		SessionID:  c.SessionID,
		UserID:     c.UserID,
		Mode:       c.Mode,
		StartedAt:  c.StartedAt,
		EndedAt:    c.EndedAt,
		EndReason:  c.EndReason,
		Entries:    len(c.Transcript),
		PhotoCount: c.PhotoCount,
		Summary:    c.Summary,
		OccurredAt: now.UTC(),
	}
}

// Config configures a [Publisher].
type Config struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

// messageWriter is the subset of [kafka.Writer] the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes [CaseClosed] events to one Kafka topic, keyed by case ID.
// It is safe for concurrent use.
type Publisher struct {
	writer   messageWriter
	topic    string
	clientID string
	metrics  *observe.Metrics
	now      func() time.Time
}

// Option configures a [Publisher].
type Option func(*Publisher)

// WithMetrics records publish outcomes on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New returns a publisher for cfg. With no brokers it runs in log-only mode.
func New(cfg Config, opts ...Option) *Publisher {
	p := &Publisher{
		topic:    cfg.Topic,
		clientID: cfg.ClientID,
		now:      time.Now,
	}
	if p.topic == "" {
		p.topic = DefaultTopic
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	if len(cfg.Brokers) == 0 {
		slog.Info("events: no kafka brokers configured, using log-only mode")
		return p
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        p.topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc, ClientID: cfg.ClientID},
	}
	slog.Info("events: kafka publisher initialised", "brokers", cfg.Brokers, "topic", p.topic)
	return p
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool { return p.writer != nil }

// Topic returns the destination topic.
func (p *Publisher) Topic() string { return p.topic }

// PublishCaseClosed implements [session.Publisher].
func (p *Publisher) PublishCaseClosed(ctx context.Context, c session.Case) error {
	ev := NewCaseClosed(c, p.now())
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", TypeCaseClosed, err)
	}

	log := observe.Logger(ctx)
	log.Debug("events: publishing", "topic", p.topic, "case_id", c.ID, "payload", string(payload))

	if p.writer == nil {
		p.metrics.RecordEventPublished(ctx, p.topic, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(c.ID),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(TypeCaseClosed)},
			{Key: "clientId", Value: []byte(p.clientID)},
		},
	}
	err = p.writer.WriteMessages(ctx, msg)
	p.metrics.RecordEventPublished(ctx, p.topic, err)
	if err != nil {
		log.Error("events: kafka write failed", "topic", p.topic, "case_id", c.ID, "err", err)
		return fmt.Errorf("events: write %s: %w", TypeCaseClosed, err)
	}
	return nil
}

// Close flushes and closes the Kafka writer. It is a no-op in log-only
// mode.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("events: close writer: %w", err)
	}
	return nil
}
