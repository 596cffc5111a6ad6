// Package events publishes audit events and quorum-satisfied transactions
// through watermill.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
	"github.com/rs/zerolog"
)

const (
	DefaultAuditTopic  = "sentinel.audit"
	DefaultLedgerTopic = "sentinel.ledger.execute"
)

// AuditPublisher implements the AuditSink interface using Watermill
type AuditPublisher struct {
	publisher message.Publisher
	topic     string
	log       zerolog.Logger
}

// NewAuditPublisher creates a new audit sink. Publish failures are logged,
// never returned.
func NewAuditPublisher(publisher message.Publisher, topic string, log zerolog.Logger) ports.AuditSink {
	if topic == "" {
		topic = DefaultAuditTopic
	}
	return &AuditPublisher{publisher: publisher, topic: topic, log: log}
}

// Record publishes an audit event
func (p *AuditPublisher) Record(ctx context.Context, event core.AuditEvent) {
	if event.ID == "" {
		event.ID = watermill.NewUUID()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("action", event.Action).Msg("failed to marshal audit event")
		return
	}

	msg := message.NewMessage(event.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("action", event.Action)
	msg.Metadata.Set("status", event.Status)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		p.log.Warn().Err(err).
			Str("action", event.Action).
			Str("status", event.Status).
			Str("principal_id", event.PrincipalID).
			Msg("failed to publish audit event")
	}
}

// LedgerPublisher implements the Ledger interface by handing bundles to a
// settlement consumer over Watermill
type LedgerPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewLedgerPublisher creates a new ledger hand-off
func NewLedgerPublisher(publisher message.Publisher, topic string) ports.Ledger {
	if topic == "" {
		topic = DefaultLedgerTopic
	}
	return &LedgerPublisher{publisher: publisher, topic: topic}
}

// Execute publishes the bundle. The message UUID is the transaction ID, which
// ConsumeLedger uses to drop redeliveries.
func (l *LedgerPublisher) Execute(ctx context.Context, bundle core.ExecutionBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal execution bundle: %w", err)
	}

	msg := message.NewMessage(bundle.TransactionID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("transaction_id", bundle.TransactionID)

	if err := l.publisher.Publish(l.topic, msg); err != nil {
		return fmt.Errorf("failed to publish execution bundle: %w", err)
	}

	return nil
}

// LogSink records audit events to the log only
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates an audit sink that writes structured log lines
func NewLogSink(log zerolog.Logger) ports.AuditSink {
	return &LogSink{log: log}
}

// Record logs the event
func (s *LogSink) Record(ctx context.Context, event core.AuditEvent) {
	ev := s.log.Info()
	if event.Status == core.AuditFailure {
		ev = s.log.Warn()
	}
	ev.Str("audit_action", event.Action).
		Str("audit_status", event.Status).
		Str("principal_id", event.PrincipalID).
		Str("detail", event.Detail).
		Time("at", event.Timestamp).
		Msg("audit")
}

type teeSink []ports.AuditSink

// Tee records every event to each sink in order
func Tee(sinks ...ports.AuditSink) ports.AuditSink {
	return teeSink(sinks)
}

func (t teeSink) Record(ctx context.Context, event core.AuditEvent) {
	if event.ID == "" {
		event.ID = watermill.NewUUID()
	}
	for _, sink := range t {
		sink.Record(ctx, event)
	}
}
