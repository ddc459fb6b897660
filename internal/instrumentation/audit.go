package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/draftsender/internal/logging"
)

// DeliveryAttempt captures one orchestrator operation for the audit log.
//
// Recipient and Sender are PII. Unless the audit logger is configured with
// IncludePII they are logged as anonymised hashes plus their domain.
type DeliveryAttempt struct {
	Operation string
	RecordID  string
	Sender    string
	Recipient string
	TestMode  bool

	MessageID string
	PixelID   string

	StartTime time.Time
	Duration  time.Duration
	Outcome   string
	Error     string

	TraceID string
	SpanID  string
}

// NewDeliveryAttempt starts timing an attempt.
func NewDeliveryAttempt(ctx context.Context, operation, recordID string) *DeliveryAttempt {
	return &DeliveryAttempt{
		Operation: operation,
		RecordID:  recordID,
		StartTime: time.Now(),
		TraceID:   GetTraceID(ctx),
		SpanID:    GetSpanID(ctx),
	}
}

// Complete stops the timer and records the outcome.
func (a *DeliveryAttempt) Complete(outcome string, err error) *DeliveryAttempt {
	a.Duration = time.Since(a.StartTime)
	a.Outcome = outcome
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

// Succeeded reports whether the message reached Gmail.
func (a *DeliveryAttempt) Succeeded() bool {
	switch a.Outcome {
	case OutcomeSent, OutcomeTestSent, OutcomeDrafted, OutcomePartial:
		return true
	}
	return false
}

// LogAttrs returns the attributes for the audit line.
func (a *DeliveryAttempt) LogAttrs(includePII bool) []slog.Attr {
	attrs := []slog.Attr{
		logging.Operation(a.Operation),
		slog.String("record_id", a.RecordID),
		slog.String("outcome", a.Outcome),
		slog.Duration(logging.KeyDuration, a.Duration),
		slog.Bool("test_mode", a.TestMode),
	}

	if includePII {
		attrs = append(attrs, slog.String("recipient", a.Recipient), slog.String("sender", a.Sender))
	} else if a.Recipient != "" {
		attrs = append(attrs, logging.UserHash(a.Recipient), logging.Domain(a.Recipient))
	}

	if a.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", a.MessageID))
	}
	if a.PixelID != "" {
		attrs = append(attrs, slog.String("pixel_id", a.PixelID))
	}
	if a.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", a.TraceID))
	}
	if a.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", a.SpanID))
	}
	if a.Error != "" {
		attrs = append(attrs, slog.String(logging.KeyError, a.Error))
	}
	return attrs
}

// AuditLogger writes one structured line per delivery attempt.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an AuditLogger. A nil logger uses slog.Default().
func NewAuditLogger(logger *slog.Logger, config AuditConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger.With(slog.String("log_type", "audit")),
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogDelivery writes the audit line for a.
func (al *AuditLogger) LogDelivery(ctx context.Context, a *DeliveryAttempt) {
	if al == nil || !al.enabled {
		return
	}

	level := slog.LevelInfo
	msg := "delivery_completed"
	if !a.Succeeded() {
		level = slog.LevelWarn
		msg = "delivery_failed"
	}
	if a.Outcome == OutcomePartial || a.Outcome == OutcomeUnconfirmed {
		level = slog.LevelError
		msg = "delivery_needs_reconciliation"
	}

	al.logger.LogAttrs(ctx, level, msg, a.LogAttrs(al.includePII)...)
}
