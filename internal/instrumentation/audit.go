package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AccountActivity captures one account-level action for the audit trail:
// authentications, conversation lifecycle changes, and reply dispatches.
//
// The UserEmail field contains PII. General logs should use UserDomain();
// full addresses belong only in audit-specific streams with access controls.
type AccountActivity struct {
	// Action names what happened (auth.login, conversation.create,
	// conversation.stop, conversation.run, reply.send).
	Action string

	// UserEmail is the acting account's address.
	UserEmail string

	// Conversation is the affected conversation id, if any.
	Conversation string

	// Counterpart is the other party of the affected conversation, if any.
	Counterpart string

	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	TraceID string
	SpanID  string
}

// NewAccountActivity creates an AccountActivity with timing started.
// Call Complete when the action finishes.
func NewAccountActivity(action string) *AccountActivity {
	return &AccountActivity{
		Action:    action,
		StartTime: time.Now(),
	}
}

// WithUser sets the acting account.
func (a *AccountActivity) WithUser(email string) *AccountActivity {
	a.UserEmail = email
	return a
}

// WithConversation sets the affected conversation.
func (a *AccountActivity) WithConversation(id, counterpart string) *AccountActivity {
	a.Conversation = id
	a.Counterpart = counterpart
	return a
}

// WithSpanContext extracts trace context from the current span.
func (a *AccountActivity) WithSpanContext(ctx context.Context) *AccountActivity {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		a.TraceID = span.SpanContext().TraceID().String()
		a.SpanID = span.SpanContext().SpanID().String()
	}
	return a
}

// Complete marks the activity as finished and records its duration.
func (a *AccountActivity) Complete(err error) *AccountActivity {
	a.Duration = time.Since(a.StartTime)
	a.Success = err == nil
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

// UserDomain returns the domain part of the acting account's address for
// lower-cardinality logging.
func (a *AccountActivity) UserDomain() string {
	return ExtractUserDomain(a.UserEmail)
}

// Status returns StatusSuccess or StatusError.
func (a *AccountActivity) Status() string {
	if a.Success {
		return StatusSuccess
	}
	return StatusError
}

// LogAttrs returns slog attributes with cardinality-controlled values.
func (a *AccountActivity) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("action", a.Action),
		slog.String("user_domain", a.UserDomain()),
		slog.Duration("duration", a.Duration),
		slog.Bool("success", a.Success),
	}
	if a.Conversation != "" {
		attrs = append(attrs, slog.String("conversation", a.Conversation))
	}
	if a.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", a.TraceID))
	}
	if a.Error != "" {
		attrs = append(attrs, slog.String("error", a.Error))
	}
	return attrs
}

// LogAuditAttrs returns slog attributes with full PII for the audit stream.
func (a *AccountActivity) LogAuditAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("action", a.Action),
		slog.String("user", a.UserEmail),
		slog.Duration("duration", a.Duration),
		slog.Bool("success", a.Success),
	}
	if a.Conversation != "" {
		attrs = append(attrs, slog.String("conversation", a.Conversation))
	}
	if a.Counterpart != "" {
		attrs = append(attrs, slog.String("counterpart", a.Counterpart))
	}
	if a.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", a.TraceID))
	}
	if a.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", a.SpanID))
	}
	if a.Error != "" {
		attrs = append(attrs, slog.String("error", a.Error))
	}
	return attrs
}

// AuditLogger writes the account-activity audit trail.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an AuditLogger with the given configuration.
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger,
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// Log writes one activity record. Whether full email addresses appear
// depends on the IncludePII configuration.
func (al *AuditLogger) Log(activity *AccountActivity) {
	if al == nil || !al.enabled {
		return
	}

	var attrs []slog.Attr
	if al.includePII {
		attrs = activity.LogAuditAttrs()
	} else {
		attrs = activity.LogAttrs()
	}

	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}

	if activity.Success {
		al.logger.Info("account_activity", args...)
	} else {
		al.logger.Warn("account_activity", args...)
	}
}
