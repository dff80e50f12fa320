package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if account := AccountFromContext(ctx); account != "" {
		fields = append(fields, zap.String("account", account))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type runCtxKey struct{}
type accountCtxKey struct{}
type requestCtxKey struct{}

const (
	maxAccountLen = 64
	maxIDLen      = 128
)

var (
	// Account names may also carry dots and @ so mailbox-style names work.
	accountPattern = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
	idPattern      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validateAccount(account string) error {
	if account == "" {
		return fmt.Errorf("account cannot be empty")
	}
	if !utf8.ValidString(account) {
		return fmt.Errorf("account contains invalid UTF-8")
	}
	if len(account) > maxAccountLen {
		return fmt.Errorf("account exceeds max length %d", maxAccountLen)
	}
	if !accountPattern.MatchString(account) {
		return fmt.Errorf("account contains invalid characters")
	}
	return nil
}

// validateID validates a run or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// IsValidID reports whether id would be accepted by WithRunID and
// WithRequestID.
func IsValidID(id string) bool {
	return validateID(id, "id") == nil
}

// IsValidAccount reports whether account would be accepted by WithAccount.
func IsValidAccount(account string) bool {
	return validateAccount(account) == nil
}

// RunIDFromContext extracts the pipeline run ID from context.
func RunIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(runCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithRunID adds a pipeline run ID to context.
// Panics if runID is empty or contains invalid characters.
func WithRunID(ctx context.Context, runID string) context.Context {
	if err := validateID(runID, "runID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// AccountFromContext extracts the mail account name from context.
func AccountFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(accountCtxKey{}).(string); ok {
		return a
	}
	return ""
}

// WithAccount adds a mail account name to context.
// Panics if account is empty or contains invalid characters.
func WithAccount(ctx context.Context, account string) context.Context {
	if err := validateAccount(account); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, accountCtxKey{}, account)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none is stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
