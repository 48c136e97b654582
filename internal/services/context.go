package services

import "context"

type contextKey string

const (
	depositIDKey contextKey = "deposit_id"
	jobIDKey     contextKey = "job_id"
	jobNameKey   contextKey = "job"
	requestIDKey contextKey = "request_id"
)

// WithDepositID annotates context with the deposit identifier.
func WithDepositID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, depositIDKey, id)
}

// DepositIDFromContext extracts the deposit identifier if present.
func DepositIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(depositIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithJob annotates context with the job record id and registry name.
func WithJob(ctx context.Context, id, name string) context.Context {
	if id != "" {
		ctx = context.WithValue(ctx, jobIDKey, id)
	}
	if name != "" {
		ctx = context.WithValue(ctx, jobNameKey, name)
	}
	return ctx
}

// JobIDFromContext returns the job record id if present.
func JobIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// JobNameFromContext returns the job registry name if present.
func JobNameFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(jobNameKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
