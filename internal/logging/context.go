// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package logging

import (
	"context"

	"github.com/rs/zerolog"
)

// Context keys for logging.
type contextKey string

const (
	// operationIDKey is the context key for bulk operation IDs.
	operationIDKey contextKey = "operation_id"

	// executionIDKey is the context key for saga execution IDs.
	executionIDKey contextKey = "execution_id"

	// tenantIDKey is the context key for tenant IDs.
	tenantIDKey contextKey = "tenant_id"

	// loggerKey is the context key for storing a logger instance.
	loggerKey contextKey = "logger"
)

// ContextWithOperationID returns a new context carrying the bulk operation ID.
func ContextWithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey, id)
}

// OperationIDFromContext retrieves the operation ID from context.
// Returns empty string if not present.
func OperationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithExecutionID returns a new context carrying the saga execution ID.
func ContextWithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// ExecutionIDFromContext retrieves the execution ID from context.
// Returns empty string if not present.
func ExecutionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(executionIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithTenantID returns a new context carrying the tenant ID.
func ContextWithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantIDFromContext retrieves the tenant ID from context.
// Returns empty string if not present.
func TenantIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithLogger stores a logger in the context for downstream use.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger stored in the context.
// Falls back to the global logger if none is stored.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger enriched with any IDs found in the context.
// Fields are attached only when present, so the call is cheap for
// bare contexts.
//
//	logging.Ctx(ctx).Info().Int("batch", n).Msg("checkpoint written")
func Ctx(ctx context.Context) zerolog.Logger {
	logger := LoggerFromContext(ctx)
	lctx := logger.With()

	if id := OperationIDFromContext(ctx); id != "" {
		lctx = lctx.Str("operation_id", id)
	}
	if id := ExecutionIDFromContext(ctx); id != "" {
		lctx = lctx.Str("execution_id", id)
	}
	if id := TenantIDFromContext(ctx); id != "" {
		lctx = lctx.Str("tenant_id", id)
	}

	return lctx.Logger()
}

// WithComponent creates a child logger tagged with a component name.
//
//	logger := logging.WithComponent("saga")
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}
