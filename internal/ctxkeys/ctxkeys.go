// Package ctxkeys carries request identifiers through a context so that
// collaborators deep in a workflow can log them without extra parameters.
package ctxkeys

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	workflowIDKey contextKey = "workflow_id"
	corrIDKey     contextKey = "corr_id"
	personaKey    contextKey = "persona"
	stepKey       contextKey = "step"
)

// WithWorkflowID stores the workflow id.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return withString(ctx, workflowIDKey, id)
}

// WorkflowID returns the workflow id, if set.
func WorkflowID(ctx context.Context) (string, bool) {
	return stringValue(ctx, workflowIDKey)
}

// WithCorrID stores the request correlation id.
func WithCorrID(ctx context.Context, id string) context.Context {
	return withString(ctx, corrIDKey, id)
}

// CorrID returns the correlation id, if set.
func CorrID(ctx context.Context) (string, bool) {
	return stringValue(ctx, corrIDKey)
}

// WithPersona stores the persona handling the request.
func WithPersona(ctx context.Context, persona string) context.Context {
	return withString(ctx, personaKey, persona)
}

// Persona returns the handling persona, if set.
func Persona(ctx context.Context) (string, bool) {
	return stringValue(ctx, personaKey)
}

// WithStep stores the workflow step name.
func WithStep(ctx context.Context, step string) context.Context {
	return withString(ctx, stepKey, step)
}

// Step returns the step name, if set.
func Step(ctx context.Context) (string, bool) {
	return stringValue(ctx, stepKey)
}

// Fields returns a zap field for every identifier present on ctx.
func Fields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	for _, k := range []contextKey{workflowIDKey, corrIDKey, personaKey, stepKey} {
		if v, ok := stringValue(ctx, k); ok {
			fields = append(fields, zap.String(string(k), v))
		}
	}
	return fields
}

// empty values are not stored so an outer value stays visible
func withString(ctx context.Context, k contextKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

func stringValue(ctx context.Context, k contextKey) (string, bool) {
	v, ok := ctx.Value(k).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
