package context

import (
	"context"

	"github.com/oklog/ulid/v2"
)

type (
	runIDKey         struct{}
	correlationIDKey struct{}
	partitionKey     struct{}
	componentKey     struct{}
)

// Partition identifies the ingestion partition a log line or span belongs to.
type Partition struct {
	SourceType string
	Date       string
	ID         string
}

func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(runIDKey{}).(string)
	return v
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(correlationIDKey{}).(string)
	return v
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return WithCorrelationID(ctx, cid), cid
}

func WithPartition(ctx context.Context, p Partition) context.Context {
	return context.WithValue(ctx, partitionKey{}, p)
}

func PartitionFromContext(ctx context.Context) (Partition, bool) {
	if ctx == nil {
		return Partition{}, false
	}
	p, ok := ctx.Value(partitionKey{}).(Partition)
	return p, ok
}

func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

func ComponentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(componentKey{}).(string)
	return v
}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}
