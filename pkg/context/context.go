// Package context carries load tracing values (load IDs, operation names, start times).
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type key int

const (
	loadIDKey key = iota
	operationKey
	startTimeKey
)

// NewLoadID returns a fresh identifier for one script load.
func NewLoadID() string {
	return "load_" + uuid.NewString()
}

// WithLoadID stores a load ID, generating one when id is empty.
func WithLoadID(parent context.Context, id string) context.Context {
	if id == "" {
		id = NewLoadID()
	}
	return context.WithValue(parent, loadIDKey, id)
}

// LoadID returns the load ID stored in ctx.
func LoadID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(loadIDKey).(string)
	return id, ok && id != ""
}

// WithOperation names the operation in progress (load, reload, render...).
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// Operation returns the operation name stored in ctx.
func Operation(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operationKey).(string)
	return op, ok && op != ""
}

// WithStartTime records when the operation began.
func WithStartTime(parent context.Context, start time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, start)
}

// Elapsed returns the time since the recorded start.
func Elapsed(ctx context.Context) (time.Duration, bool) {
	start, ok := ctx.Value(startTimeKey).(time.Time)
	if !ok {
		return 0, false
	}
	return time.Since(start), true
}

// ForLoad returns a context tagged with a new load ID, the operation and a start time.
func ForLoad(parent context.Context, operation string) context.Context {
	ctx := WithLoadID(parent, "")
	ctx = WithOperation(ctx, operation)
	return WithStartTime(ctx, time.Now())
}
