// Package sentryhelper provides utilities for Sentry transaction and scope management.
// It keeps breadcrumbs and tags isolated per playback session.
package sentryhelper

import (
	"context"
	"fmt"

	sentry "github.com/getsentry/sentry-go"
)

// contextKey is used to store the cloned hub in context
type contextKey string

const hubContextKey contextKey = "sentry_hub"

// NewSessionContext returns a context carrying a hub cloned for one session.
// Everything reported through it is tagged with the session ID.
func NewSessionContext(ctx context.Context, sessionID string) context.Context {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", sessionID)
	})
	return context.WithValue(ctx, hubContextKey, hub)
}

// StartOperationTransaction starts a transaction for a control operation on
// the session hub in ctx. Finish the returned span when the operation is done.
func StartOperationTransaction(ctx context.Context, operation string) (context.Context, *sentry.Span) {
	hub := HubFromContext(ctx)
	ctx = sentry.SetHubOnContext(ctx, hub)

	transaction := sentry.StartTransaction(ctx, fmt.Sprintf("playback.%s", operation),
		sentry.WithOpName("playback.control"),
		sentry.WithTransactionSource(sentry.SourceTask),
	)
	transaction.SetTag("operation", operation)

	hub.Scope().SetSpan(transaction)
	return transaction.Context(), transaction
}

// HubFromContext retrieves the cloned hub from context.
// Falls back to CurrentHub if no cloned hub is found.
func HubFromContext(ctx context.Context) *sentry.Hub {
	if ctx == nil {
		return sentry.CurrentHub()
	}
	if hub, ok := ctx.Value(hubContextKey).(*sentry.Hub); ok && hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

// AddBreadcrumb adds a breadcrumb to the hub in context.
func AddBreadcrumb(ctx context.Context, breadcrumb *sentry.Breadcrumb) {
	HubFromContext(ctx).AddBreadcrumb(breadcrumb, nil)
}

// CaptureException captures an exception on the hub in context.
func CaptureException(ctx context.Context, err error) *sentry.EventID {
	return HubFromContext(ctx).CaptureException(err)
}

// CaptureMessage captures a message on the hub in context.
// Use this for warnings or informational events that aren't errors.
func CaptureMessage(ctx context.Context, message string) *sentry.EventID {
	return HubFromContext(ctx).CaptureMessage(message)
}

// ConfigureScope configures the scope on the hub in context.
func ConfigureScope(ctx context.Context, f func(*sentry.Scope)) {
	HubFromContext(ctx).ConfigureScope(f)
}

// StartSpan starts a child span attached to the transaction in context.
func StartSpan(ctx context.Context, operation string) *sentry.Span {
	return sentry.StartSpan(ctx, operation)
}
