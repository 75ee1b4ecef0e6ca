package logging

import (
	"context"
	"fmt"
	"strings"
)

// OperationError annotates an error with operation metadata.
type OperationError struct {
	Operation string
	SessionID string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var ids []string
	if e.SessionID != "" {
		ids = append(ids, "session_id="+e.SessionID)
	}
	if e.RequestID != "" {
		ids = append(ids, "request_id="+e.RequestID)
	}
	if len(ids) > 0 {
		return fmt.Sprintf("%s (%s): %v", e.Operation, strings.Join(ids, ", "), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, SessionID: sessionID, Err: err}
}

// NewOperationErrorContext wraps err with the session and request ids carried by ctx.
func NewOperationErrorContext(ctx context.Context, operation string, err error) error {
	if err == nil {
		return nil
	}
	sessionID, requestID := IDsFromContext(ctx)
	return &OperationError{Operation: operation, SessionID: sessionID, RequestID: requestID, Err: err}
}

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	requestIDKey contextKey = "request_id"
)

// ContextWithIDs attaches the workflow session and the per-action request id.
func ContextWithIDs(ctx context.Context, sessionID, requestID string) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, requestIDKey, requestID)
}

// IDsFromContext returns the ids stored by ContextWithIDs, or empty strings.
func IDsFromContext(ctx context.Context) (sessionID, requestID string) {
	if ctx == nil {
		return "", ""
	}
	sessionID, _ = ctx.Value(sessionIDKey).(string)
	requestID, _ = ctx.Value(requestIDKey).(string)
	return sessionID, requestID
}
