package auth

import (
	"errors"
	"fmt"
)

// FlowErrorKind classifies the failures the authentication flow can surface.
type FlowErrorKind string

// Flow failure kinds.
const (
	// KindPortBind indicates the callback port could not be bound
	// (address in use, invalid port, or all candidates exhausted).
	KindPortBind FlowErrorKind = "port_bind_failure"
	// KindListenerStartupTimeout indicates the listener did not report
	// ready within the startup wait window.
	KindListenerStartupTimeout FlowErrorKind = "listener_startup_timeout"
	// KindCSRFValidation indicates the state returned in the redirect did
	// not match the session's stored token, or the token was missing.
	KindCSRFValidation FlowErrorKind = "csrf_validation_failure"
	// KindSessionExpired indicates a callback arrived with no stored
	// verifier or state, e.g. after cancellation.
	KindSessionExpired FlowErrorKind = "session_expired"
	// KindCodeExchange wraps a failure from the provider's code exchange.
	KindCodeExchange FlowErrorKind = "code_exchange_failure"
	// KindAuthTimeout indicates no redirect arrived before the session
	// timeout elapsed.
	KindAuthTimeout FlowErrorKind = "authentication_timeout"
	// KindBrowserLaunch indicates the system browser could not be opened.
	KindBrowserLaunch FlowErrorKind = "browser_launch_failure"
	// KindURLConstruction indicates the authorization URL could not be built.
	KindURLConstruction FlowErrorKind = "url_construction_failure"
)

// FlowError is a typed authentication flow error carrying the failure kind
// and the underlying cause, if any.
type FlowError struct {
	// Kind is the failure classification.
	Kind FlowErrorKind
	// Message is a short description of the failure.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns a string representation of the flow error.
func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewFlowError creates a flow error of the given kind wrapping cause.
func NewFlowError(kind FlowErrorKind, message string, cause error) *FlowError {
	return &FlowError{Kind: kind, Message: message, Cause: cause}
}

// IsFlowKind reports whether err is a FlowError of the given kind.
func IsFlowKind(err error, kind FlowErrorKind) bool {
	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		return false
	}
	return flowErr.Kind == kind
}

// UserFriendlyMessage returns a human-readable message for the given error,
// suitable for direct display.
func UserFriendlyMessage(err error) string {
	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		return "An unexpected error occurred. Please try again."
	}
	switch flowErr.Kind {
	case KindPortBind:
		return "Could not open a local port for sign-in. Please close other applications using ports 3000-3002 and try again."
	case KindListenerStartupTimeout:
		return "The local sign-in listener did not start in time. Please try again."
	case KindCSRFValidation:
		return "Security validation failed. Please try again."
	case KindSessionExpired:
		return "The sign-in session has expired. Please try again."
	case KindCodeExchange:
		return "Could not complete sign-in with the provider. Please try again."
	case KindAuthTimeout:
		return "Authentication timed out. Please try again."
	case KindBrowserLaunch:
		return "Could not open your browser automatically. Please copy and paste the URL manually."
	case KindURLConstruction:
		return "Could not build the sign-in URL. Please check your configuration."
	default:
		return "Authentication failed. Please try again."
	}
}
