// Package errors provides the pipeline's error taxonomy: a single wrapped
// error type carrying an operation, a component, an optional resource, and
// a classification kind that propagation policy switches on.
package errors

import (
	"fmt"
	"strings"
)

// Kind classifies an error for propagation policy. Retryability and
// fatality are a property of the kind, not of the call site.
type Kind string

const (
	KindTransientIO         Kind = "TRANSIENT_IO"
	KindTimeout             Kind = "TIMEOUT"
	KindRateLimit           Kind = "RATE_LIMIT"
	KindAuthPermanent       Kind = "AUTH_PERMANENT"
	KindCircuitOpen         Kind = "CIRCUIT_OPEN"
	KindQueueFull           Kind = "QUEUE_FULL"
	KindShutDown            Kind = "SHUT_DOWN"
	KindSchemaInvariant     Kind = "SCHEMA_INVARIANT"
	KindUnresolvedReference Kind = "UNRESOLVED_REFERENCE"
	KindExcessiveFailures   Kind = "EXCESSIVE_FAILURES"
	KindInternalBug         Kind = "INTERNAL_BUG"
)

// OperationError is the pipeline's general-purpose wrapped error. Component
// and Resource are optional context; Cause may be nil.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Kind      Kind
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString("failed to ")
	b.WriteString(e.Operation)
	if e.Component != "" {
		b.WriteString(", component: ")
		b.WriteString(e.Component)
	}
	if e.Resource != "" {
		b.WriteString(", resource: ")
		b.WriteString(e.Resource)
	}
	if e.Cause != nil {
		b.WriteString(", cause: ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds the common "failed to <action>: <cause>" error. If cause
// is nil the trailing ": <cause>" is omitted.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds an *OperationError carrying component and
// resource context in addition to the action and cause.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{
		Operation: action,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf wraps err with an additional formatted message, returning nil when
// err is nil so callers can unconditionally wrap return values.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// DatabaseError wraps a relational-store failure.
func DatabaseError(operation string, cause error) error {
	return &OperationError{Operation: operation, Component: "database", Kind: KindTransientIO, Cause: cause}
}

// NetworkError wraps a network call failure against endpoint.
func NetworkError(operation, endpoint string, cause error) error {
	return &OperationError{Operation: operation, Component: "network", Resource: endpoint, Kind: KindTransientIO, Cause: cause}
}

// ValidationError reports a single-field validation failure.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError reports a bad configuration setting.
func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

// TimeoutError reports a timed-out wait.
func TimeoutError(waitingFor, duration string) error {
	err := fmt.Errorf("timeout while waiting for %s after %s", waitingFor, duration)
	return &kindedError{err: err, kind: KindTimeout}
}

// AuthenticationError reports a failed authentication attempt.
func AuthenticationError(reason string) error {
	err := fmt.Errorf("authentication failed: %s", reason)
	return &kindedError{err: err, kind: KindAuthPermanent}
}

// AuthorizationError reports insufficient permission to perform action on resource.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// ParseError reports a failure to parse resource as format.
func ParseError(resource, format string, cause error) error {
	return &OperationError{
		Operation: fmt.Sprintf("parse %s as %s", resource, format),
		Component: "parser",
		Cause:     cause,
	}
}

// RateLimited reports a RATE_LIMIT classified error; callers should sleep
// until backoffUntil rather than incrementing a retry counter.
func RateLimited(service string, cause error) error {
	err := fmt.Errorf("%s rate limited: %w", service, orNil(cause))
	return &kindedError{err: err, kind: KindRateLimit}
}

// CircuitOpenError reports that a breaker rejected a call without invoking it.
func CircuitOpenError(name string) error {
	return &kindedError{err: fmt.Errorf("circuit breaker %q is open", name), kind: KindCircuitOpen}
}

// QueueFullError reports a waiter queue at or above its size limit.
func QueueFullError(queue string) error {
	return &kindedError{err: fmt.Errorf("queue %q is full", queue), kind: KindQueueFull}
}

// SchemaInvariantError reports a violated data-model invariant.
func SchemaInvariantError(detail string) error {
	return &kindedError{err: fmt.Errorf("schema invariant violated: %s", detail), kind: KindSchemaInvariant}
}

// UnresolvedReferenceError reports a POI name/semantic-id that failed to resolve.
func UnresolvedReferenceError(identifier string) error {
	return &kindedError{err: fmt.Errorf("unresolved reference: %s", identifier), kind: KindUnresolvedReference}
}

// ExcessiveFailuresError reports the completion monitor's failure-rate guard tripping.
func ExcessiveFailuresError(failed, total int) error {
	return &kindedError{err: fmt.Errorf("excessive failures: %d/%d", failed, total), kind: KindExcessiveFailures}
}

func orNil(err error) error {
	if err == nil {
		return fmt.Errorf("unspecified")
	}
	return err
}

// kindedError attaches a Kind to an arbitrary error without changing its
// rendered message, so GetKind works uniformly across all constructors.
type kindedError struct {
	err  error
	kind Kind
}

func (k *kindedError) Error() string { return k.err.Error() }
func (k *kindedError) Unwrap() error { return k.err }

// GetKind extracts the Kind classification from err or its Unwrap chain, if
// any was attached by one of this package's constructors, and returns
// ("", false) otherwise (IsRetryable then judges an unclassified error by
// its message).
func GetKind(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	if oe, ok := err.(*OperationError); ok {
		if oe.Kind != "" {
			return oe.Kind, true
		}
	}
	if ke, ok := err.(*kindedError); ok {
		return ke.kind, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return GetKind(u.Unwrap())
	}
	return "", false
}

// IsRetryable reports whether err looks like a transient condition worth
// retrying. Classified errors use their Kind; unclassified errors fall back
// to substring heuristics over the message, matching the teacher's
// behavior for errors that never passed through this package's
// constructors (e.g. errors from third-party clients).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := GetKind(err); ok {
		switch kind {
		case KindTransientIO, KindTimeout, KindRateLimit:
			return true
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"timeout", "connection refused", "service unavailable", "connection reset", "temporarily unavailable"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Chain joins multiple non-nil errors into one. Nil inputs are skipped. A
// single non-nil error is returned unwrapped; two or more are joined with
// "multiple errors: " and "; " separators.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msgs := make([]string, len(nonNil))
		for i, e := range nonNil {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}
