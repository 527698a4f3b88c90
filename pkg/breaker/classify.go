package breaker

import (
	"context"
	"errors"
	"net"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// Classify maps a raw error from a downstream call into the spec.md §7
// Kind taxonomy for the given service, so CircuitBreakerSet can apply the
// right propagation policy (retry, fatal, exclude-from-failure-count)
// without each call site re-deriving it.
//
// Errors already carrying a Kind (via pipelineerrors) pass through
// unchanged; this only classifies errors surfacing from outside the
// pipeline's own error taxonomy (client library errors, net package
// errors, context errors).
func Classify(service string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := pipelineerrors.GetKind(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return pipelineerrors.TimeoutError(service, "context deadline exceeded")
	case errors.Is(err, context.Canceled):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return pipelineerrors.TimeoutError(service, "network timeout")
		}
		return pipelineerrors.NetworkError(service, service, err)
	}

	return pipelineerrors.FailedTo("call "+service, err)
}
