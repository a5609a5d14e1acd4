package job

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
)

// ExceptionDetails is an optional structured capture of a dispatch
// failure, attached to the execution response for observability. Its
// absence never blocks a state transition.
type ExceptionDetails struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// ExceptionExtractor derives ExceptionDetails from a dispatch error, or
// returns nil when the error is not its concern.
type ExceptionExtractor func(err error) *ExceptionDetails

// ExceptionRegistry is an ordered list of extractors scanned linearly;
// the first match wins. A nil registry produces nothing.
type ExceptionRegistry struct {
	extractors []ExceptionExtractor
}

func NewExceptionRegistry(extractors ...ExceptionExtractor) *ExceptionRegistry {
	return &ExceptionRegistry{extractors: extractors}
}

// DefaultExceptionRegistry covers the built-in failure classes.
func DefaultExceptionRegistry() *ExceptionRegistry {
	return NewExceptionRegistry(TimeoutExtractor, NetworkExtractor)
}

// Extract runs the registered extractors in order.
func (r *ExceptionRegistry) Extract(err error) *ExceptionDetails {
	if r == nil || err == nil {
		return nil
	}
	for _, extract := range r.extractors {
		if details := extract(err); details != nil {
			return details
		}
	}
	return nil
}

// TimeoutExtractor captures deadline-exceeded dispatch failures.
func TimeoutExtractor(err error) *ExceptionDetails {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExceptionDetails{Class: "timeout", Message: err.Error()}
	}
	return nil
}

// NetworkExtractor captures transport-level failures.
func NetworkExtractor(err error) *ExceptionDetails {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ExceptionDetails{Class: "network", Message: err.Error()}
	}
	return nil
}
