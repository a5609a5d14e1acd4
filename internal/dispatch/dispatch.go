// Package dispatch invokes job recipients and normalizes their outcomes.
package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"timerd/internal/job"
)

// Dispatcher executes jobs for the recipient kinds it accepts. Execute
// must respect the deadline already attached to ctx; the scheduler derives
// it from Timeout, which resolves the job's execution timeout against the
// dispatcher's own default and ceiling.
type Dispatcher interface {
	Accepts(r job.Recipient) bool
	Execute(ctx context.Context, d *job.Details) (*job.ExecutionResponse, error)
	Timeout(d *job.Details) time.Duration
}

var ErrNoDispatcher = errors.New("dispatch: no dispatcher accepts recipient")

// Registry is an ordered list of dispatchers scanned linearly; the first
// one accepting the recipient wins. It is assembled once at process start
// and handed to the scheduler at construction.
type Registry struct {
	dispatchers []Dispatcher
}

func NewRegistry(dispatchers ...Dispatcher) *Registry {
	return &Registry{dispatchers: dispatchers}
}

// Lookup returns the first dispatcher accepting the recipient.
func (r *Registry) Lookup(recipient job.Recipient) (Dispatcher, error) {
	for _, d := range r.dispatchers {
		if d.Accepts(recipient) {
			return d, nil
		}
	}
	return nil, errors.Wrapf(ErrNoDispatcher, "kind %q", recipient.Kind)
}
