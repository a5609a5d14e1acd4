// Package repository persists job details and exposes the recovery
// queries the scheduler relies on after a restart or leadership change.
package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"timerd/internal/job"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// JobRepository is the durable store contract. All mutating operations are
// safe under concurrent invocation for the same id; last-writer-wins is
// acceptable because correctness hinges on CompareAndTransition, not on
// repository-level locking.
type JobRepository interface {
	// Save inserts a new job; ErrExists when the id is taken. Created and
	// LastUpdate are stamped by the repository.
	Save(ctx context.Context, d *job.Details) (*job.Details, error)
	Get(ctx context.Context, id string) (*job.Details, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	// Update replaces the stored job; ErrNotFound when absent.
	Update(ctx context.Context, d *job.Details) (*job.Details, error)

	FindAll(ctx context.Context) ([]*job.Details, error)
	FindByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Details, error)
	// FindByStatusBetweenDatesOrderByPriority returns jobs whose next fire
	// instant lies in [from, to), ordered by priority descending with ties
	// broken by ascending id. This is the leader's recovery query.
	FindByStatusBetweenDatesOrderByPriority(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Details, error)

	// CompareAndTransition atomically flips the job to the target status
	// when its current status is one of expected, returning the updated
	// job and whether the swap happened. This is the shouldRun claim.
	CompareAndTransition(ctx context.Context, id string, to job.Status, expected ...job.Status) (*job.Details, bool, error)
}

// statusSet is a small helper shared by the backends.
func statusSet(statuses []job.Status) map[job.Status]struct{} {
	set := make(map[job.Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}
