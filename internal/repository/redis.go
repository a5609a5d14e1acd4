package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"timerd/internal/job"
)

// Redis keeps each job as a JSON value plus an index set of all ids. The
// claim runs under WATCH so two instances racing a leadership handover
// cannot both flip the same job to RUNNING.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, prefix: "timerd:jobs"}
}

var _ JobRepository = (*Redis)(nil)

func (r *Redis) key(id string) string { return r.prefix + ":" + id }
func (r *Redis) indexKey() string     { return r.prefix + ":ids" }

func (r *Redis) Save(ctx context.Context, d *job.Details) (*job.Details, error) {
	now := time.Now().UTC()
	d.Created = now
	d.LastUpdate = now
	data, err := job.MarshalDetails(d)
	if err != nil {
		return nil, err
	}
	ok, err := r.rdb.SetNX(ctx, r.key(d.ID), data, 0).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis save")
	}
	if !ok {
		return nil, errors.Wrapf(ErrExists, "id %s", d.ID)
	}
	if err := r.rdb.SAdd(ctx, r.indexKey(), d.ID).Err(); err != nil {
		return nil, errors.Wrap(err, "redis index add")
	}
	return d, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*job.Details, error) {
	data, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	return job.UnmarshalDetails(data)
}

func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	n, err := r.rdb.Del(ctx, r.key(id)).Result()
	if err != nil {
		return errors.Wrap(err, "redis delete")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return errors.Wrap(r.rdb.SRem(ctx, r.indexKey(), id).Err(), "redis index remove")
}

func (r *Redis) Update(ctx context.Context, d *job.Details) (*job.Details, error) {
	exists, err := r.Exists(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(ErrNotFound, "id %s", d.ID)
	}
	d.LastUpdate = time.Now().UTC()
	data, err := job.MarshalDetails(d)
	if err != nil {
		return nil, err
	}
	if err := r.rdb.Set(ctx, r.key(d.ID), data, 0).Err(); err != nil {
		return nil, errors.Wrap(err, "redis update")
	}
	return d, nil
}

func (r *Redis) FindAll(ctx context.Context) ([]*job.Details, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis index read")
	}
	out := make([]*job.Details, 0, len(ids))
	for _, id := range ids {
		d, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // deleted between SMEMBERS and GET
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sortByID(out)
	return out, nil
}

func (r *Redis) FindByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Details, error) {
	all, err := r.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	set := statusSet(statuses)
	out := all[:0]
	for _, d := range all {
		if _, ok := set[d.Status]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Redis) FindByStatusBetweenDatesOrderByPriority(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Details, error) {
	candidates, err := r.FindByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, d := range candidates {
		if d.Trigger == nil {
			continue
		}
		next := d.Trigger.NextFireTime()
		if next == nil || next.Before(from) || !next.Before(to) {
			continue
		}
		out = append(out, d)
	}
	sortByPriority(out)
	return out, nil
}

func (r *Redis) CompareAndTransition(ctx context.Context, id string, to job.Status, expected ...job.Status) (*job.Details, bool, error) {
	var result *job.Details
	swapped := false
	key := r.key(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errors.Wrapf(ErrNotFound, "id %s", id)
		}
		if err != nil {
			return err
		}
		d, err := job.UnmarshalDetails(data)
		if err != nil {
			return err
		}
		result = d
		if _, ok := statusSet(expected)[d.Status]; !ok {
			return nil // no swap, but not an error
		}
		d.Status = to
		d.LastUpdate = time.Now().UTC()
		updated, err := job.MarshalDetails(d)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			result = d
			swapped = true
		}
		return err
	}

	// Bounded optimistic retries on WATCH conflicts.
	for i := 0; i < 5; i++ {
		err := r.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			swapped = false
			continue
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "redis claim")
		}
		return result, swapped, nil
	}
	return nil, false, errors.New("redis claim: too many conflicts")
}
