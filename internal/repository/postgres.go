package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"timerd/internal/job"
	"timerd/internal/trigger"
)

// Postgres stores jobs in a single job_details table (see
// internal/db/migrations). The trigger and recipient travel as jsonb; the
// next fire instant is denormalized into next_fire_at so the recovery
// query stays an index scan.
type Postgres struct {
	db        *sqlx.DB
	defaultTO time.Duration
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, defaultTO: 5 * time.Second}
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres connect")
	}
	return NewPostgres(db), nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

var _ JobRepository = (*Postgres)(nil)

type pgJob struct {
	ID               string         `db:"id"`
	CorrelationID    sql.NullString `db:"correlation_id"`
	Status           string         `db:"status"`
	Trigger          []byte         `db:"trigger"`
	Recipient        []byte         `db:"recipient"`
	Priority         int            `db:"priority"`
	Retries          int            `db:"retries"`
	ExecutionCounter int            `db:"execution_counter"`
	ExecutionTimeout sql.NullInt64  `db:"execution_timeout"`
	TimeoutUnit      sql.NullString `db:"timeout_unit"`
	NextFireAt       sql.NullTime   `db:"next_fire_at"`
	ScheduledID      sql.NullString `db:"scheduled_id"`
	Created          time.Time      `db:"created"`
	LastUpdate       time.Time      `db:"last_update"`
}

const pgColumns = `id, correlation_id, status, trigger, recipient, priority,
retries, execution_counter, execution_timeout, timeout_unit, next_fire_at,
scheduled_id, created, last_update`

func (p *Postgres) Save(ctx context.Context, d *job.Details) (*job.Details, error) {
	ctx, cancel := context.WithTimeout(ctx, p.defaultTO)
	defer cancel()

	row, err := toPgJob(d)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO job_details (id, correlation_id, status, trigger, recipient,
  priority, retries, execution_counter, execution_timeout, timeout_unit,
  next_fire_at, scheduled_id, created, last_update)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
ON CONFLICT (id) DO NOTHING
RETURNING ` + pgColumns + `;`

	var stored pgJob
	err = p.db.GetContext(ctx, &stored, q,
		row.ID, row.CorrelationID, row.Status, row.Trigger, row.Recipient,
		row.Priority, row.Retries, row.ExecutionCounter, row.ExecutionTimeout,
		row.TimeoutUnit, row.NextFireAt, row.ScheduledID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrExists, "id %s", d.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "save job")
	}
	return fromPgJob(&stored)
}

func (p *Postgres) Get(ctx context.Context, id string) (*job.Details, error) {
	ctx, cancel := context.WithTimeout(ctx, p.defaultTO)
	defer cancel()

	var stored pgJob
	err := p.db.GetContext(ctx, &stored, `SELECT `+pgColumns+` FROM job_details WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return fromPgJob(&stored)
}

func (p *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.defaultTO)
	defer cancel()

	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM job_details WHERE id = $1)`, id); err != nil {
		return false, errors.Wrap(err, "exists")
	}
	return exists, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, p.defaultTO)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM job_details WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, d *job.Details) (*job.Details, error) {
	ctx, cancel := context.WithTimeout(ctx, p.defaultTO)
	defer cancel()

	row, err := toPgJob(d)
	if err != nil {
		return nil, err
	}
	q := `
UPDATE job_details SET
  status = $2, trigger = $3, recipient = $4, priority = $5, retries = $6,
  execution_counter = $7, execution_timeout = $8, timeout_unit = $9,
  next_fire_at = $10, scheduled_id = $11, last_update = now()
WHERE id = $1
RETURNING ` + pgColumns + `;`

	var stored pgJob
	err = p.db.GetContext(ctx, &stored, q,
		row.ID, row.Status, row.Trigger, row.Recipient, row.Priority,
		row.Retries, row.ExecutionCounter, row.ExecutionTimeout,
		row.TimeoutUnit, row.NextFireAt, row.ScheduledID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "id %s", d.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update job")
	}
	return fromPgJob(&stored)
}

func (p *Postgres) FindAll(ctx context.Context) ([]*job.Details, error) {
	return p.selectJobs(ctx, `SELECT `+pgColumns+` FROM job_details ORDER BY id`)
}

func (p *Postgres) FindByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Details, error) {
	return p.selectJobs(ctx,
		`SELECT `+pgColumns+` FROM job_details WHERE status = ANY($1) ORDER BY id`,
		statusStrings(statuses))
}

func (p *Postgres) FindByStatusBetweenDatesOrderByPriority(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Details, error) {
	return p.selectJobs(ctx, `
SELECT `+pgColumns+` FROM job_details
WHERE status = ANY($1) AND next_fire_at >= $2 AND next_fire_at < $3
ORDER BY priority DESC, id ASC`,
		statusStrings(statuses), from.UTC(), to.UTC())
}

func (p *Postgres) CompareAndTransition(ctx context.Context, id string, to job.Status, expected ...job.Status) (*job.Details, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.defaultTO)
	defer cancel()

	q := `
UPDATE job_details SET status = $2, last_update = now()
WHERE id = $1 AND status = ANY($3)
RETURNING ` + pgColumns + `;`

	var stored pgJob
	err := p.db.GetContext(ctx, &stored, q, id, string(to), statusStrings(expected))
	if errors.Is(err, sql.ErrNoRows) {
		// Either absent or not in an expected status; distinguish for the
		// caller so cancel can answer 404 correctly.
		current, getErr := p.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "claim job")
	}
	d, err := fromPgJob(&stored)
	return d, err == nil, err
}

func (p *Postgres) selectJobs(ctx context.Context, q string, args ...any) ([]*job.Details, error) {
	ctx, cancel := context.WithTimeout(ctx, p.defaultTO)
	defer cancel()

	var rows []pgJob
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "select jobs")
	}
	out := make([]*job.Details, 0, len(rows))
	for i := range rows {
		d, err := fromPgJob(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func toPgJob(d *job.Details) (*pgJob, error) {
	var trig []byte
	var nextFire sql.NullTime
	if d.Trigger != nil {
		raw, err := trigger.Marshal(d.Trigger)
		if err != nil {
			return nil, err
		}
		trig = raw
		if next := d.Trigger.NextFireTime(); next != nil {
			nextFire = sql.NullTime{Time: next.UTC(), Valid: true}
		}
	}
	rec, err := json.Marshal(d.Recipient)
	if err != nil {
		return nil, errors.Wrap(err, "encode recipient")
	}
	row := &pgJob{
		ID:               d.ID,
		CorrelationID:    sql.NullString{String: d.CorrelationID, Valid: d.CorrelationID != ""},
		Status:           string(d.Status),
		Trigger:          trig,
		Recipient:        rec,
		Priority:         d.Priority,
		Retries:          d.Retries,
		ExecutionCounter: d.ExecutionCounter,
		TimeoutUnit:      sql.NullString{String: string(d.TimeoutUnit), Valid: d.TimeoutUnit != ""},
		NextFireAt:       nextFire,
		ScheduledID:      sql.NullString{String: d.ScheduledID, Valid: d.ScheduledID != ""},
	}
	if d.ExecutionTimeout != nil {
		row.ExecutionTimeout = sql.NullInt64{Int64: *d.ExecutionTimeout, Valid: true}
	}
	return row, nil
}

func fromPgJob(row *pgJob) (*job.Details, error) {
	d := &job.Details{
		ID:               row.ID,
		CorrelationID:    row.CorrelationID.String,
		Status:           job.Status(row.Status),
		Priority:         row.Priority,
		Retries:          row.Retries,
		ExecutionCounter: row.ExecutionCounter,
		TimeoutUnit:      job.TimeUnit(row.TimeoutUnit.String),
		ScheduledID:      row.ScheduledID.String,
		Created:          row.Created.UTC(),
		LastUpdate:       row.LastUpdate.UTC(),
	}
	if row.ExecutionTimeout.Valid {
		v := row.ExecutionTimeout.Int64
		d.ExecutionTimeout = &v
	}
	if len(row.Trigger) > 0 {
		tr, err := trigger.Unmarshal(row.Trigger)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s", row.ID)
		}
		d.Trigger = tr
	}
	if len(row.Recipient) > 0 {
		if err := json.Unmarshal(row.Recipient, &d.Recipient); err != nil {
			return nil, errors.Wrapf(err, "job %s: decode recipient", row.ID)
		}
	}
	return d, nil
}

func statusStrings(statuses []job.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
