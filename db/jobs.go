package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pushpipe/aggregator/model"

	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// jobColumns lists the columns scanned for every aggregation job query.
var jobColumns = []string{
	"id",
	"user_id",
	"workspace_id",
	"page_id",
	"window_key",
	"idempotency_key",
	"send_after",
	"status",
	"events_count",
	"payload",
	"created_at",
	"updated_at",
	"sent_at",
}

// upsertPendingJobConflict is the conflict clause for the accumulation upsert.
// The conflict target matches the partial unique index on
// (user_id, page_id, window_key) that is restricted to pending rows, so an
// event arriving after a job has been claimed inserts a fresh row instead of
// touching the one that is in flight.
const upsertPendingJobConflict = `ON CONFLICT (user_id, page_id, window_key) WHERE status = 'pending' ` +
	`DO UPDATE SET events_count = aggregation_jobs.events_count + 1, ` +
	`payload = EXCLUDED.payload, ` +
	`updated_at = now()`

// UpsertPendingJob folds one event into the pending aggregation job for the
// job's (user, page, window) combination, creating the job with an event count
// of one if no pending job exists yet. Each fold increments the event count
// and overwrites the display payload with this event's payload.
func UpsertPendingJob(ctx context.Context, tx *sql.Tx, job *model.AggregationJob) error {
	wrapMsg := "unable to upsert the pending aggregation job"

	// Marshal the display payload.
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Build the statement to insert or fold the job.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert("aggregation_jobs").
		Columns(
			"id",
			"user_id",
			"workspace_id",
			"page_id",
			"window_key",
			"idempotency_key",
			"send_after",
			"status",
			"events_count",
			"payload").
		Values(
			job.ID,
			job.UserID,
			job.WorkspaceID,
			job.PageID,
			job.WindowKey,
			job.IdempotencyKey,
			job.SendAfter,
			string(model.JobPending),
			1,
			payloadJSON).
		Suffix(upsertPendingJobConflict).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Execute the statement.
	_, err = tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// ClaimDueJobs atomically claims up to `limit` pending jobs that have become
// due, flipping them to processing and returning them ordered by due time.
// The row lock skips rows already locked by a concurrent claimer, so no two
// finalizer runs ever claim the same job.
func ClaimDueJobs(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]*model.AggregationJob, error) {
	wrapMsg := "unable to claim due aggregation jobs"

	// Build the statement to select the due jobs.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(jobColumns...).
		From("aggregation_jobs").
		Where(sq.Eq{"status": string(model.JobPending)}).
		Where(sq.LtOrEq{"send_after": now}).
		OrderBy("send_after ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement and scan the claimed jobs.
	rows, err := tx.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()
	var jobs []*model.AggregationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	// Flip the claimed jobs to processing.
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
		job.Status = model.JobProcessing
	}
	statement, args, err = sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("aggregation_jobs").
		Set("status", string(model.JobProcessing)).
		Set("updated_at", now).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	_, err = tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return jobs, nil
}

// MarkJobsSent transitions claimed jobs to sent, recording the send time. Only
// rows still in processing are touched.
func MarkJobsSent(ctx context.Context, tx *sql.Tx, now time.Time, ids []string) error {
	wrapMsg := "unable to mark aggregation jobs as sent"

	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("aggregation_jobs").
		Set("status", string(model.JobSent)).
		Set("sent_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"status": string(model.JobProcessing)}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	_, err = tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// MarkJobsCancelled transitions claimed jobs to cancelled. Cancellation is an
// audit signal rather than a deletion, so the rows are retained.
func MarkJobsCancelled(ctx context.Context, tx *sql.Tx, now time.Time, ids []string) error {
	wrapMsg := "unable to mark aggregation jobs as cancelled"

	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("aggregation_jobs").
		Set("status", string(model.JobCancelled)).
		Set("updated_at", now).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"status": string(model.JobProcessing)}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	_, err = tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// MarkJobsForRetry returns claimed jobs to pending for a later delivery
// attempt, incrementing the attempt counter embedded in the payload.
func MarkJobsForRetry(ctx context.Context, tx *sql.Tx, now time.Time, ids []string) error {
	wrapMsg := "unable to mark aggregation jobs for retry"

	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("aggregation_jobs").
		Set("status", string(model.JobPending)).
		Set("payload", sq.Expr(
			`jsonb_set(payload, '{attempts}', to_jsonb(coalesce((payload->>'attempts')::int, 0) + 1))`,
		)).
		Set("updated_at", now).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"status": string(model.JobProcessing)}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	_, err = tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// scanJob scans a single aggregation job from the current result row.
func scanJob(rows *sql.Rows) (*model.AggregationJob, error) {
	var (
		job         model.AggregationJob
		status      string
		payloadJSON []byte
		sentAt      sql.NullTime
	)
	err := rows.Scan(
		&job.ID,
		&job.UserID,
		&job.WorkspaceID,
		&job.PageID,
		&job.WindowKey,
		&job.IdempotencyKey,
		&job.SendAfter,
		&status,
		&job.EventsCount,
		&payloadJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
		&sentAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if sentAt.Valid {
		job.SentAt = &sentAt.Time
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return nil, err
	}
	return &job, nil
}
