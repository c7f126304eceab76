package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pushpipe/aggregator/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func testJob() *model.AggregationJob {
	window := model.FrequencyHourly.Window(time.Date(2024, 7, 7, 10, 5, 0, 0, time.UTC))
	return &model.AggregationJob{
		ID:             "8a4ed2f1-4f18-44c4-9a9c-42590cb6ca9a",
		UserID:         "5e9b07ce-7e38-4e7c-b0a8-4f29d0f9e9f3",
		WorkspaceID:    "0d7cf7a8-90b5-4d68-b8b9-74f0a4f00129",
		PageID:         "e8a1e5ea-9adc-4f6c-9e0b-efc823a0e8f7",
		WindowKey:      window.Key,
		IdempotencyKey: model.JobIdempotencyKey("u", "p", window.Key),
		SendAfter:      window.End,
		Status:         model.JobPending,
		EventsCount:    1,
		Payload: model.JobPayload{
			Title:          "Weekly planning",
			Body:           "Alice mentioned you",
			URL:            "/pages/weekly-planning",
			Type:           "mention",
			NotificationID: "f1716cd6-0e26-4a4d-86c1-730ce8b7bd0f",
		},
	}
}

func TestUpsertPendingJob(t *testing.T) {
	assert := assert.New(t)

	mockDB, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer mockDB.Close()

	job := testJob()
	payloadJSON, err := json.Marshal(job.Payload)
	assert.NoError(err)

	// Set up the expectations. The insert carries the conflict clause that
	// folds repeat events into the existing pending row.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO aggregation_jobs .* ON CONFLICT \(user_id, page_id, window_key\) WHERE status = 'pending'`).
		WithArgs(
			job.ID,
			job.UserID,
			job.WorkspaceID,
			job.PageID,
			job.WindowKey,
			job.IdempotencyKey,
			job.SendAfter,
			"pending",
			1,
			payloadJSON,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Fold the event into the job.
	tx, err := mockDB.Begin()
	assert.NoError(err, "unable to begin a transaction")
	err = UpsertPendingJob(ctx, tx, job)
	assert.NoError(err, "unexpected error occurred while upserting the job")
	assert.NoError(tx.Commit())

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}

func TestClaimDueJobs(t *testing.T) {
	assert := assert.New(t)

	mockDB, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer mockDB.Close()

	job := testJob()
	payloadJSON, err := json.Marshal(job.Payload)
	assert.NoError(err)
	now := job.SendAfter.Add(time.Minute)

	// Set up the expectations. The select uses the skip-locked row lock and
	// the update flips exactly the selected rows to processing.
	mock.ExpectBegin()
	rows := sqlmock.NewRows(jobColumns).
		AddRow(
			job.ID, job.UserID, job.WorkspaceID, job.PageID, job.WindowKey, job.IdempotencyKey,
			job.SendAfter, "pending", 2, payloadJSON, now.Add(-time.Hour), now.Add(-time.Hour), nil,
		)
	mock.ExpectQuery(`SELECT .* FROM aggregation_jobs WHERE status = .* AND send_after <= .* ORDER BY send_after ASC LIMIT 10 FOR UPDATE SKIP LOCKED`).
		WithArgs("pending", now).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE aggregation_jobs SET status = .*, updated_at = .* WHERE id IN`).
		WithArgs("processing", now, job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Claim the due jobs.
	tx, err := mockDB.Begin()
	assert.NoError(err, "unable to begin a transaction")
	claimed, err := ClaimDueJobs(ctx, tx, now, 10)
	assert.NoError(err, "unexpected error occurred while claiming jobs")
	assert.NoError(tx.Commit())

	// Verify the claimed job.
	if assert.Len(claimed, 1) {
		assert.Equal(job.ID, claimed[0].ID)
		assert.Equal(model.JobProcessing, claimed[0].Status)
		assert.Equal(2, claimed[0].EventsCount)
		assert.Equal(job.Payload, claimed[0].Payload)
		assert.Nil(claimed[0].SentAt)
	}

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}

func TestClaimDueJobsNoneDue(t *testing.T) {
	assert := assert.New(t)

	mockDB, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer mockDB.Close()

	// Set up the expectations. No rows are due, so no update is issued.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM aggregation_jobs`).
		WillReturnRows(sqlmock.NewRows(jobColumns))
	mock.ExpectRollback()

	// Claim the due jobs.
	tx, err := mockDB.Begin()
	assert.NoError(err, "unable to begin a transaction")
	claimed, err := ClaimDueJobs(ctx, tx, time.Now(), 10)
	assert.NoError(err, "unexpected error occurred while claiming jobs")
	assert.Empty(claimed)
	_ = tx.Rollback()

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}

func TestMarkJobsForRetry(t *testing.T) {
	assert := assert.New(t)

	mockDB, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer mockDB.Close()

	now := time.Now()
	ids := []string{"8a4ed2f1-4f18-44c4-9a9c-42590cb6ca9a"}

	// Set up the expectations. The retry only touches rows that are still in
	// processing and bumps the attempt counter in the payload.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE aggregation_jobs SET status = .*, payload = jsonb_set.* WHERE id IN .* AND status = `).
		WithArgs("pending", now, ids[0], "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Mark the jobs for retry.
	tx, err := mockDB.Begin()
	assert.NoError(err, "unable to begin a transaction")
	err = MarkJobsForRetry(ctx, tx, now, ids)
	assert.NoError(err, "unexpected error occurred while marking jobs for retry")
	assert.NoError(tx.Commit())

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}
