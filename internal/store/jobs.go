package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"socialsync/internal/models"
)

// JobFilter narrows ListJobs. Zero values mean "no constraint"; Limit
// falls back to 20 like the polling UI expects.
type JobFilter struct {
	Status string
	Limit  int
}

const jobColumns = `id, owner, job_type, status, total_items, processed_items,
	success_count, error_count, result, error_message, error_details,
	created_at, started_at, completed_at, last_updated_at`

// CreateJob inserts a pending job with zeroed counters and returns it.
func (s *Store) CreateJob(ctx context.Context, owner, jobType string) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner, job_type, status, total_items, processed_items,
			success_count, error_count, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, 0, $5, $5)
	`, id, owner, jobType, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:            id,
		Owner:         owner,
		Type:          jobType,
		Status:        models.StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns the owner's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, owner string, f JobFilter) ([]models.Job, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE owner = $1`
	args := []any{owner}
	if f.Status != "" {
		q += ` AND status = $2`
		args = append(args, f.Status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, f.Limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobStatus returns just the status column. Workers poll it between
// units of work to honor cooperative cancellation cheaply.
func (s *Store) JobStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query job status: %w", err)
	}
	return status, nil
}

// MarkJobStarted transitions pending -> in_progress and stamps
// started_at exactly once. Any other starting state is rejected.
func (s *Store) MarkJobStarted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NOW(), last_updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusInProgress, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark job started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// UpdateJobProgress overwrites only the provided counters on a running
// job. processed_items never decreases.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, u models.ProgressUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET processed_items = GREATEST(processed_items, COALESCE($2, processed_items)),
			success_count   = COALESCE($3, success_count),
			error_count     = COALESCE($4, error_count),
			total_items     = COALESCE($5, total_items),
			last_updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, u.Processed, u.Success, u.Errors, u.Total, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// MarkJobCompleted transitions in_progress -> completed and stores the
// result payload.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, completed_at = NOW(), last_updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, result, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// MarkJobFailed moves a pending or running job into failed. A pending
// job can fail when the dispatcher sheds load before a worker picks it up.
func (s *Store) MarkJobFailed(ctx context.Context, id, message string, details json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, error_details = $4,
			completed_at = NOW(), last_updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, models.StatusFailed, message, details, models.StatusPending, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// MarkJobCancelled flips a non-terminal job to cancelled. The running
// worker observes the status between units of work and stops.
func (s *Store) MarkJobCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), last_updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusPending, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// transitionFailure distinguishes a missing row from a guarded update
// that matched no rows because the job was in the wrong state.
func (s *Store) transitionFailure(ctx context.Context, id string) error {
	if _, err := s.JobStatus(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		result    []byte
		errMsg    pgtype.Text
		errDet    []byte
		startedAt pgtype.Timestamptz
		doneAt    pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Owner, &job.Type, &job.Status,
		&job.TotalItems, &job.ProcessedItems, &job.SuccessCount, &job.ErrorCount,
		&result, &errMsg, &errDet, &job.CreatedAt, &startedAt, &doneAt, &job.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Result = result
	job.ErrorDetails = errDet
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}
