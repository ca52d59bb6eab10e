package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitenvats16/jasper/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage is the job lifecycle manager. Every method performs exactly one
// guarded status transition in its own statement; there are no transactions
// spanning jobs. Legal transitions are PENDING→PROCESSING and
// PROCESSING→{COMPLETED, FAILED}; anything else is rejected and logged as a
// consistency violation.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetJob retrieves a job by its ID. A missing row is domain.ErrJobNotFound,
// a valid non-fatal outcome for the caller.
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT job_id, voice_id, input_key, status, result, error_message,
		       created_at, updated_at, completed_at
		FROM voice_jobs
		WHERE job_id = $1
	`

	var job domain.Job
	var result []byte
	var errorMsg sql.NullString
	var voiceID sql.NullString

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.JobID,
		&voiceID,
		&job.InputKey,
		&job.Status,
		&result,
		&errorMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Result = result
	if errorMsg.Valid {
		job.ErrorText = errorMsg.String
	}
	if voiceID.Valid {
		job.VoiceID = voiceID.String
	}

	return &job, nil
}

// MarkProcessing transitions PENDING→PROCESSING. A job already PROCESSING is
// treated as a redelivery after an interrupted run and reported as success
// so the worker can resume it; any other current status is rejected.
func (s *Storage) MarkProcessing(ctx context.Context, jobID string) error {
	query := `
		UPDATE voice_jobs
		SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, domain.JobStatusProcessing, jobID, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Info("Job marked processing",
			slog.String("job_id", jobID),
		)
		return nil
	}

	return s.rejectTransition(ctx, jobID, domain.JobStatusProcessing, domain.JobStatusProcessing)
}

// MarkCompleted transitions PROCESSING→COMPLETED and stores the result.
func (s *Storage) MarkCompleted(ctx context.Context, jobID string, result map[string]interface{}) error {
	var resultJSON []byte
	var err error
	if result != nil {
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		UPDATE voice_jobs
		SET status = $1, result = $2, error_message = '',
		    completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $3 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, resultJSON, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Info("Job marked completed",
			slog.String("job_id", jobID),
		)
		return nil
	}

	return s.rejectTransition(ctx, jobID, domain.JobStatusCompleted, "")
}

// MarkFailed transitions PROCESSING→FAILED and records the error text.
func (s *Storage) MarkFailed(ctx context.Context, jobID string, errText string) error {
	query := `
		UPDATE voice_jobs
		SET status = $1, error_message = $2,
		    completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $3 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errText, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Info("Job marked failed",
			slog.String("job_id", jobID),
			slog.String("error", errText),
		)
		return nil
	}

	return s.rejectTransition(ctx, jobID, domain.JobStatusFailed, "")
}

// rejectTransition classifies a zero-row guarded update: the job either does
// not exist or sits in a status the transition is not legal from. allowed,
// when non-empty, names a current status that should be reported as success
// (the resume-after-redelivery case).
func (s *Storage) rejectTransition(ctx context.Context, jobID, target, allowed string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.logger.Warn("Status transition on missing job",
				slog.String("job_id", jobID),
				slog.String("target", target),
			)
			return domain.ErrJobNotFound
		}
		return err
	}

	if allowed != "" && job.Status == allowed {
		s.logger.Warn("Job already in target status - resuming after redelivery",
			slog.String("job_id", jobID),
			slog.String("status", job.Status),
		)
		return nil
	}

	s.logger.Error("Rejected illegal status transition",
		slog.String("job_id", jobID),
		slog.String("current", job.Status),
		slog.String("target", target),
	)
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, target)
}
