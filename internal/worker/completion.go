package worker

import (
	"context"
	"log/slog"

	"github.com/hitenvats16/jasper/internal/worker/domain"
)

// OutcomeKind classifies how a task finished.
type OutcomeKind int

const (
	// OutcomeCompleted means the capability ran and produced a result.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeAlreadyCompleted means redelivery found the job already COMPLETED.
	OutcomeAlreadyCompleted
	// OutcomeAlreadyFailed means redelivery found the job already FAILED.
	OutcomeAlreadyFailed
	// OutcomeNotFound means the job row no longer exists.
	OutcomeNotFound
	// OutcomeFailed means the task failed; the message is requeued only when
	// Err is wrapped with domain.NewRetryableError.
	OutcomeFailed
)

// Outcome is the terminal result of one task.
type Outcome struct {
	Kind   OutcomeKind
	Result map[string]interface{}
	Err    error
}

// Completion pairs a task outcome with the delivery it originated from.
type Completion struct {
	Msg     *domain.JobMessage
	Outcome Outcome
}

// Decision is the acknowledgment action for one delivery.
type Decision struct {
	Ack     bool
	Requeue bool
}

// Lifecycle is the slice of the job store the resolver and processor need.
type Lifecycle interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	MarkProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, result map[string]interface{}) error
	MarkFailed(ctx context.Context, jobID string, errText string) error
}

// Resolver turns task completions into acknowledgment decisions. The durable
// status update always happens before the decision is returned, so a crash
// between persistence and acknowledgment leaves a terminal job that
// redelivery short-circuits on.
type Resolver struct {
	lifecycle    Lifecycle
	retryCeiling int
	logger       *slog.Logger
}

// NewResolver creates a Resolver with the given retry ceiling.
func NewResolver(lifecycle Lifecycle, retryCeiling int, logger *slog.Logger) *Resolver {
	return &Resolver{
		lifecycle:    lifecycle,
		retryCeiling: retryCeiling,
		logger:       logger,
	}
}

// Resolve persists the job's terminal status and returns the queue action.
func (r *Resolver) Resolve(ctx context.Context, comp Completion) Decision {
	msg := comp.Msg

	switch comp.Outcome.Kind {
	case OutcomeCompleted:
		if err := r.lifecycle.MarkCompleted(ctx, msg.JobID, comp.Outcome.Result); err != nil {
			// The work succeeded but the record did not stick; requeue so a
			// redelivery can persist it (the capability is skipped when the
			// row turns out terminal after all).
			r.logger.Error("Failed to persist completed status",
				slog.String("job_id", msg.JobID),
				slog.Any("error", err),
			)
			return r.failureDecision(msg, true)
		}
		return Decision{Ack: true}

	case OutcomeAlreadyCompleted:
		r.logger.Info("Redelivered job already completed - acknowledging",
			slog.String("job_id", msg.JobID),
		)
		return Decision{Ack: true}

	case OutcomeAlreadyFailed:
		// The failure is already durable; the message still follows the
		// ceiling so the broker's retry accounting runs its course.
		r.logger.Info("Redelivered job already failed",
			slog.String("job_id", msg.JobID),
			slog.Int("delivery_count", msg.DeliveryCount),
		)
		return r.failureDecision(msg, true)

	case OutcomeNotFound:
		r.logger.Warn("Job not found - dropping message",
			slog.String("job_id", msg.JobID),
		)
		return Decision{Ack: false, Requeue: false}

	default: // OutcomeFailed
		errText := "unknown error"
		if comp.Outcome.Err != nil {
			errText = comp.Outcome.Err.Error()
		}
		if err := r.lifecycle.MarkFailed(ctx, msg.JobID, errText); err != nil {
			// A job that never reached PROCESSING (broken slot before any
			// work) keeps its PENDING row; the requeued message restarts it
			// cleanly on another slot.
			r.logger.Error("Failed to persist failed status",
				slog.String("job_id", msg.JobID),
				slog.Any("error", err),
			)
		}
		return r.failureDecision(msg, domain.IsRetryable(comp.Outcome.Err))
	}
}

// failureDecision nacks with requeue while the delivery count stays below
// the retry ceiling; at the ceiling the message is dropped (or dead-lettered
// when the queue declares an exchange for it).
func (r *Resolver) failureDecision(msg *domain.JobMessage, retryable bool) Decision {
	if !retryable {
		return Decision{Ack: false, Requeue: false}
	}

	if msg.DeliveryCount >= r.retryCeiling {
		r.logger.Warn("Retry ceiling reached - dropping message",
			slog.String("job_id", msg.JobID),
			slog.Int("delivery_count", msg.DeliveryCount),
			slog.Int("retry_ceiling", r.retryCeiling),
		)
		return Decision{Ack: false, Requeue: false}
	}

	return Decision{Ack: false, Requeue: true}
}
