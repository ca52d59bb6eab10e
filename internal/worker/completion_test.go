package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitenvats16/jasper/internal/worker/domain"
)

// fakeLifecycle is an in-memory Lifecycle for resolver and processor tests.
type fakeLifecycle struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	getErr           error
	markProcessErr   error
	markCompletedErr error
	markFailedErr    error

	processingCalls int
	completedCalls  int
	failedCalls     int
	lastResult      map[string]interface{}
	lastErrText     string
}

func newFakeLifecycle(jobs ...*domain.Job) *fakeLifecycle {
	f := &fakeLifecycle{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		f.jobs[j.JobID] = j
	}
	return f
}

func (f *fakeLifecycle) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeLifecycle) MarkProcessing(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processingCalls++
	if f.markProcessErr != nil {
		return f.markProcessErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusProcessing
	return nil
}

func (f *fakeLifecycle) MarkCompleted(ctx context.Context, jobID string, result map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedCalls++
	f.lastResult = result
	if f.markCompletedErr != nil {
		return f.markCompletedErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusCompleted
	return nil
}

func (f *fakeLifecycle) MarkFailed(ctx context.Context, jobID string, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedCalls++
	f.lastErrText = errText
	if f.markFailedErr != nil {
		return f.markFailedErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusFailed
	return nil
}

func (f *fakeLifecycle) status(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		return job.Status
	}
	return ""
}

func pendingJob(jobID string) *domain.Job {
	return &domain.Job{
		JobID:    jobID,
		VoiceID:  "voice-1",
		InputKey: "samples/voice-1/ref.wav",
		Status:   domain.JobStatusPending,
	}
}

func TestResolver_Resolve(t *testing.T) {
	const jobID = "5f0c9d66-3a71-4f4e-9c43-0f6f20ab59d1"

	tests := []struct {
		name           string
		lifecycle      *fakeLifecycle
		completion     Completion
		retryCeiling   int
		wantDecision   Decision
		wantFailed     int
		wantCompleted  int
		wantStatus     string
		wantErrText    string
		skipStatusWant bool
	}{
		{
			name:      "completed job is acked",
			lifecycle: newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusProcessing}),
			completion: Completion{
				Msg: &domain.JobMessage{JobID: jobID},
				Outcome: Outcome{
					Kind:   OutcomeCompleted,
					Result: map[string]interface{}{"embedding_key": "embeddings/v/j.json"},
				},
			},
			retryCeiling:  2,
			wantDecision:  Decision{Ack: true},
			wantCompleted: 1,
			wantStatus:    domain.JobStatusCompleted,
		},
		{
			name:      "already completed redelivery is acked",
			lifecycle: newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusCompleted}),
			completion: Completion{
				Msg:     &domain.JobMessage{JobID: jobID},
				Outcome: Outcome{Kind: OutcomeAlreadyCompleted},
			},
			retryCeiling: 2,
			wantDecision: Decision{Ack: true},
			wantStatus:   domain.JobStatusCompleted,
		},
		{
			name:      "already failed redelivery below ceiling keeps requeueing",
			lifecycle: newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusFailed}),
			completion: Completion{
				Msg:     &domain.JobMessage{JobID: jobID, DeliveryCount: 1},
				Outcome: Outcome{Kind: OutcomeAlreadyFailed},
			},
			retryCeiling: 2,
			wantDecision: Decision{Ack: false, Requeue: true},
			wantStatus:   domain.JobStatusFailed,
		},
		{
			name:      "already failed redelivery at ceiling is dropped",
			lifecycle: newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusFailed}),
			completion: Completion{
				Msg:     &domain.JobMessage{JobID: jobID, DeliveryCount: 2},
				Outcome: Outcome{Kind: OutcomeAlreadyFailed},
			},
			retryCeiling: 2,
			wantDecision: Decision{Ack: false, Requeue: false},
			wantStatus:   domain.JobStatusFailed,
		},
		{
			name:      "missing job is dropped",
			lifecycle: newFakeLifecycle(),
			completion: Completion{
				Msg:     &domain.JobMessage{JobID: jobID},
				Outcome: Outcome{Kind: OutcomeNotFound},
			},
			retryCeiling:   2,
			wantDecision:   Decision{Ack: false, Requeue: false},
			skipStatusWant: true,
		},
		{
			name:      "retryable failure below ceiling marks failed and requeues",
			lifecycle: newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusProcessing}),
			completion: Completion{
				Msg: &domain.JobMessage{JobID: jobID, DeliveryCount: 1},
				Outcome: Outcome{
					Kind: OutcomeFailed,
					Err:  domain.NewRetryableError(errors.New("tone extraction failed: status 503")),
				},
			},
			retryCeiling: 2,
			wantDecision: Decision{Ack: false, Requeue: true},
			wantFailed:   1,
			wantStatus:   domain.JobStatusFailed,
			wantErrText:  "tone extraction failed: status 503",
		},
		{
			name:      "retryable failure at ceiling is dropped and marked failed",
			lifecycle: newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusProcessing}),
			completion: Completion{
				Msg: &domain.JobMessage{JobID: jobID, DeliveryCount: 2},
				Outcome: Outcome{
					Kind: OutcomeFailed,
					Err:  domain.NewRetryableError(errors.New("tone extraction failed: status 503")),
				},
			},
			retryCeiling: 2,
			wantDecision: Decision{Ack: false, Requeue: false},
			wantFailed:   1,
			wantStatus:   domain.JobStatusFailed,
			wantErrText:  "tone extraction failed: status 503",
		},
		{
			name:      "permanent failure is dropped regardless of delivery count",
			lifecycle: newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusProcessing}),
			completion: Completion{
				Msg: &domain.JobMessage{JobID: jobID, DeliveryCount: 0},
				Outcome: Outcome{
					Kind: OutcomeFailed,
					Err:  domain.ErrInputNotFound,
				},
			},
			retryCeiling: 2,
			wantDecision: Decision{Ack: false, Requeue: false},
			wantFailed:   1,
			wantStatus:   domain.JobStatusFailed,
			wantErrText:  domain.ErrInputNotFound.Error(),
		},
		{
			name:      "failure with no error still records something",
			lifecycle: newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusProcessing}),
			completion: Completion{
				Msg:     &domain.JobMessage{JobID: jobID},
				Outcome: Outcome{Kind: OutcomeFailed},
			},
			retryCeiling: 2,
			wantDecision: Decision{Ack: false, Requeue: false},
			wantFailed:   1,
			wantStatus:   domain.JobStatusFailed,
			wantErrText:  "unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := NewResolver(tt.lifecycle, tt.retryCeiling, slog.Default())

			decision := resolver.Resolve(context.Background(), tt.completion)

			assert.Equal(t, tt.wantDecision, decision)
			assert.Equal(t, tt.wantFailed, tt.lifecycle.failedCalls)
			assert.Equal(t, tt.wantCompleted, tt.lifecycle.completedCalls)
			if !tt.skipStatusWant {
				assert.Equal(t, tt.wantStatus, tt.lifecycle.status(tt.completion.Msg.JobID))
			}
			if tt.wantErrText != "" {
				assert.Equal(t, tt.wantErrText, tt.lifecycle.lastErrText)
			}
		})
	}
}

func TestResolver_RetryCeilingProgression(t *testing.T) {
	// A job whose first run fails with ceiling 2: the failure is persisted
	// and the message requeued; the two redeliveries short-circuit on the
	// FAILED row, the first requeueing again and the second dropping.
	const jobID = "0b7b5d1c-08f2-4a8a-b6a4-30bd9efc3a44"

	lifecycle := newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusProcessing})
	resolver := NewResolver(lifecycle, 2, slog.Default())

	decision := resolver.Resolve(context.Background(), Completion{
		Msg:     &domain.JobMessage{JobID: jobID, DeliveryCount: 0},
		Outcome: Outcome{Kind: OutcomeFailed, Err: domain.NewRetryableError(errors.New("transient"))},
	})
	assert.Equal(t, Decision{Ack: false, Requeue: true}, decision)
	assert.Equal(t, domain.JobStatusFailed, lifecycle.status(jobID))

	decision = resolver.Resolve(context.Background(), Completion{
		Msg:     &domain.JobMessage{JobID: jobID, DeliveryCount: 1},
		Outcome: Outcome{Kind: OutcomeAlreadyFailed},
	})
	assert.Equal(t, Decision{Ack: false, Requeue: true}, decision)

	decision = resolver.Resolve(context.Background(), Completion{
		Msg:     &domain.JobMessage{JobID: jobID, DeliveryCount: 2},
		Outcome: Outcome{Kind: OutcomeAlreadyFailed},
	})
	assert.Equal(t, Decision{Ack: false, Requeue: false}, decision)
	assert.Equal(t, 1, lifecycle.failedCalls, "the capability-level failure is persisted once")
}

func TestResolver_CompletedPersistFailureRequeues(t *testing.T) {
	const jobID = "d3f1b2c4-55aa-4e77-9f2e-8c1d0a9b6e21"

	lifecycle := newFakeLifecycle(&domain.Job{JobID: jobID, Status: domain.JobStatusProcessing})
	lifecycle.markCompletedErr = errors.New("connection refused")

	resolver := NewResolver(lifecycle, 2, slog.Default())

	decision := resolver.Resolve(context.Background(), Completion{
		Msg: &domain.JobMessage{JobID: jobID, DeliveryCount: 0},
		Outcome: Outcome{
			Kind:   OutcomeCompleted,
			Result: map[string]interface{}{"embedding_key": "embeddings/v/j.json"},
		},
	})

	// The redelivery gets another chance to persist the result.
	require.Equal(t, Decision{Ack: false, Requeue: true}, decision)
	assert.Equal(t, 0, lifecycle.failedCalls)
}
