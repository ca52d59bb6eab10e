package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/hitenvats16/jasper/internal/ratelimit"
	"github.com/hitenvats16/jasper/internal/voice"
	"github.com/hitenvats16/jasper/internal/worker/domain"
	"github.com/hitenvats16/jasper/shared/blobstore"
)

// Blobs is the blob storage contract the processor needs: read an input
// sample by key, write a derived output by key.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Processor executes the body of one voice processing job on a worker
// slot's resource context.
type Processor struct {
	lifecycle  Lifecycle
	blobs      Blobs
	limiter    *ratelimit.Limiter
	jobTimeout time.Duration
	logger     *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(lifecycle Lifecycle, blobs Blobs, limiter *ratelimit.Limiter, jobTimeout time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		lifecycle:  lifecycle,
		blobs:      blobs,
		limiter:    limiter,
		jobTimeout: jobTimeout,
		logger:     logger,
	}
}

// Process runs one job to a terminal outcome. It never panics the slot: any
// failure is captured in the returned Outcome so exactly one acknowledgment
// decision can be made for the delivery.
func (p *Processor) Process(ctx context.Context, msg *domain.JobMessage, rc *ResourceContext) Outcome {
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	p.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.Int("slot", rc.SlotID),
		slog.Int("delivery_count", msg.DeliveryCount),
	)

	// Redelivery short-circuit: a job that already reached a terminal status
	// must not invoke the capability again.
	job, err := p.lifecycle.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return Outcome{Kind: OutcomeNotFound}
		}
		return Outcome{Kind: OutcomeFailed, Err: domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))}
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		return Outcome{Kind: OutcomeAlreadyCompleted}
	case domain.JobStatusFailed:
		return Outcome{Kind: OutcomeAlreadyFailed}
	}

	if err := p.lifecycle.MarkProcessing(ctx, msg.JobID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return Outcome{Kind: OutcomeNotFound}
		}
		return Outcome{Kind: OutcomeFailed, Err: domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))}
	}

	inputKey := msg.InputKey
	if inputKey == "" {
		inputKey = job.InputKey
	}

	sample, err := p.blobs.Get(ctx, inputKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			// The input is gone for good; retrying cannot bring it back.
			return Outcome{
				Kind: OutcomeFailed,
				Err:  fmt.Errorf("%w: %s", domain.ErrInputNotFound, inputKey),
			}
		}
		return Outcome{Kind: OutcomeFailed, Err: domain.NewRetryableError(fmt.Errorf("failed to download input: %w", err))}
	}

	// The runtime the extractor talks to is quota-bound; gate before calling.
	if err := p.limiter.Wait(ctx); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: domain.NewRetryableError(err)}
	}

	embedding, err := rc.Extractor.ExtractTone(ctx, sample, voice.ExtractOptions{
		VoiceID:  job.VoiceID,
		Filename: path.Base(inputKey),
	})
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: domain.NewRetryableError(fmt.Errorf("tone extraction failed: %w", err))}
	}

	embeddingKey := fmt.Sprintf("embeddings/%s/%s.json", job.VoiceID, job.JobID)
	record, err := encodeEmbedding(embedding)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	if err := p.blobs.Put(ctx, embeddingKey, record, "application/json"); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: domain.NewRetryableError(fmt.Errorf("failed to upload embedding: %w", err))}
	}

	p.logger.Info("Job processed",
		slog.String("job_id", msg.JobID),
		slog.Int("slot", rc.SlotID),
		slog.String("embedding_key", embeddingKey),
		slog.Int("dimensions", embedding.Dimensions),
	)

	return Outcome{
		Kind: OutcomeCompleted,
		Result: map[string]interface{}{
			"message":       "voice processing completed successfully",
			"voice_id":      job.VoiceID,
			"embedding_key": embeddingKey,
			"dimensions":    embedding.Dimensions,
			"processed_at":  embedding.ExtractedAt.Format(time.RFC3339),
		},
	}
}

func encodeEmbedding(emb *voice.ToneEmbedding) ([]byte, error) {
	record, err := json.Marshal(emb)
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding: %w", err)
	}
	return record, nil
}
