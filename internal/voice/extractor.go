// Package voice wraps the tone-color extraction capability. Construction of
// an Extractor is expensive (checkpoint verification plus model warm-up) and
// happens once per worker slot; invocation is comparatively cheap but slow.
package voice

import (
	"context"
	"time"
)

// ToneEmbedding is the speaker-embedding produced from a reference sample.
type ToneEmbedding struct {
	VoiceID     string    `json:"voice_id"`
	Vector      []float32 `json:"vector"`
	Dimensions  int       `json:"dimensions"`
	SampleBytes int       `json:"sample_bytes"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// ExtractOptions carries per-job parameters for one extraction.
type ExtractOptions struct {
	VoiceID  string
	Filename string
}

// Extractor turns a raw audio sample into a tone embedding. Implementations
// are NOT safe for concurrent use; each worker slot owns exactly one.
type Extractor interface {
	ExtractTone(ctx context.Context, sample []byte, opts ExtractOptions) (*ToneEmbedding, error)
}

// Factory constructs the Extractor for a worker slot. It is called at most
// once per slot, on the first task dispatched to it.
type Factory func(slotID int) (Extractor, error)
