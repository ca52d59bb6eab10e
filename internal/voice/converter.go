package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Config holds tone converter configuration
type Config struct {
	RuntimeURL     string
	CheckpointDir  string
	Device         string
	RequestTimeout time.Duration
}

// Converter talks to a local inference runtime that hosts the tone-color
// model. NewConverter does the expensive part: it verifies the checkpoint
// files on disk and asks the runtime to load them onto the configured
// device. One Converter serves one worker slot for the process lifetime.
type Converter struct {
	config *Config
	client *http.Client
	logger *slog.Logger
	slotID int
}

type loadRequest struct {
	CheckpointConfig string `json:"checkpoint_config"`
	CheckpointPath   string `json:"checkpoint_path"`
	Device           string `json:"device"`
	Slot             int    `json:"slot"`
}

type extractResponse struct {
	Vector     []float32 `json:"vector"`
	Dimensions int       `json:"dimensions"`
}

// NewConverter verifies the checkpoint directory and warms the model for the
// given slot. Construction failure leaves the slot unusable; callers must
// not retry per-job.
func NewConverter(config *Config, logger *slog.Logger, slotID int) (*Converter, error) {
	configPath := filepath.Join(config.CheckpointDir, "config.json")
	ckptPath := filepath.Join(config.CheckpointDir, "checkpoint.pth")

	for _, p := range []string{configPath, ckptPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("checkpoint file missing: %w", err)
		}
	}

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	c := &Converter{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		slotID: slotID,
	}

	logger.Info("Loading tone color converter",
		slog.Int("slot", slotID),
		slog.String("device", config.Device),
		slog.String("checkpoint_dir", config.CheckpointDir),
	)

	body, err := json.Marshal(loadRequest{
		CheckpointConfig: configPath,
		CheckpointPath:   ckptPath,
		Device:           config.Device,
		Slot:             slotID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal load request: %w", err)
	}

	resp, err := c.client.Post(config.RuntimeURL+"/v1/load", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to load model on runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("runtime refused model load: status %d: %s", resp.StatusCode, msg)
	}

	logger.Info("Tone color converter loaded",
		slog.Int("slot", slotID),
		slog.String("device", config.Device),
	)

	return c, nil
}

// ExtractTone posts the reference sample to the runtime and decodes the
// resulting speaker embedding.
func (c *Converter) ExtractTone(ctx context.Context, sample []byte, opts ExtractOptions) (*ToneEmbedding, error) {
	url := fmt.Sprintf("%s/v1/extract?slot=%d", c.config.RuntimeURL, c.slotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(sample))
	if err != nil {
		return nil, fmt.Errorf("failed to build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	if opts.Filename != "" {
		req.Header.Set("X-Sample-Filename", opts.Filename)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tone extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tone extraction failed: status %d: %s", resp.StatusCode, msg)
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode extraction response: %w", err)
	}

	if out.Dimensions == 0 {
		out.Dimensions = len(out.Vector)
	}

	return &ToneEmbedding{
		VoiceID:     opts.VoiceID,
		Vector:      out.Vector,
		Dimensions:  out.Dimensions,
		SampleBytes: len(sample),
		ExtractedAt: time.Now().UTC(),
	}, nil
}

// NewFactory returns a Factory that builds one Converter per slot.
func NewFactory(config *Config, logger *slog.Logger) Factory {
	return func(slotID int) (Extractor, error) {
		return NewConverter(config, logger, slotID)
	}
}
