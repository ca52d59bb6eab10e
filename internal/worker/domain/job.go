package domain

import "time"

// Job represents a voice processing job row for worker processing
type Job struct {
	JobID       string     `db:"job_id"`
	VoiceID     string     `db:"voice_id"`
	InputKey    string     `db:"input_key"`
	Status      string     `db:"status"`
	Result      []byte     `db:"result"`
	ErrorText   string     `db:"error_message"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// JobMessage is the parsed form of one queue delivery. DeliveryTag correlates
// back to exactly one unacknowledged message on the consuming channel;
// DeliveryCount is how many times the broker has already redelivered it.
type JobMessage struct {
	JobID         string `json:"job_id"`
	InputKey      string `json:"input_key"`
	VoiceID       string `json:"voice_id"`
	DeliveryTag   uint64 `json:"-"`
	DeliveryCount int    `json:"-"`

	// ConnEpoch identifies the broker connection the delivery arrived on.
	// Delivery tags are only meaningful on their own connection; after a
	// reconnect, completions from the old epoch must not be acked.
	ConnEpoch uint64 `json:"-"`
}
