package model

import "time"

type VoiceJob struct {
	JobID        string     `db:"job_id"`
	UserID       string     `db:"user_id"`
	VoiceID      string     `db:"voice_id"`
	InputKey     string     `db:"input_key"`
	Status       string     `db:"status"`
	Result       []byte     `db:"result"`
	ErrorMessage string     `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}
