package dto

import "encoding/json"

type CreateJobRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	VoiceID  string `json:"voice_id"`
	InputKey string `json:"input_key" binding:"required"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []VoiceJobDTO `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type VoiceJobDTO struct {
	JobID        string          `json:"job_id"`
	UserID       string          `json:"user_id"`
	VoiceID      string          `json:"voice_id,omitempty"`
	InputKey     string          `json:"input_key"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}
