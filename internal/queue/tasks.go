package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeProcessAvatar = "avatar:process"

// ProcessAvatarPayload points the worker at a committed upload whose source
// bytes already sit in object storage.
type ProcessAvatarPayload struct {
	UploadID    string    `json:"upload_id"`
	UserID      string    `json:"user_id"`
	ObjectKey   string    `json:"object_key"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewProcessAvatarTask(payload ProcessAvatarPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal process payload: %w", err)
	}
	return asynq.NewTask(TypeProcessAvatar, body), nil
}

func ParseProcessAvatarPayload(task *asynq.Task) (ProcessAvatarPayload, error) {
	var payload ProcessAvatarPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessAvatarPayload{}, fmt.Errorf("unmarshal process payload: %w", err)
	}
	if payload.UploadID == "" || payload.UserID == "" || payload.ObjectKey == "" {
		return ProcessAvatarPayload{}, fmt.Errorf("process payload is missing upload_id, user_id or object_key")
	}
	return payload, nil
}
