package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

const (
	UploadStatusPending    = "pending"
	UploadStatusQueued     = "queued"
	UploadStatusProcessing = "processing"
	UploadStatusSucceeded  = "succeeded"
	UploadStatusFailed     = "failed"

	maxUserIDLength = 254
)

var ErrInvalidUserID = errors.New("invalid user id")

// Avatar describes the stored thumbnail of one user. Version increases on
// every replacement and doubles as the cache-busting `v` query parameter.
type Avatar struct {
	UserID       string    `json:"user_id"`
	ObjectKey    string    `json:"object_key"`
	MIMEType     string    `json:"mime_type"`
	Format       string    `json:"format"`
	Bytes        int       `json:"bytes"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SourceFormat string    `json:"source_format"`
	Orientation  int       `json:"orientation"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Upload is a raw source image waiting in object storage to be turned into
// an avatar by the worker.
type Upload struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ObjectKey  string    `json:"object_key"`
	Status     string    `json:"status"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type CreateUploadRequest struct {
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (r CreateUploadRequest) Validate() error {
	endpoint := strings.TrimSpace(r.WebhookURL)
	if endpoint == "" {
		return nil
	}
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		return fmt.Errorf("webhook_url must be an http(s) URL")
	}
	return nil
}

// NormalizeUserID trims and lower-cases an id. Ids are either e-mail
// addresses or opaque tokens of letters, digits, '-', '_' and '.'.
func NormalizeUserID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" || len(id) > maxUserIDLength {
		return "", ErrInvalidUserID
	}

	if strings.Contains(id, "@") {
		addr, err := mail.ParseAddress(id)
		if err != nil || addr.Address != id {
			return "", fmt.Errorf("%w: %q", ErrInvalidUserID, raw)
		}
		return id, nil
	}

	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidUserID, raw)
		}
	}
	return id, nil
}
