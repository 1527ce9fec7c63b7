package id

import "github.com/google/uuid"

// New returns a random identifier for uploads and request correlation.
func New() string {
	return uuid.NewString()
}
