package store

import (
	"context"
	"errors"

	"github.com/dunamismax/avatarflow/internal/domain"
)

var (
	ErrAvatarNotFound = errors.New("avatar not found")
	ErrUploadNotFound = errors.New("upload not found")
)

// AvatarStore keeps one avatar record per user. PutAvatar replaces the
// record, assigns the next version and returns the object key of the live
// record it replaced ("" when there was none), read atomically with the
// write so concurrent puts each learn the key they superseded.
type AvatarStore interface {
	GetAvatar(ctx context.Context, userID string) (domain.Avatar, bool, error)
	PutAvatar(ctx context.Context, avatar domain.Avatar) (domain.Avatar, string, error)
	DeleteAvatar(ctx context.Context, userID string) (domain.Avatar, bool, error)
}

type UploadStore interface {
	CreateUpload(ctx context.Context, upload domain.Upload) error
	GetUpload(ctx context.Context, id string) (domain.Upload, bool, error)
	UpdateUploadStatus(ctx context.Context, id, status, errMsg string) (domain.Upload, error)
}
