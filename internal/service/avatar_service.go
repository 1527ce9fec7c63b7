package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/avatarflow/internal/cache"
	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/id"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/storage"
	"github.com/dunamismax/avatarflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrTooLarge            = errors.New("avatar source exceeds size limit")
	ErrUploadObjectMissing = errors.New("upload object has not been written")
	ErrUploadState         = errors.New("upload is not in a committable state")
	ErrQueueUnavailable    = errors.New("processing queue is not configured")
	// ErrUploadFinished is returned when a redelivered task finds its upload
	// already succeeded or failed.
	ErrUploadFinished = errors.New("upload already finished")
)

type ObjectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	ReadObject(ctx context.Context, objectKey string, maxBytes int64) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	DeleteObject(ctx context.Context, objectKey string) error
}

type AvatarCache interface {
	Get(ctx context.Context, userID string) (cache.Entry, bool, error)
	Set(ctx context.Context, userID string, entry cache.Entry) (bool, error)
	Invalidate(ctx context.Context, userID string, version int64) error
}

type Enqueuer interface {
	EnqueueProcessAvatar(ctx context.Context, payload queue.ProcessAvatarPayload) (*asynq.TaskInfo, error)
}

type Options struct {
	Processor  *pipeline.Processor
	Storage    ObjectStorage
	Avatars    store.AvatarStore
	Uploads    store.UploadStore
	Cache      AvatarCache
	Queue      Enqueuer
	Logger     *zap.Logger
	MaxBytes   int64
	PresignTTL time.Duration
}

// Image is an encoded avatar ready to be served.
type Image struct {
	Data     []byte
	MIMEType string
	Version  int64
}

// PresignedUpload is returned to clients that upload the raw source straight
// to object storage.
type PresignedUpload struct {
	Upload    domain.Upload `json:"upload"`
	UploadURL string        `json:"upload_url"`
	ExpiresAt time.Time     `json:"expires_at"`
}

type AvatarService struct {
	processor  *pipeline.Processor
	storage    ObjectStorage
	avatars    store.AvatarStore
	uploads    store.UploadStore
	cache      AvatarCache
	queue      Enqueuer
	logger     *zap.Logger
	tracer     trace.Tracer
	maxBytes   int64
	presignTTL time.Duration
	now        func() time.Time
}

func New(opts Options) (*AvatarService, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if opts.Avatars == nil {
		return nil, fmt.Errorf("avatar store is required")
	}

	s := &AvatarService{
		processor:  opts.Processor,
		storage:    opts.Storage,
		avatars:    opts.Avatars,
		uploads:    opts.Uploads,
		cache:      opts.Cache,
		queue:      opts.Queue,
		logger:     opts.Logger,
		tracer:     otel.Tracer("avatarflow/service"),
		maxBytes:   opts.MaxBytes,
		presignTTL: opts.PresignTTL,
		now:        time.Now,
	}
	if s.processor == nil {
		s.processor = pipeline.NewProcessor()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.presignTTL <= 0 {
		s.presignTTL = 15 * time.Minute
	}
	return s, nil
}

// MaxBytes is the largest accepted source image; 0 means unlimited.
func (s *AvatarService) MaxBytes() int64 {
	return s.maxBytes
}

// Upload turns raw image bytes into the user's avatar, replacing any
// previous one.
func (s *AvatarService) Upload(ctx context.Context, rawUserID string, input []byte) (domain.Avatar, error) {
	userID, err := domain.NormalizeUserID(rawUserID)
	if err != nil {
		return domain.Avatar{}, err
	}

	ctx, span := s.tracer.Start(ctx, "avatar.upload", trace.WithAttributes(
		attribute.String("avatar.user_id", userID),
		attribute.Int("avatar.source_bytes", len(input)),
	))
	defer span.End()

	avatar, err := s.process(ctx, userID, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return domain.Avatar{}, err
	}
	return avatar, nil
}

func (s *AvatarService) process(ctx context.Context, userID string, input []byte) (domain.Avatar, error) {
	if s.maxBytes > 0 && int64(len(input)) > s.maxBytes {
		return domain.Avatar{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(input), s.maxBytes)
	}

	_, span := s.tracer.Start(ctx, "avatar.pipeline")
	res, err := s.processor.Process(input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		span.End()
		return domain.Avatar{}, fmt.Errorf("process avatar: %w", err)
	}
	span.SetAttributes(
		attribute.String("avatar.source_format", res.SourceFormat),
		attribute.Int("avatar.orientation", int(res.Orientation)),
		attribute.Int("avatar.output_bytes", len(res.Data)),
	)
	span.End()

	objectKey := fmt.Sprintf("avatars/%s/%s.%s", userID, id.New(), res.Format)
	if err := s.storage.WriteObject(ctx, objectKey, res.Data, res.MIMEType); err != nil {
		return domain.Avatar{}, fmt.Errorf("store avatar object: %w", err)
	}

	avatar, replaced, err := s.avatars.PutAvatar(ctx, domain.Avatar{
		UserID:       userID,
		ObjectKey:    objectKey,
		MIMEType:     res.MIMEType,
		Format:       res.Format,
		Bytes:        len(res.Data),
		Width:        res.Width,
		Height:       res.Height,
		SourceFormat: res.SourceFormat,
		Orientation:  int(res.Orientation),
	})
	if err != nil {
		s.removeObject(ctx, objectKey)
		return domain.Avatar{}, fmt.Errorf("save avatar record: %w", err)
	}

	if replaced != "" && replaced != objectKey {
		s.removeObject(ctx, replaced)
	}
	s.fillCache(ctx, userID, Image{Data: res.Data, MIMEType: res.MIMEType, Version: avatar.Version})

	s.logger.Info("avatar stored",
		zap.String("user_id", userID),
		zap.String("object_key", objectKey),
		zap.String("source_format", res.SourceFormat),
		zap.Int("orientation", int(res.Orientation)),
		zap.Int("bytes", len(res.Data)),
		zap.Int64("version", avatar.Version),
	)
	return avatar, nil
}

// Read returns the encoded avatar, preferring the cache.
func (s *AvatarService) Read(ctx context.Context, rawUserID string) (Image, error) {
	userID, err := domain.NormalizeUserID(rawUserID)
	if err != nil {
		return Image{}, err
	}

	ctx, span := s.tracer.Start(ctx, "avatar.read", trace.WithAttributes(attribute.String("avatar.user_id", userID)))
	defer span.End()

	if s.cache != nil {
		entry, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("avatar cache read failed", zap.String("user_id", userID), zap.Error(err))
		} else if ok {
			span.SetAttributes(attribute.Bool("avatar.cache_hit", true))
			return Image{Data: entry.Data, MIMEType: entry.MIMEType, Version: entry.Version}, nil
		}
	}
	span.SetAttributes(attribute.Bool("avatar.cache_hit", false))

	// A concurrent replace can remove the object between the record lookup
	// and the read; one reload picks up the new record.
	retried := false
	for {
		avatar, ok, err := s.avatars.GetAvatar(ctx, userID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store lookup failed")
			return Image{}, fmt.Errorf("load avatar: %w", err)
		}
		if !ok {
			return Image{}, fmt.Errorf("%w: %s", store.ErrAvatarNotFound, userID)
		}

		data, err := s.storage.ReadObject(ctx, avatar.ObjectKey, 0)
		if errors.Is(err, storage.ErrObjectNotFound) && !retried {
			retried = true
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "object read failed")
			return Image{}, fmt.Errorf("read avatar object: %w", err)
		}

		img := Image{Data: data, MIMEType: avatar.MIMEType, Version: avatar.Version}
		s.fillCache(ctx, userID, img)
		return img, nil
	}
}

// Get returns the avatar record without its bytes.
func (s *AvatarService) Get(ctx context.Context, rawUserID string) (domain.Avatar, error) {
	userID, err := domain.NormalizeUserID(rawUserID)
	if err != nil {
		return domain.Avatar{}, err
	}
	avatar, ok, err := s.avatars.GetAvatar(ctx, userID)
	if err != nil {
		return domain.Avatar{}, fmt.Errorf("load avatar: %w", err)
	}
	if !ok {
		return domain.Avatar{}, fmt.Errorf("%w: %s", store.ErrAvatarNotFound, userID)
	}
	return avatar, nil
}

func (s *AvatarService) Delete(ctx context.Context, rawUserID string) error {
	userID, err := domain.NormalizeUserID(rawUserID)
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "avatar.delete", trace.WithAttributes(attribute.String("avatar.user_id", userID)))
	defer span.End()

	avatar, ok, err := s.avatars.DeleteAvatar(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("delete avatar: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrAvatarNotFound, userID)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, userID, avatar.Version); err != nil {
			s.logger.Warn("avatar cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	s.removeObject(ctx, avatar.ObjectKey)
	s.logger.Info("avatar deleted", zap.String("user_id", userID), zap.Int64("version", avatar.Version))
	return nil
}

// CreateUpload reserves an object key for a raw source and presigns a PUT
// to it.
func (s *AvatarService) CreateUpload(ctx context.Context, rawUserID string, req domain.CreateUploadRequest) (PresignedUpload, error) {
	userID, err := domain.NormalizeUserID(rawUserID)
	if err != nil {
		return PresignedUpload{}, err
	}
	if err := req.Validate(); err != nil {
		return PresignedUpload{}, err
	}
	if s.uploads == nil {
		return PresignedUpload{}, fmt.Errorf("upload store is not configured")
	}

	uploadID := id.New()
	objectKey := fmt.Sprintf("uploads/%s/%s", userID, uploadID)
	url, err := s.storage.PresignedPutURL(ctx, objectKey, s.presignTTL)
	if err != nil {
		return PresignedUpload{}, fmt.Errorf("presign upload: %w", err)
	}

	now := s.now().UTC()
	upload := domain.Upload{
		ID:         uploadID,
		UserID:     userID,
		ObjectKey:  objectKey,
		Status:     domain.UploadStatusPending,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.uploads.CreateUpload(ctx, upload); err != nil {
		return PresignedUpload{}, fmt.Errorf("save upload: %w", err)
	}

	return PresignedUpload{Upload: upload, UploadURL: url, ExpiresAt: now.Add(s.presignTTL)}, nil
}

// CommitUpload enqueues processing once the client has written the raw
// object. Committing an already queued upload is a no-op.
func (s *AvatarService) CommitUpload(ctx context.Context, rawUserID, uploadID string) (domain.Upload, error) {
	userID, err := domain.NormalizeUserID(rawUserID)
	if err != nil {
		return domain.Upload{}, err
	}
	if s.uploads == nil || s.queue == nil {
		return domain.Upload{}, ErrQueueUnavailable
	}

	upload, ok, err := s.uploads.GetUpload(ctx, uploadID)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("load upload: %w", err)
	}
	if !ok || upload.UserID != userID {
		return domain.Upload{}, fmt.Errorf("%w: %s", store.ErrUploadNotFound, uploadID)
	}

	switch upload.Status {
	case domain.UploadStatusPending:
	case domain.UploadStatusQueued, domain.UploadStatusProcessing:
		return upload, nil
	default:
		return domain.Upload{}, fmt.Errorf("%w: %s", ErrUploadState, upload.Status)
	}

	exists, err := s.storage.ObjectExists(ctx, upload.ObjectKey)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("check upload object: %w", err)
	}
	if !exists {
		return domain.Upload{}, fmt.Errorf("%w: %s", ErrUploadObjectMissing, upload.ObjectKey)
	}

	_, err = s.queue.EnqueueProcessAvatar(ctx, queue.ProcessAvatarPayload{
		UploadID:    upload.ID,
		UserID:      upload.UserID,
		ObjectKey:   upload.ObjectKey,
		WebhookURL:  upload.WebhookURL,
		RequestedAt: s.now().UTC(),
	})
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return domain.Upload{}, fmt.Errorf("enqueue upload: %w", err)
	}

	return s.uploads.UpdateUploadStatus(ctx, upload.ID, domain.UploadStatusQueued, "")
}

func (s *AvatarService) GetUpload(ctx context.Context, rawUserID, uploadID string) (domain.Upload, error) {
	userID, err := domain.NormalizeUserID(rawUserID)
	if err != nil {
		return domain.Upload{}, err
	}
	if s.uploads == nil {
		return domain.Upload{}, fmt.Errorf("%w: %s", store.ErrUploadNotFound, uploadID)
	}
	upload, ok, err := s.uploads.GetUpload(ctx, uploadID)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("load upload: %w", err)
	}
	if !ok || upload.UserID != userID {
		return domain.Upload{}, fmt.Errorf("%w: %s", store.ErrUploadNotFound, uploadID)
	}
	return upload, nil
}

// ProcessUpload runs the pipeline over a committed raw upload. Permanent
// failures mark the upload failed; the raw object is removed once a terminal
// state is reached. Uploads already in a terminal state return
// ErrUploadFinished untouched.
func (s *AvatarService) ProcessUpload(ctx context.Context, payload queue.ProcessAvatarPayload) (domain.Avatar, error) {
	ctx, span := s.tracer.Start(ctx, "avatar.process_upload", trace.WithAttributes(
		attribute.String("upload.id", payload.UploadID),
		attribute.String("avatar.user_id", payload.UserID),
	))
	defer span.End()

	status, err := s.uploadStatus(ctx, payload.UploadID)
	if err != nil {
		span.RecordError(err)
		return domain.Avatar{}, err
	}
	if isTerminal(status) {
		span.SetAttributes(attribute.String("upload.status", status))
		return domain.Avatar{}, fmt.Errorf("%w: %s is %s", ErrUploadFinished, payload.UploadID, status)
	}

	s.setUploadStatus(ctx, payload.UploadID, domain.UploadStatusProcessing, "")

	avatar, err := s.processUpload(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process upload failed")
		if IsPermanent(err) {
			s.finishFailed(ctx, payload, err)
		}
		return domain.Avatar{}, err
	}

	s.setUploadStatus(ctx, payload.UploadID, domain.UploadStatusSucceeded, "")
	s.removeObject(ctx, payload.ObjectKey)
	return avatar, nil
}

// FailUpload marks an upload failed after its last retry and removes the raw
// object. A finished upload is left as is.
func (s *AvatarService) FailUpload(ctx context.Context, payload queue.ProcessAvatarPayload, cause error) error {
	status, err := s.uploadStatus(ctx, payload.UploadID)
	if err != nil {
		return err
	}
	if isTerminal(status) {
		return fmt.Errorf("%w: %s is %s", ErrUploadFinished, payload.UploadID, status)
	}
	s.finishFailed(ctx, payload, cause)
	return nil
}

func (s *AvatarService) finishFailed(ctx context.Context, payload queue.ProcessAvatarPayload, cause error) {
	s.setUploadStatus(ctx, payload.UploadID, domain.UploadStatusFailed, cause.Error())
	s.removeObject(ctx, payload.ObjectKey)
}

// uploadStatus returns "" when no upload store is configured.
func (s *AvatarService) uploadStatus(ctx context.Context, uploadID string) (string, error) {
	if s.uploads == nil {
		return "", nil
	}
	upload, ok, err := s.uploads.GetUpload(ctx, uploadID)
	if err != nil {
		return "", fmt.Errorf("load upload: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", store.ErrUploadNotFound, uploadID)
	}
	return upload.Status, nil
}

func isTerminal(status string) bool {
	return status == domain.UploadStatusSucceeded || status == domain.UploadStatusFailed
}

func (s *AvatarService) processUpload(ctx context.Context, payload queue.ProcessAvatarPayload) (domain.Avatar, error) {
	userID, err := domain.NormalizeUserID(payload.UserID)
	if err != nil {
		return domain.Avatar{}, err
	}
	input, err := s.storage.ReadObject(ctx, payload.ObjectKey, s.maxBytes)
	if err != nil {
		return domain.Avatar{}, fmt.Errorf("read upload object: %w", err)
	}
	return s.process(ctx, userID, input)
}

// IsPermanent reports whether retrying err with the same input cannot
// succeed.
func IsPermanent(err error) bool {
	if _, ok := pipeline.StageOf(err); ok {
		return true
	}
	return errors.Is(err, ErrTooLarge) ||
		errors.Is(err, domain.ErrInvalidUserID) ||
		errors.Is(err, storage.ErrObjectTooLarge) ||
		errors.Is(err, storage.ErrObjectNotFound) ||
		errors.Is(err, store.ErrUploadNotFound)
}

func (s *AvatarService) setUploadStatus(ctx context.Context, uploadID, status, errMsg string) {
	if s.uploads == nil {
		return
	}
	if _, err := s.uploads.UpdateUploadStatus(ctx, uploadID, status, errMsg); err != nil {
		s.logger.Warn("upload status update failed",
			zap.String("upload_id", uploadID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

func (s *AvatarService) fillCache(ctx context.Context, userID string, img Image) {
	if s.cache == nil {
		return
	}
	stored, err := s.cache.Set(ctx, userID, cache.Entry{Data: img.Data, MIMEType: img.MIMEType, Version: img.Version})
	if err != nil {
		s.logger.Warn("avatar cache write failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if !stored {
		s.logger.Debug("stale avatar not cached", zap.String("user_id", userID), zap.Int64("version", img.Version))
	}
}

func (s *AvatarService) removeObject(ctx context.Context, objectKey string) {
	if err := s.storage.DeleteObject(ctx, objectKey); err != nil {
		s.logger.Warn("object cleanup failed", zap.String("object_key", objectKey), zap.Error(err))
	}
}
