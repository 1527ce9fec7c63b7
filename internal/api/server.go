package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/service"
	"github.com/dunamismax/avatarflow/internal/storage"
	"github.com/dunamismax/avatarflow/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 10 << 20

type Server struct {
	logger                *zap.Logger
	avatars               avatarService
	maxBodyBytes          int64
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type avatarService interface {
	MaxBytes() int64
	Upload(ctx context.Context, userID string, input []byte) (domain.Avatar, error)
	Read(ctx context.Context, userID string) (service.Image, error)
	Delete(ctx context.Context, userID string) error
	CreateUpload(ctx context.Context, userID string, req domain.CreateUploadRequest) (service.PresignedUpload, error)
	CommitUpload(ctx context.Context, userID, uploadID string) (domain.Upload, error)
	GetUpload(ctx context.Context, userID, uploadID string) (domain.Upload, error)
}

type Config struct {
	// MaxBodyBytes overrides the service's source size limit for PUT bodies.
	MaxBodyBytes          int64
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
}

func NewServer(logger *zap.Logger, avatars avatarService, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = avatars.MaxBytes()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.RateLimitUserIDHeader) == "" {
		cfg.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		avatars:               avatars,
		maxBodyBytes:          cfg.MaxBodyBytes,
		rateLimiter:           cfg.RateLimiter,
		rateLimitUserIDHeader: cfg.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("avatarflow/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("GET /v1/users/{userID}/avatar", s.handleGetAvatar)
	s.mux.HandleFunc("PUT /v1/users/{userID}/avatar", s.handlePutAvatar)
	s.mux.HandleFunc("DELETE /v1/users/{userID}/avatar", s.handleDeleteAvatar)
	s.mux.HandleFunc("POST /v1/users/{userID}/avatar/uploads", s.handleCreateUpload)
	s.mux.HandleFunc("GET /v1/users/{userID}/avatar/uploads/{uploadID}", s.handleGetUpload)
	s.mux.HandleFunc("POST /v1/users/{userID}/avatar/uploads/{uploadID}/commit", s.handleCommitUpload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePutAvatar(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "avatar source exceeds size limit")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "avatar source exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}

	avatar, err := s.avatars.Upload(r.Context(), r.PathValue("userID"), body)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.metrics.avatarsWritten.WithLabelValues(avatar.SourceFormat).Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"avatar": avatar,
		"url":    avatarURL(avatar.UserID, avatar.Version),
	})
}

func (s *Server) handleGetAvatar(w http.ResponseWriter, r *http.Request) {
	img, err := s.avatars.Read(r.Context(), r.PathValue("userID"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	etag := `"` + strconv.FormatInt(img.Version, 10) + `"`
	w.Header().Set("ETag", etag)
	if v := r.URL.Query().Get("v"); v != "" && v == strconv.FormatInt(img.Version, 10) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", img.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(img.Data)
	}
}

func (s *Server) handleDeleteAvatar(w http.ResponseWriter, r *http.Request) {
	if err := s.avatars.Delete(r.Context(), r.PathValue("userID")); err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	presigned, err := s.avatars.CreateUpload(r.Context(), r.PathValue("userID"), req)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"upload":     presigned.Upload,
		"upload_url": presigned.UploadURL,
		"expires_at": presigned.ExpiresAt,
		"commit_url": fmt.Sprintf("/v1/users/%s/avatar/uploads/%s/commit",
			url.PathEscape(presigned.Upload.UserID), presigned.Upload.ID),
	})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	upload, err := s.avatars.GetUpload(r.Context(), r.PathValue("userID"), r.PathValue("uploadID"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

func (s *Server) handleCommitUpload(w http.ResponseWriter, r *http.Request) {
	upload, err := s.avatars.CommitUpload(r.Context(), r.PathValue("userID"), r.PathValue("uploadID"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.metrics.uploadsCommitted.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"upload": upload,
		"status_url": fmt.Sprintf("/v1/users/%s/avatar/uploads/%s",
			url.PathEscape(upload.UserID), upload.ID),
	})
}

func (s *Server) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, message)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid user id"
	case errors.Is(err, service.ErrTooLarge), errors.Is(err, storage.ErrObjectTooLarge):
		return http.StatusRequestEntityTooLarge, "avatar source exceeds size limit"
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "unsupported image format"
	case errors.Is(err, pipeline.ErrCorruptData):
		return http.StatusUnprocessableEntity, "image data is corrupt"
	case errors.Is(err, pipeline.ErrEncode):
		return http.StatusInternalServerError, "failed to encode avatar"
	case errors.Is(err, store.ErrAvatarNotFound):
		return http.StatusNotFound, "avatar not found"
	case errors.Is(err, store.ErrUploadNotFound):
		return http.StatusNotFound, "upload not found"
	case errors.Is(err, service.ErrUploadObjectMissing):
		return http.StatusConflict, "upload object has not been written"
	case errors.Is(err, service.ErrUploadState):
		return http.StatusConflict, "upload is not in a committable state"
	case errors.Is(err, service.ErrQueueUnavailable):
		return http.StatusServiceUnavailable, "processing queue is unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func avatarURL(userID string, version int64) string {
	return fmt.Sprintf("/v1/users/%s/avatar?v=%d", url.PathEscape(userID), version)
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
