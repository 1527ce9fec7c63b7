package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/service"
	"github.com/dunamismax/avatarflow/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Server struct {
	logger    *zap.Logger
	server    *asynq.Server
	sem       chan struct{}
	processor uploadProcessor
	webhooks  webhookSender
	metrics   *metrics
	tracer    trace.Tracer
	now       func() time.Time

	// lastAttempt reports whether asynq will not retry the task again.
	lastAttempt func(context.Context) bool
}

type uploadProcessor interface {
	ProcessUpload(ctx context.Context, payload queue.ProcessAvatarPayload) (domain.Avatar, error)
	FailUpload(ctx context.Context, payload queue.ProcessAvatarPayload, cause error) error
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// outcomeDuplicate labels redelivered tasks whose upload already finished.
const outcomeDuplicate = "duplicate"

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor uploadProcessor,
	webhooks webhookSender,
) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("upload processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				Logger:   logger.Named("asynq").Sugar(),
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:         make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor:   processor,
		webhooks:    webhooks,
		metrics:     newMetrics(),
		tracer:      otel.Tracer("avatarflow/worker"),
		now:         time.Now,
		lastAttempt: finalAttempt,
	}
	return s, nil
}

// Start begins consuming tasks in the background. Stop with Shutdown.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessAvatar, s.handleProcessAvatar)
	return s.server.Start(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessAvatar(ctx context.Context, task *asynq.Task) error {
	startedAt := s.now()
	outcome := domain.UploadStatusFailed

	payload, err := queue.ParseProcessAvatarPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.process_avatar", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("upload.id", payload.UploadID),
		attribute.String("avatar.user_id", payload.UserID),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(s.now().Sub(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeTasks.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeTasks.Dec()
	}()

	log := s.logger.With(zap.String("upload_id", payload.UploadID), zap.String("user_id", payload.UserID))
	log.Info("processing avatar upload", zap.String("object_key", payload.ObjectKey))

	avatar, err := s.processor.ProcessUpload(ctx, payload)
	if errors.Is(err, service.ErrUploadFinished) {
		outcome = outcomeDuplicate
		log.Info("upload already finished, skipping redelivered task", zap.Error(err))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process upload failed")

		permanent := service.IsPermanent(err)
		notify := permanent
		if !permanent && s.lastAttempt(ctx) {
			notify = s.failUpload(ctx, log, payload, err)
		}
		if notify {
			s.dispatchWebhook(ctx, log, payload, webhook.EventAvatarFailed, map[string]any{
				"upload_id":    payload.UploadID,
				"user_id":      payload.UserID,
				"status":       domain.UploadStatusFailed,
				"requested_at": payload.RequestedAt,
				"failed_at":    s.now().UTC(),
				"error":        err.Error(),
			})
		}
		if permanent {
			log.Warn("avatar upload rejected", zap.Error(err))
			return fmt.Errorf("process upload: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("process upload: %w", err)
	}

	outcome = domain.UploadStatusSucceeded
	s.metrics.avatarsTotal.WithLabelValues(avatar.SourceFormat).Inc()
	s.metrics.avatarBytesTotal.Add(float64(avatar.Bytes))
	log.Info("avatar processed", zap.Int64("version", avatar.Version), zap.Int("bytes", avatar.Bytes))

	s.dispatchWebhook(ctx, log, payload, webhook.EventAvatarProcessed, map[string]any{
		"upload_id":    payload.UploadID,
		"user_id":      avatar.UserID,
		"status":       domain.UploadStatusSucceeded,
		"requested_at": payload.RequestedAt,
		"completed_at": s.now().UTC(),
		"avatar":       avatar,
	})

	span.SetStatus(codes.Ok, "processed")
	return nil
}

// failUpload records a transient error that exhausted its retries. It
// reports whether the failure webhook should go out.
func (s *Server) failUpload(ctx context.Context, log *zap.Logger, payload queue.ProcessAvatarPayload, cause error) bool {
	err := s.processor.FailUpload(ctx, payload, cause)
	switch {
	case errors.Is(err, service.ErrUploadFinished):
		return false
	case err != nil:
		log.Warn("marking upload failed", zap.Error(err))
	}
	log.Warn("avatar upload failed after final retry", zap.Error(cause))
	return true
}

// dispatchWebhook logs and counts delivery failures; it never fails the task.
func (s *Server) dispatchWebhook(ctx context.Context, log *zap.Logger, payload queue.ProcessAvatarPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhooks == nil {
		return
	}
	if err := s.webhooks.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.Inc()
		log.Warn("webhook delivery failed", zap.String("event", event), zap.Error(err))
	}
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}
