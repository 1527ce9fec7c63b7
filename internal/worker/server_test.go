package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/service"
	"github.com/dunamismax/avatarflow/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

func newTestServer(processor uploadProcessor, hooks webhookSender) *Server {
	return &Server{
		logger:    zap.NewNop(),
		sem:       make(chan struct{}, 1),
		processor: processor,
		webhooks:  hooks,
		metrics:   newMetrics(),
		tracer:    noop.NewTracerProvider().Tracer("test"),
		now:       time.Now,

		lastAttempt: func(context.Context) bool { return false },
	}
}

func newTask(t *testing.T, payload queue.ProcessAvatarPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewProcessAvatarTask(payload)
	require.NoError(t, err)
	return task
}

var testPayload = queue.ProcessAvatarPayload{
	UploadID:   "upl-1",
	UserID:     "jane",
	ObjectKey:  "uploads/jane/upl-1",
	WebhookURL: "https://hooks.example.com/avatar",
}

func TestHandleProcessAvatarSuccess(t *testing.T) {
	processor := processWith(func(_ context.Context, p queue.ProcessAvatarPayload) (domain.Avatar, error) {
		return domain.Avatar{UserID: p.UserID, SourceFormat: "jpeg", Bytes: 1234, Version: 3}, nil
	})
	hooks := &captureWebhooks{}
	s := newTestServer(processor, hooks)

	require.NoError(t, s.handleProcessAvatar(context.Background(), newTask(t, testPayload)))

	events := hooks.events()
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventAvatarProcessed, events[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(domain.UploadStatusSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.avatarsTotal.WithLabelValues("jpeg")))
	assert.Equal(t, 1234.0, testutil.ToFloat64(s.metrics.avatarBytesTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.activeTasks))
}

func TestHandleProcessAvatarPermanentFailureSkipsRetry(t *testing.T) {
	processor := processWith(func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error) {
		return domain.Avatar{}, fmt.Errorf("process avatar: %w", &pipeline.DecodeError{Kind: pipeline.ErrCorruptData, Format: "png"})
	})
	hooks := &captureWebhooks{}
	s := newTestServer(processor, hooks)

	err := s.handleProcessAvatar(context.Background(), newTask(t, testPayload))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, []string{webhook.EventAvatarFailed}, hooks.events())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(domain.UploadStatusFailed)))
}

func TestHandleProcessAvatarTransientFailureRetries(t *testing.T) {
	processor := processWith(func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error) {
		return domain.Avatar{}, errors.New("connection reset by peer")
	})
	hooks := &captureWebhooks{}
	s := newTestServer(processor, hooks)

	err := s.handleProcessAvatar(context.Background(), newTask(t, testPayload))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, hooks.events(), "no failure webhook before the final attempt")
	assert.Empty(t, processor.failedUploads())
}

func TestHandleProcessAvatarFinalAttemptFailsUpload(t *testing.T) {
	processor := processWith(func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error) {
		return domain.Avatar{}, errors.New("connection reset by peer")
	})
	hooks := &captureWebhooks{}
	s := newTestServer(processor, hooks)
	s.lastAttempt = func(context.Context) bool { return true }

	err := s.handleProcessAvatar(context.Background(), newTask(t, testPayload))
	require.Error(t, err)
	assert.Equal(t, []string{testPayload.UploadID}, processor.failedUploads())
	assert.Equal(t, []string{webhook.EventAvatarFailed}, hooks.events())
}

func TestHandleProcessAvatarFinalAttemptOnFinishedUpload(t *testing.T) {
	processor := processWith(func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error) {
		return domain.Avatar{}, errors.New("connection reset by peer")
	})
	processor.failErr = fmt.Errorf("%w: upl-1 is succeeded", service.ErrUploadFinished)
	hooks := &captureWebhooks{}
	s := newTestServer(processor, hooks)
	s.lastAttempt = func(context.Context) bool { return true }

	require.Error(t, s.handleProcessAvatar(context.Background(), newTask(t, testPayload)))
	assert.Empty(t, hooks.events(), "finished upload gets no failure webhook")
}

func TestHandleProcessAvatarSkipsFinishedUpload(t *testing.T) {
	processor := processWith(func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error) {
		return domain.Avatar{}, fmt.Errorf("%w: upl-1 is succeeded", service.ErrUploadFinished)
	})
	hooks := &captureWebhooks{}
	s := newTestServer(processor, hooks)
	s.lastAttempt = func(context.Context) bool { return true }

	require.NoError(t, s.handleProcessAvatar(context.Background(), newTask(t, testPayload)))
	assert.Empty(t, hooks.events())
	assert.Empty(t, processor.failedUploads())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(outcomeDuplicate)))
}

func TestHandleProcessAvatarWebhookFailureDoesNotFailTask(t *testing.T) {
	processor := processWith(func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error) {
		return domain.Avatar{UserID: "jane", SourceFormat: "png"}, nil
	})
	hooks := &captureWebhooks{err: errors.New("endpoint down")}
	s := newTestServer(processor, hooks)

	require.NoError(t, s.handleProcessAvatar(context.Background(), newTask(t, testPayload)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.webhookFailures))
}

func TestHandleProcessAvatarRejectsBadPayload(t *testing.T) {
	s := newTestServer(processWith(func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error) {
		t.Fatal("processor must not run")
		return domain.Avatar{}, nil
	}), nil)

	err := s.handleProcessAvatar(context.Background(), asynq.NewTask(queue.TypeProcessAvatar, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeProcessor struct {
	process func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error)
	failErr error

	mu     sync.Mutex
	failed []string
}

func processWith(fn func(context.Context, queue.ProcessAvatarPayload) (domain.Avatar, error)) *fakeProcessor {
	return &fakeProcessor{process: fn}
}

func (f *fakeProcessor) ProcessUpload(ctx context.Context, p queue.ProcessAvatarPayload) (domain.Avatar, error) {
	return f.process(ctx, p)
}

func (f *fakeProcessor) FailUpload(_ context.Context, p queue.ProcessAvatarPayload, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, p.UploadID)
	return f.failErr
}

func (f *fakeProcessor) failedUploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failed...)
}

type captureWebhooks struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (c *captureWebhooks) Send(_ context.Context, _ string, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return c.err
}

func (c *captureWebhooks) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}
