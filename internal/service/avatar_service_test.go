package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dunamismax/avatarflow/internal/cache"
	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/storage"
	"github.com/dunamismax/avatarflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *AvatarService
	objects *storage.MemoryClient
	records *store.MemoryStore
	cache   *cache.RedisCache
	queue   *captureQueue
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureWithStorage(t, nil)
}

// newFixtureWithStorage wraps the in-memory objects when wrap is non-nil.
func newFixtureWithStorage(t *testing.T, wrap func(*storage.MemoryClient) ObjectStorage) fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	avatarCache, err := cache.NewRedisCache(client, time.Hour, "test:avatar")
	require.NoError(t, err)

	enc, err := pipeline.NewEncoder(pipeline.FormatJPEG, 0, 0)
	require.NoError(t, err)

	f := fixture{
		objects: storage.NewMemoryClient(),
		records: store.NewMemoryStore(),
		cache:   avatarCache,
		queue:   &captureQueue{},
	}
	var objects ObjectStorage = f.objects
	if wrap != nil {
		objects = wrap(f.objects)
	}
	f.svc, err = New(Options{
		Processor: pipeline.NewProcessor(pipeline.WithEncoder(enc)),
		Storage:   objects,
		Avatars:   f.records,
		Uploads:   f.records,
		Cache:     f.cache,
		Queue:     f.queue,
		MaxBytes:  1 << 20,
	})
	require.NoError(t, err)
	return f
}

func sourcePNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadAndRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	avatar, err := f.svc.Upload(ctx, " Jane@Example.com ", sourcePNG(t, 200, 100))
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", avatar.UserID)
	assert.Equal(t, int64(1), avatar.Version)
	assert.Equal(t, "image/jpeg", avatar.MIMEType)
	assert.Equal(t, "png", avatar.SourceFormat)
	assert.Equal(t, pipeline.Size, avatar.Width)
	assert.Equal(t, pipeline.Size, avatar.Height)
	assert.Equal(t, "image/jpeg", f.objects.ContentType(avatar.ObjectKey))

	img, err := f.svc.Read(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.Equal(t, int64(1), img.Version)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, pipeline.Size, cfg.Width)
	assert.Equal(t, pipeline.Size, cfg.Height)
}

func TestUploadReplacesPreviousAvatar(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Upload(ctx, "jane", sourcePNG(t, 50, 50))
	require.NoError(t, err)
	second, err := f.svc.Upload(ctx, "jane", sourcePNG(t, 60, 30))
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.Version)
	assert.NotEqual(t, first.ObjectKey, second.ObjectKey)
	assert.Equal(t, 1, f.objects.Len(), "previous object removed")

	entry, ok, err := f.cache.Get(ctx, "jane")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.Version)
}

func TestReadFallsBackToStorage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Upload(ctx, "jane", sourcePNG(t, 40, 40))
	require.NoError(t, err)
	require.NoError(t, f.cache.Invalidate(ctx, "jane", 0))

	img, err := f.svc.Read(ctx, "jane")
	require.NoError(t, err)
	assert.NotEmpty(t, img.Data)

	_, ok, err := f.cache.Get(ctx, "jane")
	require.NoError(t, err)
	assert.True(t, ok, "read repopulates cache")
}

func TestReadDoesNotRecacheDeletedAvatar(t *testing.T) {
	ctx := context.Background()
	gate := &gatedStorage{}
	f := newFixtureWithStorage(t, func(m *storage.MemoryClient) ObjectStorage {
		gate.MemoryClient = m
		return gate
	})

	_, err := f.svc.Upload(ctx, "jane", sourcePNG(t, 40, 40))
	require.NoError(t, err)
	require.NoError(t, f.cache.Invalidate(ctx, "jane", 0))

	reached, release := gate.hold()
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Read(ctx, "jane")
		done <- err
	}()

	<-reached
	require.NoError(t, f.svc.Delete(ctx, "jane"))
	close(release)
	require.NoError(t, <-done, "in-flight read finishes with the bytes it loaded")

	_, err = f.svc.Read(ctx, "jane")
	assert.ErrorIs(t, err, store.ErrAvatarNotFound)
	_, ok, err := f.cache.Get(ctx, "jane")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentUploadsKeepNewest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const writers = 6

	inputs := make([][]byte, writers)
	for i := range inputs {
		inputs[i] = sourcePNG(t, 20+i, 30)
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for _, input := range inputs {
		wg.Add(1)
		go func(input []byte) {
			defer wg.Done()
			_, err := f.svc.Upload(ctx, "jane", input)
			errs <- err
		}(input)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	current, err := f.svc.Get(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), current.Version)
	assert.Equal(t, 1, f.objects.Len(), "every superseded object is removed")

	entry, ok, err := f.cache.Get(ctx, "jane")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, current.Version, entry.Version)
}

func TestUploadRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Upload(ctx, "jane", []byte("definitely not an image"))
	assert.ErrorIs(t, err, pipeline.ErrUnsupportedFormat)
	assert.True(t, IsPermanent(err))

	truncated := sourcePNG(t, 64, 64)
	_, err = f.svc.Upload(ctx, "jane", truncated[:len(truncated)/2])
	assert.ErrorIs(t, err, pipeline.ErrCorruptData)

	_, err = f.svc.Upload(ctx, "jane", make([]byte, 2<<20))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.svc.Upload(ctx, "bad user!", sourcePNG(t, 4, 4))
	assert.ErrorIs(t, err, domain.ErrInvalidUserID)

	_, err = f.svc.Read(ctx, "jane")
	assert.ErrorIs(t, err, store.ErrAvatarNotFound)
	assert.Zero(t, f.objects.Len())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Upload(ctx, "jane", sourcePNG(t, 40, 40))
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, "jane"))
	assert.Zero(t, f.objects.Len())

	_, err = f.svc.Read(ctx, "jane")
	assert.ErrorIs(t, err, store.ErrAvatarNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, "jane"), store.ErrAvatarNotFound)

	again, err := f.svc.Upload(ctx, "jane", sourcePNG(t, 40, 40))
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version, "versions keep increasing after delete")
}

func TestPresignedUploadFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	presigned, err := f.svc.CreateUpload(ctx, "jane", domain.CreateUploadRequest{WebhookURL: "https://hooks.example.com/a"})
	require.NoError(t, err)
	upload := presigned.Upload
	assert.Equal(t, domain.UploadStatusPending, upload.Status)
	assert.Contains(t, presigned.UploadURL, upload.ObjectKey)

	_, err = f.svc.CommitUpload(ctx, "jane", upload.ID)
	assert.ErrorIs(t, err, ErrUploadObjectMissing)

	_, err = f.svc.CommitUpload(ctx, "john", upload.ID)
	assert.ErrorIs(t, err, store.ErrUploadNotFound)

	require.NoError(t, f.objects.WriteObject(ctx, upload.ObjectKey, sourcePNG(t, 300, 120), "image/png"))

	committed, err := f.svc.CommitUpload(ctx, "jane", upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusQueued, committed.Status)

	_, err = f.svc.CommitUpload(ctx, "jane", upload.ID)
	require.NoError(t, err)
	payloads := f.queue.all()
	require.Len(t, payloads, 1, "second commit does not enqueue")
	assert.Equal(t, "https://hooks.example.com/a", payloads[0].WebhookURL)

	avatar, err := f.svc.ProcessUpload(ctx, payloads[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), avatar.Version)

	got, err := f.svc.GetUpload(ctx, "jane", upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusSucceeded, got.Status)

	exists, err := f.objects.ObjectExists(ctx, upload.ObjectKey)
	require.NoError(t, err)
	assert.False(t, exists, "raw upload removed after processing")
}

func TestProcessUploadMarksPermanentFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	presigned, err := f.svc.CreateUpload(ctx, "jane", domain.CreateUploadRequest{})
	require.NoError(t, err)
	upload := presigned.Upload
	require.NoError(t, f.objects.WriteObject(ctx, upload.ObjectKey, []byte("%PDF-1.4 nope"), "application/pdf"))

	_, err = f.svc.ProcessUpload(ctx, queue.ProcessAvatarPayload{
		UploadID:  upload.ID,
		UserID:    upload.UserID,
		ObjectKey: upload.ObjectKey,
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	got, err := f.svc.GetUpload(ctx, "jane", upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func committedUpload(t *testing.T, f fixture) queue.ProcessAvatarPayload {
	t.Helper()
	ctx := context.Background()

	presigned, err := f.svc.CreateUpload(ctx, "jane", domain.CreateUploadRequest{})
	require.NoError(t, err)
	upload := presigned.Upload
	require.NoError(t, f.objects.WriteObject(ctx, upload.ObjectKey, sourcePNG(t, 64, 48), "image/png"))
	_, err = f.svc.CommitUpload(ctx, "jane", upload.ID)
	require.NoError(t, err)

	payloads := f.queue.all()
	require.NotEmpty(t, payloads)
	return payloads[len(payloads)-1]
}

func TestProcessUploadRedeliveredAfterSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := committedUpload(t, f)

	_, err := f.svc.ProcessUpload(ctx, payload)
	require.NoError(t, err)

	_, err = f.svc.ProcessUpload(ctx, payload)
	assert.ErrorIs(t, err, ErrUploadFinished)
	assert.False(t, IsPermanent(err))

	got, err := f.svc.GetUpload(ctx, "jane", payload.UploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusSucceeded, got.Status)
	assert.Empty(t, got.Error)

	avatar, err := f.svc.Get(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, int64(1), avatar.Version)
}

func TestFailUploadAfterLastRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := committedUpload(t, f)

	require.NoError(t, f.svc.FailUpload(ctx, payload, errors.New("storage timeout")))

	got, err := f.svc.GetUpload(ctx, "jane", payload.UploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusFailed, got.Status)
	assert.Equal(t, "storage timeout", got.Error)

	exists, err := f.objects.ObjectExists(ctx, payload.ObjectKey)
	require.NoError(t, err)
	assert.False(t, exists, "raw upload removed")

	assert.ErrorIs(t, f.svc.FailUpload(ctx, payload, errors.New("again")), ErrUploadFinished)
	_, err = f.svc.ProcessUpload(ctx, payload)
	assert.ErrorIs(t, err, ErrUploadFinished)
}

func TestFailUploadLeavesSucceededUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := committedUpload(t, f)

	_, err := f.svc.ProcessUpload(ctx, payload)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.FailUpload(ctx, payload, errors.New("late")), ErrUploadFinished)
	got, err := f.svc.GetUpload(ctx, "jane", payload.UploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusSucceeded, got.Status)
}

func TestCreateUploadValidatesWebhook(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateUpload(context.Background(), "jane", domain.CreateUploadRequest{WebhookURL: "ftp://nope"})
	assert.Error(t, err)
}

type captureQueue struct {
	mu       sync.Mutex
	payloads []queue.ProcessAvatarPayload
}

func (q *captureQueue) EnqueueProcessAvatar(_ context.Context, payload queue.ProcessAvatarPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.payloads {
		if p.UploadID == payload.UploadID {
			return nil, asynq.ErrTaskIDConflict
		}
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.UploadID, Queue: "avatars"}, nil
}

func (q *captureQueue) all() []queue.ProcessAvatarPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.ProcessAvatarPayload(nil), q.payloads...)
}

// gatedStorage pauses the next ReadObject after it has read the object
// until released.
type gatedStorage struct {
	*storage.MemoryClient

	mu      sync.Mutex
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStorage) hold() (reached chan struct{}, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reached = make(chan struct{})
	g.release = make(chan struct{})
	return g.reached, g.release
}

func (g *gatedStorage) ReadObject(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	data, err := g.MemoryClient.ReadObject(ctx, key, maxBytes)

	g.mu.Lock()
	reached, release := g.reached, g.release
	g.reached, g.release = nil, nil
	g.mu.Unlock()

	if reached != nil {
		close(reached)
		<-release
	}
	return data, err
}
