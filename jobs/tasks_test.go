package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	err   error
	calls []string
}

func (s *stubPublisher) Publish(_ context.Context, principalID string) error {
	s.calls = append(s.calls, principalID)
	return s.err
}

type stubRecorder struct {
	paths []string
	errs  []error
}

func (s *stubRecorder) Invalidation(path string, err error) {
	s.paths = append(s.paths, path)
	s.errs = append(s.errs, err)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewInvalidateTask(t *testing.T) {
	changed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task, err := NewInvalidateTask(" user-1 ", changed)
	require.NoError(t, err)
	assert.Equal(t, TaskAuthzInvalidate, task.Type())

	var payload InvalidatePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "user-1", payload.PrincipalID)
	assert.True(t, payload.ChangedAt.Equal(changed))

	_, err = NewInvalidateTask("  ", changed)
	require.Error(t, err)
}

func TestInvalidateJobPublishes(t *testing.T) {
	pub := &stubPublisher{}
	rec := &stubRecorder{}
	job := NewInvalidateJob(pub, quietLogger(), rec, nil)

	task, err := NewInvalidateTask("user-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, []string{"user-1"}, pub.calls)
	assert.Equal(t, []string{"worker"}, rec.paths)
	assert.Nil(t, rec.errs[0])
}

func TestInvalidateJobRetriesPublishFailure(t *testing.T) {
	pub := &stubPublisher{err: errors.New("redis down")}
	rec := &stubRecorder{}
	job := NewInvalidateJob(pub, quietLogger(), rec, nil)

	task, err := NewInvalidateTask("user-1", time.Now())
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	require.Len(t, rec.errs, 1)
	assert.Error(t, rec.errs[0])
}

func TestInvalidateJobSkipsMalformedPayload(t *testing.T) {
	pub := &stubPublisher{}
	job := NewInvalidateJob(pub, quietLogger(), nil, nil)

	for _, body := range []string{"not json", `{"principal_id":""}`} {
		err := job.Handle(context.Background(), asynq.NewTask(TaskAuthzInvalidate, []byte(body)))
		require.Error(t, err)
		assert.True(t, errors.Is(err, asynq.SkipRetry))
	}
	assert.Empty(t, pub.calls)
}

func TestClientEnqueueInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	rec := &stubRecorder{}
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()}, rec)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.EnqueueInvalidation(context.Background(), "user-1"))
	assert.Equal(t, []string{"queue"}, rec.paths)

	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.Error(t, client.EnqueueInvalidation(context.Background(), ""))
	assert.Len(t, rec.paths, 1)
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"}})
	require.Error(t, err)

	job := NewInvalidateJob(&stubPublisher{}, quietLogger(), nil, nil)
	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Handlers:  []TaskHandler{{Type: TaskAuthzInvalidate, Handler: job.Handle}},
	})
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, quietLogger()).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0}`, rec.Body.String())
}
