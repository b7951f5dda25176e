package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	path string
	err  error
}

type fakeRecorder struct {
	calls chan recorded
}

func (f fakeRecorder) Invalidation(path string, err error) {
	f.calls <- recorded{path: path, err: err}
}

func TestInvalidatorFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 4)
	listener := NewInvalidator(client, "", nil)
	require.NoError(t, listener.Listen(ctx, func(id string) { received <- id }))

	rec := fakeRecorder{calls: make(chan recorded, 4)}
	publisher := NewInvalidator(client, "", nil).WithRecorder(rec)
	require.NoError(t, publisher.Publish(ctx, " user-1 "))

	select {
	case id := <-received:
		assert.Equal(t, "user-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}
	got := <-rec.calls
	assert.Equal(t, "pubsub", got.path)
	assert.NoError(t, got.err)
}

func TestInvalidatorRejectsEmptyPrincipal(t *testing.T) {
	inv := NewInvalidator(nil, "", nil)
	require.Error(t, inv.Publish(context.Background(), "  "))
	assert.NoError(t, inv.Publish(context.Background(), "user-1"))
}

func TestInvalidatorRecordsPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	rec := fakeRecorder{calls: make(chan recorded, 1)}
	inv := NewInvalidator(client, "", nil).WithRecorder(rec)
	err := inv.Publish(context.Background(), "user-1")
	require.Error(t, err)
	got := <-rec.calls
	assert.True(t, errors.Is(got.err, err))
}
