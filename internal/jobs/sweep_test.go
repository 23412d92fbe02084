package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/file-relay-go/internal/envelope"
	"github.com/openclaw/file-relay-go/internal/model"
	"github.com/openclaw/file-relay-go/internal/service"
	"github.com/openclaw/file-relay-go/internal/store"
)

type countingSweeper struct {
	calls atomic.Int64
	err   error
}

func (s *countingSweeper) Sweep(ctx context.Context) (int64, error) {
	s.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("sweep context has no deadline")
	}
	return 1, s.err
}

func TestSweepJob(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewSweepJob(&countingSweeper{}, time.Minute)

		assert.Equal(t, time.Minute, job.interval)
		assert.NotNil(t, job.done)
	})

	t.Run("runs a sweep on start", func(t *testing.T) {
		sweeper := &countingSweeper{}
		job := NewSweepJob(sweeper, time.Hour)

		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("keeps sweeping on the interval", func(t *testing.T) {
		sweeper := &countingSweeper{}
		job := NewSweepJob(sweeper, 10*time.Millisecond)

		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() >= 3
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("sweep errors do not stop the job", func(t *testing.T) {
		sweeper := &countingSweeper{err: errors.New("store unavailable")}
		job := NewSweepJob(sweeper, 10*time.Millisecond)

		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() >= 2
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("stop is idempotent and halts sweeping", func(t *testing.T) {
		sweeper := &countingSweeper{}
		job := NewSweepJob(sweeper, 5*time.Millisecond)

		job.Start()
		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() >= 1
		}, time.Second, 5*time.Millisecond)

		job.Stop()
		job.Stop()

		calls := sweeper.calls.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, calls, sweeper.calls.Load())
	})

	t.Run("removes expired sessions from the store", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		clock := func() time.Time { return now }

		sessions := store.NewMemoryStore()
		svc := service.NewSessionService(sessions, envelope.NewCodec(), nil, service.SessionOptions{
			KeyDelivery: model.KeyDeliverySeparate,
			Now:         clock,
		})

		_, err := svc.Submit(context.Background(), []model.File{{Name: "a.txt", Data: []byte("a")}}, 5*time.Second)
		require.NoError(t, err)
		_, err = svc.Submit(context.Background(), []model.File{{Name: "b.txt", Data: []byte("b")}}, time.Hour)
		require.NoError(t, err)

		now = now.Add(10 * time.Second)

		job := NewSweepJob(svc, time.Hour)
		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			n, err := sessions.Len(context.Background())
			return err == nil && n == 1
		}, time.Second, 5*time.Millisecond)
	})
}
