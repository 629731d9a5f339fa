package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/models"
	"livesession-backend/internal/repository/memory"
)

func newTestPool(t *testing.T) (*Pool, *memory.JobStore) {
	t.Helper()
	jobs := memory.New().Jobs()
	p := NewPool(NewLocalQueue(), jobs, 2)
	p.popTimeout = 50 * time.Millisecond
	p.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	return p, jobs
}

func waitForStatus(t *testing.T, jobs *memory.JobStore, id uuid.UUID, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := jobs.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestPool_RunsHandler(t *testing.T) {
	p, jobs := newTestPool(t)
	sessionID := uuid.New()

	var got atomic.Value
	p.Handle(models.JobSessionFinalize, func(ctx context.Context, job *models.Job) error {
		got.Store(job.ReferenceID)
		return nil
	})
	p.Start()
	defer p.Stop()

	job := &models.Job{SessionID: sessionID, Type: models.JobSessionFinalize, ReferenceID: sessionID}
	require.NoError(t, p.Enqueue(context.Background(), job))
	assert.NotEqual(t, uuid.Nil, job.ID)

	done := waitForStatus(t, jobs, job.ID, models.JobCompleted)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, sessionID, got.Load())
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	p, jobs := newTestPool(t)

	var calls int32
	p.Handle(models.JobQuizFinalize, func(ctx context.Context, job *models.Job) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("store unavailable")
		}
		return nil
	})
	p.Start()
	defer p.Stop()

	job := &models.Job{Type: models.JobQuizFinalize, ReferenceID: uuid.New()}
	require.NoError(t, p.Enqueue(context.Background(), job))

	done := waitForStatus(t, jobs, job.ID, models.JobCompleted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, done.RetryCount)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "store unavailable", *done.ErrorMessage)
}

func TestPool_FailsAfterMaxRetries(t *testing.T) {
	p, jobs := newTestPool(t)

	var calls int32
	p.Handle(models.JobQuizFinalize, func(ctx context.Context, job *models.Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})
	p.Start()
	defer p.Stop()

	job := &models.Job{Type: models.JobQuizFinalize, ReferenceID: uuid.New()}
	require.NoError(t, p.Enqueue(context.Background(), job))

	done := waitForStatus(t, jobs, job.ID, models.JobFailed)
	assert.Equal(t, 3, done.RetryCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPool_StopTwice(t *testing.T) {
	p, _ := newTestPool(t)
	p.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NotPanics(t, func() {
			p.Stop()
			p.Stop()
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestLocalQueue_LockIsExclusive(t *testing.T) {
	q := NewLocalQueue()
	ctx := context.Background()

	ok, err := q.Lock(ctx, "job_lock:a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Lock(ctx, "job_lock:a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Unlock(ctx, "job_lock:a"))
	ok, err = q.Lock(ctx, "job_lock:a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalQueue_PopTimesOut(t *testing.T) {
	q := NewLocalQueue()
	_, err := q.Pop(context.Background(), 20*time.Millisecond, "queue:x")
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Push(context.Background(), "queue:x", []byte("payload")))
	data, err := q.Pop(context.Background(), time.Second, "queue:x")
	require.NoError(t, err)
	assert.Equal(t, "payload", data)
}
