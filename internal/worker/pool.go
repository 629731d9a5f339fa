package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"livesession-backend/internal/models"
)

// JobStore persists job rows so their status outlives the queue entry.
type JobStore interface {
	Create(ctx context.Context, j *models.Job) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
}

// Handler runs one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *models.Job) error

type Pool struct {
	queue       Queue
	jobs        JobStore
	handlers    map[string]Handler
	workerCount int
	popTimeout  time.Duration
	lockTTL     time.Duration
	backoff     func(attempt int) time.Duration
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewPool(queue Queue, jobs JobStore, workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		queue:       queue,
		jobs:        jobs,
		handlers:    make(map[string]Handler),
		workerCount: workerCount,
		popTimeout:  5 * time.Second,
		lockTTL:     10 * time.Minute,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
		stopChan: make(chan struct{}),
	}
}

// Handle registers fn for jobType. Call before Start.
func (p *Pool) Handle(jobType string, fn Handler) {
	p.handlers[jobType] = fn
}

// Enqueue persists job and pushes it onto its queue.
func (p *Pool) Enqueue(ctx context.Context, job *models.Job) error {
	if err := p.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("failed to create %s job: %w", job.Type, err)
	}
	return p.push(ctx, job)
}

func (p *Pool) push(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := p.queue.Push(ctx, queueName(job.Type), data); err != nil {
		return fmt.Errorf("failed to queue %s job: %w", job.Type, err)
	}
	return nil
}

func (p *Pool) queues() []string {
	out := make([]string, 0, len(p.handlers))
	for jobType := range p.handlers {
		out = append(out, queueName(jobType))
	}
	return out
}

func (p *Pool) Start() {
	queues := p.queues()
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i, queues)
	}
	log.Printf("Started %d worker goroutines", p.workerCount)
}

// Stop signals the workers and waits for the in-flight jobs to finish. It is
// safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

func (p *Pool) worker(id int, queues []string) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		raw, err := p.queue.Pop(ctx, p.popTimeout, queues...)
		if err != nil {
			if !errors.Is(err, ErrEmpty) && ctx.Err() == nil {
				log.Printf("Worker %d: pop failed: %v", id, err)
				time.Sleep(time.Second)
			}
			continue
		}

		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Printf("Worker %d: failed to parse job: %v", id, err)
			continue
		}

		p.process(context.Background(), id, &job)
	}
}

func (p *Pool) process(ctx context.Context, workerID int, job *models.Job) {
	key := lockKey(job.ID.String())
	locked, err := p.queue.Lock(ctx, key, p.lockTTL)
	if err != nil || !locked {
		return // another worker has this job
	}
	defer p.queue.Unlock(ctx, key)

	log.Printf("Worker %d: processing job %s (type: %s)", workerID, job.ID, job.Type)
	p.jobs.UpdateStatus(ctx, job.ID, models.JobProcessing)

	var processErr error
	if fn, ok := p.handlers[job.Type]; ok {
		processErr = fn(ctx, job)
	} else {
		processErr = fmt.Errorf("unknown job type: %s", job.Type)
	}

	if processErr != nil {
		p.handleFailure(ctx, job, processErr)
		return
	}
	p.jobs.UpdateStatus(ctx, job.ID, models.JobCompleted)
	log.Printf("Job %s completed successfully", job.ID)
}

func (p *Pool) handleFailure(ctx context.Context, job *models.Job, err error) {
	job.RetryCount++
	errMsg := err.Error()
	p.jobs.UpdateError(ctx, job.ID, errMsg, job.RetryCount)

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultJobRetries
	}
	if job.RetryCount >= maxRetries {
		log.Printf("Job %s failed permanently: %s", job.ID, errMsg)
		p.jobs.UpdateStatus(ctx, job.ID, models.JobFailed)
		return
	}

	log.Printf("Job %s failed (attempt %d): %s, retrying", job.ID, job.RetryCount, errMsg)
	p.jobs.UpdateStatus(ctx, job.ID, models.JobPending)

	retry := *job
	time.AfterFunc(p.backoff(job.RetryCount), func() {
		if err := p.push(context.Background(), &retry); err != nil {
			log.Printf("Job %s: requeue failed: %v", retry.ID, err)
		}
	})
}
