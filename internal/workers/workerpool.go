package workers

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/metrics"
)

// WorkerPool manages a pool of workers that execute jobs concurrently.
type WorkerPool struct {
	jobCh chan func()
	wg    sync.WaitGroup
	log   *zap.Logger

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	workers  sync.WaitGroup
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int, log *zap.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
		log:   logger.OrNop(log),
	}
	wp.workers.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for job := range wp.jobCh {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job func()) {
	defer wp.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			apperrors.Log(wp.log, "Background job panicked",
				apperrors.InternalError("background job panicked", fmt.Errorf("panic: %v", r)))
		}
	}()
	job()
}

// AddJob enqueues a job without blocking. It returns false when the queue is
// full or the pool is stopped; the job is dropped.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}

	wp.wg.Add(1)
	select {
	case wp.jobCh <- job:
		return true
	default: // Drop the job if queue is full
		wp.wg.Done()
		metrics.DroppedJobs.Inc()
		wp.log.Warn("Background queue full, job dropped", zap.Int("capacity", cap(wp.jobCh)))
		return false
	}
}

// Wait blocks until all queued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop rejects new jobs, drains the queue and waits for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.jobCh)
		wp.mu.Unlock()
		wp.workers.Wait()
	})
}
