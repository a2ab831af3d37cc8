package workers

import (
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
)

func TestJobsRun(t *testing.T) {
	wp := NewWorkerPool(3, 16, nil)
	defer wp.Stop()

	var n int64
	for i := 0; i < 10; i++ {
		if !wp.AddJob(func() { atomic.AddInt64(&n, 1) }) {
			t.Fatal("job rejected with room in the queue")
		}
	}
	wp.Wait()
	if got := atomic.LoadInt64(&n); got != 10 {
		t.Fatalf("ran %d jobs, want 10", got)
	}
}

func TestFullQueueDropsJobs(t *testing.T) {
	wp := NewWorkerPool(1, 1, nil)
	defer wp.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	wp.AddJob(func() {
		close(started)
		<-block
	})
	<-started

	if !wp.AddJob(func() {}) {
		t.Fatal("buffered slot should accept one job")
	}
	if wp.AddJob(func() {}) {
		t.Fatal("job accepted beyond queue capacity")
	}
	close(block)
	wp.Wait()
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	wp := NewWorkerPool(1, 4, zap.New(core))
	defer wp.Stop()

	wp.AddJob(func() { panic("boom") })
	done := make(chan struct{})
	wp.AddJob(func() { close(done) })
	wp.Wait()
	select {
	case <-done:
	default:
		t.Fatal("job after panic did not run")
	}
	entries := logs.FilterMessage("Background job panicked").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("panic log = %+v", entries)
	}
	if code := entries[0].ContextMap()["error_code"]; code != apperrors.CodeInternal {
		t.Errorf("error_code = %v, want %s", code, apperrors.CodeInternal)
	}
}

func TestStopRejectsNewJobs(t *testing.T) {
	wp := NewWorkerPool(2, 4, nil)
	var n int64
	wp.AddJob(func() { atomic.AddInt64(&n, 1) })
	wp.Stop()
	wp.Stop()
	if atomic.LoadInt64(&n) != 1 {
		t.Fatal("queued job not drained on stop")
	}
	if wp.AddJob(func() {}) {
		t.Fatal("stopped pool accepted a job")
	}
}
