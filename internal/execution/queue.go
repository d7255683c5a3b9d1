package execution

import (
	"context"
	"fmt"
	"sync"

	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
)

// Queue serializes work for one signing wallet. A single goroutine runs the
// submitted functions one at a time, in arrival order.
type Queue struct {
	jobs      chan queueJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type queueJob struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

func NewQueue() *Queue {
	q := &Queue{
		jobs: make(chan queueJob),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Do runs fn on the queue goroutine and waits for its result. Jobs whose
// context ends before they start are not run. Once a job is handed off Do
// waits for fn to return, so fn must honor its context.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	job := queueJob{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return clierr.New(clierr.CodeUnavailable, "submission queue closed")
	}
	return <-job.result
}

// Close stops the queue after the running job, if any, returns.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			if err := job.ctx.Err(); err != nil {
				job.result <- err
				continue
			}
			job.result <- run(job)
		}
	}
}

func run(job queueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = clierr.New(clierr.CodeInternal, fmt.Sprintf("submission panicked: %v", r))
		}
	}()
	return job.fn(job.ctx)
}
