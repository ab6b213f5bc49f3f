package jobs

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"metecho/internal/logging"
)

const localBuffer = 256

type localJob struct {
	name    string
	payload []byte
}

// LocalQueue runs jobs in-process. In Sync mode Enqueue runs the job before
// returning and hands back its error; otherwise jobs are buffered and picked
// up by the workers started with Run.
type LocalQueue struct {
	Dispatcher Dispatcher
	Workers    int
	Sync       bool
	Log        *zap.Logger

	once sync.Once
	jobs chan localJob
	wg   sync.WaitGroup
}

func NewLocalQueue(workers int, log *zap.Logger) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	return &LocalQueue{Workers: workers, Log: logging.OrNop(log)}
}

func (q *LocalQueue) init() {
	q.once.Do(func() { q.jobs = make(chan localJob, localBuffer) })
}

func (q *LocalQueue) Enqueue(ctx context.Context, name string, args any) error {
	payload, err := Encode(args)
	if err != nil {
		return err
	}
	if q.Sync {
		if q.Dispatcher == nil {
			return errors.New("local queue: no dispatcher")
		}
		return q.Dispatcher.Dispatch(ctx, name, payload)
	}
	q.init()
	q.wg.Add(1)
	select {
	case q.jobs <- localJob{name: name, payload: payload}:
		return nil
	case <-ctx.Done():
		q.wg.Done()
		return ctx.Err()
	}
}

// Run processes queued jobs until ctx is canceled. Job failures are logged;
// the local queue does not retry.
func (q *LocalQueue) Run(ctx context.Context) error {
	q.init()
	workers := q.Workers
	if workers <= 0 {
		workers = 1
	}
	log := logging.OrNop(q.Log)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job := <-q.jobs:
					q.run(context.WithoutCancel(gctx), log, job)
				}
			}
		})
	}
	return g.Wait()
}

func (q *LocalQueue) run(ctx context.Context, log *zap.Logger, job localJob) {
	defer q.wg.Done()
	if q.Dispatcher == nil {
		log.Error("job dropped: no dispatcher", zap.String("job", job.name))
		return
	}
	if err := q.Dispatcher.Dispatch(ctx, job.name, job.payload); err != nil {
		log.Error("job failed", zap.String("job", job.name), zap.Error(err))
	}
}

// Wait blocks until every enqueued job has finished.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}
