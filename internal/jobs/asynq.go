package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"metecho/internal/logging"
)

// AsynqQueue enqueues jobs into Redis for the asynq worker.
type AsynqQueue struct {
	Client   *asynq.Client
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

func NewAsynqQueue(opt asynq.RedisClientOpt) *AsynqQueue {
	return &AsynqQueue{
		Client:   asynq.NewClient(opt),
		Queue:    "default",
		MaxRetry: 5,
		Timeout:  10 * time.Minute,
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, name string, args any) error {
	payload, err := Encode(args)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.MaxRetry(q.MaxRetry)}
	if q.Queue != "" {
		opts = append(opts, asynq.Queue(q.Queue))
	}
	if q.Timeout > 0 {
		opts = append(opts, asynq.Timeout(q.Timeout))
	}
	if _, err := q.Client.EnqueueContext(ctx, asynq.NewTask(name, payload), opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.Client.Close()
}

// NewServeMux routes every job name to d. Failures that retrying cannot fix
// are marked so asynq archives them instead of retrying.
func NewServeMux(d Dispatcher, log *zap.Logger) *asynq.ServeMux {
	log = logging.OrNop(log)
	mux := asynq.NewServeMux()
	for _, name := range Names {
		mux.HandleFunc(name, func(ctx context.Context, t *asynq.Task) error {
			err := d.Dispatch(ctx, t.Type(), t.Payload())
			if err == nil {
				return nil
			}
			if Permanent(err) {
				log.Warn("job failed permanently", zap.String("job", t.Type()), zap.Error(err))
				return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
			}
			return err
		})
	}
	return mux
}

// NewServer builds the asynq server for the worker process.
func NewServer(opt asynq.RedisClientOpt, concurrency int, log *zap.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Logger:      logging.OrNop(log).Sugar(),
	})
}
