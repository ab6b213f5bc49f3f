// Package app wires the database, job queue, external clients and engine
// for the server, worker and command line entry points.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"metecho/internal/config"
	"metecho/internal/db"
	"metecho/internal/engine"
	"metecho/internal/gh"
	"metecho/internal/jobs"
	"metecho/internal/logging"
	"metecho/internal/migrate"
	"metecho/internal/sf"
	"metecho/internal/worker"
)

// App is one process's set of wired services.
type App struct {
	Config *config.Config
	Log    *zap.Logger
	DB     *sql.DB
	Engine engine.Engine
	Runner *worker.Runner

	// Local is set for queue_driver=local; Asynq for queue_driver=asynq.
	Local *jobs.LocalQueue
	Asynq *jobs.AsynqQueue
}

// Open prepares the workspace, applies migrations and builds the engine on
// the configured queue driver. GitHub calls are disabled when no token is
// configured.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	log = logging.OrNop(log)
	if _, err := db.EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{Config: cfg, Log: log, DB: conn}
	var github gh.Client
	if cfg.GitHubToken != "" {
		rest, err := gh.NewREST(cfg.GitHubAPIURL, cfg.GitHubToken)
		if err != nil {
			conn.Close()
			return nil, err
		}
		github = rest
	}
	salesforce := sf.NewREST(cfg.SFAPIVersion, cfg.SFDevHubInstance, cfg.SFDevHubToken)

	var queue jobs.Queue
	switch cfg.QueueDriver {
	case "asynq":
		a.Asynq = jobs.NewAsynqQueue(a.RedisOpt())
		queue = a.Asynq
	default:
		a.Local = jobs.NewLocalQueue(cfg.LocalWorkers, log.Named("jobs"))
		queue = a.Local
	}

	a.Engine = engine.New(conn, cfg, queue, github, log.Named("engine"))
	a.Runner = worker.New(a.Engine, github, salesforce, log.Named("worker"))
	if a.Local != nil {
		a.Local.Dispatcher = a.Runner
	}
	return a, nil
}

// RedisOpt returns the asynq connection settings.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: a.Config.RedisAddr, Password: a.Config.RedisPassword}
}

// PingRedis checks the broker is reachable before a worker starts pulling
// tasks from it.
func (a *App) PingRedis(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr, Password: a.Config.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", a.Config.RedisAddr, err)
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.Asynq != nil {
		errs = append(errs, a.Asynq.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
