package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"metecho/internal/app"
	"metecho/internal/config"
	"metecho/internal/db"
	"metecho/internal/jobs"
	"metecho/internal/logging"
	"metecho/internal/migrate"
	"metecho/internal/notify"
	"metecho/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and GitHub webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logging.Sync()
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if basePath != "" {
				cfg.BasePath = basePath
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("METECHO_JWT_SECRET is required for bearer auth")
			}
			if cfg.GitHubWebhookSecret == "" {
				log.Warn("github_webhook_secret not set; webhook signatures are not checked")
			}

			a, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:        a.Engine,
				BasePath:      cfg.BasePath,
				Auth:          server.AuthConfig{JWTSecret: cfg.JWTSecret, Log: log.Named("auth")},
				WebhookSecret: cfg.GitHubWebhookSecret,
				Log:           log.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				return notify.NewDispatcher(a.Engine.Repo, cfg.Subscribers, log.Named("notify")).Run(gctx)
			})
			if a.Local != nil {
				g.Go(func() error { return a.Local.Run(gctx) })
			}

			log.Info("serving metecho api",
				zap.String("addr", cfg.HTTPAddr),
				zap.String("base_path", cfg.BasePath),
				zap.String("openapi", strings.TrimRight(cfg.BasePath, "/")+"/openapi.json"),
				zap.String("webhook", server.WebhookPath),
				zap.String("queue_driver", cfg.QueueDriver),
			)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http_addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides base_path)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background jobs from Redis (queue_driver=asynq)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logging.Sync()
			if cfg.QueueDriver != "asynq" {
				return fmt.Errorf("worker needs queue_driver=asynq; the local driver runs jobs inside serve")
			}

			a, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.PingRedis(ctx); err != nil {
				return err
			}

			srv := jobs.NewServer(a.RedisOpt(), cfg.AsynqConcurrency, log.Named("asynq"))
			if err := srv.Start(jobs.NewServeMux(a.Runner, log.Named("jobs"))); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			log.Info("worker started", zap.String("redis", cfg.RedisAddr), zap.Int("concurrency", cfg.AsynqConcurrency))
			<-ctx.Done()
			srv.Shutdown()
			log.Info("worker stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := db.Open(db.Config{Workspace: settings.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if !check {
				if err := migrate.MigrateContext(ctx, conn); err != nil {
					return err
				}
			}
			st, err := migrate.Check(ctx, conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(st, table.Row{"Current", "Latest", "Pending"}, func(tw table.Writer) {
				pending := "-"
				if len(st.Pending) > 0 {
					pending = strings.Join(st.Pending, ", ")
				}
				tw.AppendRow(table.Row{st.Current, st.Latest, pending})
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "report pending migrations without applying them")
	return cmd
}

func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(settings)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
