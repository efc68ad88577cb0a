package app

import (
	"context"
	"fmt"
	"strings"

	"fitsched/internal/action"
	"fitsched/internal/actions"
	"fitsched/internal/config"
	"fitsched/internal/queue"
	"fitsched/internal/queue/natsq"
	"fitsched/internal/queue/sqliteq"
	"fitsched/internal/schedule"
	"fitsched/internal/storage"
	logx "fitsched/pkg/logx"
)

// closer releases a component at shutdown.
type closer func() error

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// openStore returns the schedule store and, for sqlite, the store itself so
// the queue can share its connection.
func openStore(ctx context.Context, r config.ResolvedStorage, log logx.Logger) (schedule.Store, *storage.SQLiteStore, closer, error) {
	switch r.Driver {
	case "memory":
		log.Warn("schedule store is in memory; schedules are lost on restart")
		return schedule.NewMemoryStore(), nil, func() error { return nil }, nil
	default:
		st, err := storage.Open(ctx, storage.Config{Driver: r.Driver, Path: r.Path, BusyTimeout: r.BusyTimeout}, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open storage: %w", err)
		}
		log.Info("storage opened", logx.String("driver", r.Driver), logx.String("path", r.Path))
		return st, st, st.Close, nil
	}
}

// openQueue builds the configured dispatcher. A sqlite queue on the storage
// path shares the store's single connection.
func openQueue(ctx context.Context, r config.Resolved, shared *storage.SQLiteStore, log logx.Logger) (queue.Dispatcher, error) {
	opts := queue.Options{
		Workers:           r.Queue.Workers,
		PollInterval:      r.Queue.PollInterval,
		VisibilityTimeout: r.Queue.VisibilityTimeout,
		Retention:         r.Queue.Retention,
	}
	switch r.Queue.Driver {
	case "memory":
		log.Warn("job queue is in memory; pending jobs are lost on restart")
		return queue.NewMemory(opts, log), nil
	case "nats":
		q, err := natsq.New(ctx, r.Queue.NatsURL, opts, log)
		if err != nil {
			return nil, fmt.Errorf("open nats queue: %w", err)
		}
		log.Info("queue opened", logx.String("driver", "nats"), logx.String("url", r.Queue.NatsURL))
		return q, nil
	default:
		if shared != nil && r.Queue.Path == r.Storage.Path {
			q, err := sqliteq.New(ctx, shared.DB(), opts, log)
			if err != nil {
				return nil, fmt.Errorf("open sqlite queue: %w", err)
			}
			log.Info("queue opened", logx.String("driver", "sqlite"), logx.String("path", r.Queue.Path), logx.Bool("shared", true))
			return q, nil
		}
		db, err := storage.OpenDB(ctx, storage.Config{Path: r.Queue.Path, BusyTimeout: r.Storage.BusyTimeout})
		if err != nil {
			return nil, fmt.Errorf("open queue database: %w", err)
		}
		q, err := sqliteq.New(ctx, db, opts, log)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		q.OwnDB()
		log.Info("queue opened", logx.String("driver", "sqlite"), logx.String("path", r.Queue.Path))
		return q, nil
	}
}

func buildRegistry(cfg *config.Config, r config.Resolved, log logx.Logger) (*action.Registry, error) {
	reg := action.NewRegistry(
		action.WithDefaultTimeout(r.Executor.ActionTimeout),
		action.WithLogger(log),
	)
	deps := actions.Deps{Log: log.With(logx.String("comp", "action.log"))}
	if cfg.Telegram != nil && strings.TrimSpace(cfg.Telegram.Token) != "" {
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 0)
		if err != nil {
			return nil, err
		}
		tg, err := actions.NewTelegram(cfg.Telegram.Token, timeout)
		if err != nil {
			return nil, fmt.Errorf("telegram action: %w", err)
		}
		deps.Telegram = tg
	}
	if err := actions.RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	log.Info("actions registered", logx.Any("names", reg.Names()))
	return reg, nil
}
