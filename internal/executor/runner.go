package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "fitsched/pkg/logx"
)

var tickParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateTick checks a tick expression.
func ValidateTick(expr string) error {
	if _, err := tickParser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("executor tick %q: %w", expr, err)
	}
	return nil
}

// Start schedules the daily tick and, when runNow is set, runs one tick
// immediately (boot-time catch-up).
func (e *Executor) Start(ctx context.Context, runNow bool) error {
	e.mu.Lock()
	if e.cron != nil {
		e.mu.Unlock()
		return nil
	}
	if err := e.startCronLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	e.running = true
	cfg := e.cfg
	e.mu.Unlock()

	e.log.Info("executor started", logx.String("tick", cfg.Tick), logx.String("tz", cfg.Location.String()), logx.String("queue", cfg.Queue))
	if runNow {
		if _, err := e.SetupDailySchedules(ctx); err != nil {
			e.log.Error("boot tick failed", logx.Err(err))
		}
	}
	return nil
}

func (e *Executor) startCronLocked(ctx context.Context) error {
	c := cron.New(cron.WithParser(tickParser), cron.WithLocation(e.cfg.Location))
	_, err := c.AddFunc(e.cfg.Tick, func() {
		if _, err := e.SetupDailySchedules(ctx); err != nil {
			e.log.Error("daily tick failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("executor tick %q: %w", e.cfg.Tick, err)
	}
	c.Start()
	e.cron = c
	return nil
}

// Stop stops the tick trigger, waiting for a running tick up to ctx.
func (e *Executor) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.running = false
	e.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	e.log.Info("executor stopped")
}

// Reconfigure applies a new tick, timezone or concurrency, restarting the
// trigger if it is running. The queue name is fixed for the process lifetime.
func (e *Executor) Reconfigure(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := ValidateTick(cfg.Tick); err != nil {
		return err
	}
	e.mu.Lock()
	cfg.Queue = e.cfg.Queue
	if cfg == e.cfg {
		e.mu.Unlock()
		return nil
	}
	e.cfg = cfg
	old := e.cron
	e.cron = nil
	e.mu.Unlock()
	if old == nil {
		return nil
	}

	// A running tick reads the config, so wait for it without holding mu.
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	select {
	case <-old.Stop().Done():
	case <-stopCtx.Done():
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil || !e.running {
		return nil
	}
	if err := e.startCronLocked(ctx); err != nil {
		return err
	}
	e.log.Info("executor reconfigured", logx.String("tick", cfg.Tick), logx.String("tz", cfg.Location.String()), logx.Int("concurrency", cfg.Concurrency))
	return nil
}
