package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fitsched/internal/action"
	"fitsched/internal/api"
	"fitsched/internal/config"
	"fitsched/internal/eventbus"
	"fitsched/internal/executor"
	"fitsched/internal/metrics"
	"fitsched/internal/queue"
	rtsup "fitsched/internal/runtime/supervisor"
	"fitsched/internal/schedule"
	logx "fitsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	res  config.Resolved
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	closeStore closer
	queue      queue.Dispatcher
	registry   *action.Registry
	schedules  *schedule.Service
	exec       *executor.Executor
	metrics    *metrics.Metrics
	server     *api.Server
}

// New loads the config and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, res: res, log: log, logs: logSvc, bus: bus}
	ok := false
	defer func() {
		if !ok {
			a.closeAll()
		}
	}()

	store, shared, closeStore, err := openStore(ctx, res.Storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.closeStore = closeStore

	if a.queue, err = openQueue(ctx, res, shared, root.With(logx.String("comp", "queue"))); err != nil {
		return nil, err
	}
	if a.registry, err = buildRegistry(cfg, res, root.With(logx.String("comp", "actions"))); err != nil {
		return nil, err
	}

	a.schedules = schedule.NewService(store,
		schedule.WithLocation(res.Executor.Location),
		schedule.WithBus(bus),
		schedule.WithLogger(root.With(logx.String("comp", "schedules"))),
	)
	a.exec = executor.New(a.schedules, a.registry, a.queue,
		executor.WithBus(bus),
		executor.WithLogger(root.With(logx.String("comp", "executor"))),
		executor.WithConfig(executorConfig(res)),
	)

	deps := api.Deps{
		Schedules: a.schedules,
		Actions:   a.registry,
		Queue:     a.queue,
		Ticker:    a.exec,
		Log:       root.With(logx.String("comp", "http")),
	}
	if res.Metrics.Enabled {
		a.metrics = metrics.New(root.With(logx.String("comp", "metrics")))
		if err := a.metrics.WatchQueues(a.queue, res.Executor.Queue); err != nil {
			return nil, err
		}
		deps.Metrics = a.metrics.Handler()
	}
	router := api.NewRouter(deps, api.Options{
		Token:       res.HTTP.Token,
		RatePerSec:  res.HTTP.RatePerSec,
		Burst:       res.HTTP.Burst,
		MetricsPath: res.Metrics.Path,
		Pprof:       res.HTTP.Pprof,
	})
	a.server = api.NewServer(serverConfig(res.HTTP), router, root.With(logx.String("comp", "http")))
	if res.HTTP.Public {
		log.Warn("http api bound to a public address without http.token", logx.String("addr", res.HTTP.Addr))
	}

	ok = true
	return a, nil
}

func executorConfig(r config.Resolved) executor.Config {
	return executor.Config{
		Queue:       r.Executor.Queue,
		Location:    r.Executor.Location,
		Tick:        r.Executor.Tick,
		Concurrency: r.Executor.Concurrency,
	}
}

func serverConfig(h config.ResolvedHTTP) api.ServerConfig {
	return api.ServerConfig{
		Addr:         h.Addr,
		ReadTimeout:  h.ReadTimeout,
		WriteTimeout: h.WriteTimeout,
		IdleTimeout:  h.IdleTimeout,
	}
}

// Schedules exposes the schedule service to embedding callers.
func (a *App) Schedules() *schedule.Service { return a.schedules }

// Registry lets callers register their own actions before Start.
func (a *App) Registry() *action.Registry { return a.registry }

// Addr returns the bound API address ("" before Start).
func (a *App) Addr() string { return a.server.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		r, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		return executor.ValidateTick(r.Executor.Tick)
	})

	if missing, err := a.exec.VerifyActions(runCtx); err != nil {
		a.log.Warn("action check failed", logx.Err(err))
	} else if len(missing) > 0 {
		a.log.Warn("schedules reference unregistered actions", logx.Any("actions", missing))
	}

	if a.metrics != nil {
		a.sup.Go0("metrics.events", func(c context.Context) { a.metrics.Run(c, a.bus) })
	}
	a.sup.Go0("eventbus.log", a.logEvents)

	queueName := a.res.Executor.Queue
	a.sup.GoRestart("queue.consume", func(c context.Context) error {
		return a.queue.Consume(c, queueName, a.exec.HandleJob)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if a.res.Executor.Enabled {
		if err := a.exec.Start(runCtx, a.res.Executor.RunOnBoot); err != nil {
			return fmt.Errorf("start executor: %w", err)
		}
	} else {
		a.log.Info("executor disabled; jobs already queued still run")
	}

	if err := a.server.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("addr", a.server.Addr()), logx.String("queue", queueName))
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop intake first: no new requests or ticks while workers drain.
	a.step(ctx, "http", 5*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	a.step(ctx, "executor", 5*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 10*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { a.closeAll(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeAll() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn("queue close failed", logx.Err(err))
		}
		a.queue = nil
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.closeStore = nil
	}
}

// step runs one shutdown step bounded by max (never past ctx's deadline).
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
