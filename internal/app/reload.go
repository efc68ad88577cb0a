package app

import (
	"context"
	"strings"

	"fitsched/internal/config"
	logx "fitsched/pkg/logx"
)

// reloadLoop applies hot config updates published by the config watcher.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	res, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range config.RestartRequired(sections) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			if err := a.logs.Apply(logConfig(newCfg)); err != nil {
				a.log.Warn("log file unavailable, logging to console", logx.Err(err))
			}
		case "executor":
			a.applyExecutor(c, res)
		case "http":
			a.applyHTTP(c, res.HTTP)
		}
	}
	a.res.Executor, a.res.HTTP = res.Executor, res.HTTP
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyExecutor(c context.Context, res config.Resolved) {
	if res.Executor.Queue != a.res.Executor.Queue {
		a.log.Warn("executor.queue changed; restart required for changes to take effect")
	}
	a.schedules.SetLocation(res.Executor.Location)
	if err := a.exec.Reconfigure(c, executorConfig(res)); err != nil {
		a.log.Warn("executor reconfigure failed", logx.Err(err))
		return
	}
	switch {
	case res.Executor.Enabled && !a.res.Executor.Enabled:
		if err := a.exec.Start(c, false); err != nil {
			a.log.Warn("executor start failed", logx.Err(err))
		}
	case !res.Executor.Enabled && a.res.Executor.Enabled:
		a.exec.Stop(c)
	}
}

// applyHTTP rebinds the listener for addr and timeout changes. Router
// options (token, rate limit, pprof) are fixed at startup.
func (a *App) applyHTTP(c context.Context, h config.ResolvedHTTP) {
	cur := a.res.HTTP
	if h.Token != cur.Token || h.RatePerSec != cur.RatePerSec || h.Burst != cur.Burst || h.Pprof != cur.Pprof {
		a.log.Warn("http auth, rate limit or pprof changed; restart required for changes to take effect")
	}
	if h.Addr == cur.Addr && h.ReadTimeout == cur.ReadTimeout && h.WriteTimeout == cur.WriteTimeout && h.IdleTimeout == cur.IdleTimeout {
		return
	}
	if h.Public {
		a.log.Warn("http api bound to a public address without http.token", logx.String("addr", h.Addr))
	}
	if err := a.server.Reconfigure(c, serverConfig(h)); err != nil {
		a.log.Warn("http reconfigure failed", logx.Err(err))
	}
}
