package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fitsched/internal/action"
	"fitsched/internal/executor"
	"fitsched/internal/queue"
	"fitsched/internal/schedule"
	logx "fitsched/pkg/logx"
)

// Schedules is the schedule CRUD the API exposes. *schedule.Service satisfies it.
type Schedules interface {
	Create(ctx context.Context, in schedule.Input, tz string) (*schedule.Schedule, error)
	Update(ctx context.Context, id string, in schedule.Input, tz string) (*schedule.Schedule, error)
	Get(ctx context.Context, id string) (*schedule.Schedule, error)
	List(ctx context.Context, f schedule.Filter) ([]*schedule.Schedule, int, error)
	Delete(ctx context.Context, id string) error
}

// Actions lists registered actions. *action.Registry satisfies it.
type Actions interface {
	Describe() []action.Info
}

// Ticker triggers and reports the daily tick. *executor.Executor satisfies it.
type Ticker interface {
	SetupDailySchedules(ctx context.Context) (executor.TickResult, error)
	LastTick() (executor.TickResult, bool)
}

var (
	_ Schedules = (*schedule.Service)(nil)
	_ Actions   = (*action.Registry)(nil)
	_ Ticker    = (*executor.Executor)(nil)
)

// Deps are the collaborators behind the routes. Queue, Ticker and Metrics
// are optional; their routes are not mounted when nil.
type Deps struct {
	Schedules Schedules
	Actions   Actions
	Queue     queue.Dispatcher
	Ticker    Ticker
	Metrics   http.Handler
	Log       logx.Logger
}

// Options tune the router.
type Options struct {
	Token       string
	RatePerSec  float64
	Burst       int
	MetricsPath string
	Pprof       bool
}

type handler struct {
	Deps
	log logx.Logger
}

// NewRouter builds the chi router.
func NewRouter(d Deps, opts Options) http.Handler {
	h := &handler{Deps: d, log: d.Log}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if d.Metrics != nil {
		path := strings.TrimSpace(opts.MetricsPath)
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(opts.Token))
		r.Use(rateLimit(opts.RatePerSec, opts.Burst))

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", h.createSchedule)
			r.Get("/", h.listSchedules)
			r.Get("/{id}", h.getSchedule)
			r.Patch("/{id}", h.updateSchedule)
			r.Delete("/{id}", h.deleteSchedule)
		})
		if d.Actions != nil {
			r.Get("/actions", h.listActions)
		}
		if d.Queue != nil {
			r.Route("/queues/{queue}", func(r chi.Router) {
				r.Get("/stats", h.queueStats)
				r.Get("/jobs", h.listJobs)
				r.Get("/jobs/{id}", h.getJob)
				r.Delete("/jobs/{id}", h.removeJob)
				r.Post("/jobs/{id}/retry", h.retryJob)
				r.Post("/pause", h.pauseQueue)
				r.Post("/resume", h.resumeQueue)
			})
		}
		if d.Ticker != nil {
			r.Post("/executor/tick", h.runTick)
			r.Get("/executor/tick", h.lastTick)
		}
		if opts.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	ok(w, http.StatusOK, "ok", nil)
}
