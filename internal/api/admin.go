package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fitsched/internal/action"
	"fitsched/internal/queue"
	logx "fitsched/pkg/logx"
)

func (h *handler) listActions(w http.ResponseWriter, _ *http.Request) {
	infos := h.Actions.Describe()
	if infos == nil {
		infos = []action.Info{}
	}
	total := len(infos)
	writeJSON(w, http.StatusOK, envelope{Message: "Actions retrieved successfully", Data: infos, Total: &total})
}

func (h *handler) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Queue.Stats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Queue stats retrieved successfully", st)
}

// listJobs accepts state (repeatable or comma separated), tag and limit.
func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.JobFilter{Tag: strings.TrimSpace(q.Get("tag"))}
	for _, raw := range q["state"] {
		for _, s := range strings.Split(raw, ",") {
			st := queue.State(strings.ToLower(strings.TrimSpace(s)))
			if st == "" {
				continue
			}
			if !st.Valid() {
				badRequest(w, "state: unknown %q", s)
				return
			}
			f.States = append(f.States, st)
		}
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil || limit < 0 {
		badRequest(w, "limit: want a non-negative integer")
		return
	}
	f.Limit = limit

	jobs, err := h.Queue.Jobs(r.Context(), chi.URLParam(r, "queue"), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	total := len(jobs)
	writeJSON(w, http.StatusOK, envelope{Message: "Jobs retrieved successfully", Data: jobs, Total: &total})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Queue.Get(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Job retrieved successfully", job)
}

func (h *handler) removeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Remove(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Job removed successfully", nil)
}

func (h *handler) retryJob(w http.ResponseWriter, r *http.Request) {
	name, id := chi.URLParam(r, "queue"), chi.URLParam(r, "id")
	if err := h.Queue.Retry(r.Context(), name, id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("job retried by operator", logx.String("queue", name), logx.String("job_id", id))
	ok(w, http.StatusOK, "Job queued for retry", nil)
}

func (h *handler) pauseQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if err := h.Queue.Pause(r.Context(), name); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("queue paused", logx.String("queue", name))
	ok(w, http.StatusOK, "Queue paused", nil)
}

func (h *handler) resumeQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if err := h.Queue.Resume(r.Context(), name); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("queue resumed", logx.String("queue", name))
	ok(w, http.StatusOK, "Queue resumed", nil)
}

func (h *handler) runTick(w http.ResponseWriter, r *http.Request) {
	res, err := h.Ticker.SetupDailySchedules(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Tick completed", res)
}

func (h *handler) lastTick(w http.ResponseWriter, _ *http.Request) {
	res, found := h.Ticker.LastTick()
	if !found {
		ok(w, http.StatusOK, "No tick has run yet", nil)
		return
	}
	ok(w, http.StatusOK, "Last tick", res)
}
