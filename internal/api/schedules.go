package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fitsched/internal/schedule"
)

// TimezoneHeader supplies the default timezone for create and update.
const TimezoneHeader = "X-Timezone"

func (h *handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in schedule.Input
	if err := decode(r, &in); err != nil {
		badRequest(w, "%v", err)
		return
	}
	sc, err := h.Schedules.Create(r.Context(), in, strings.TrimSpace(r.Header.Get(TimezoneHeader)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "Schedule created successfully", sc)
}

func (h *handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var in schedule.Input
	if err := decode(r, &in); err != nil {
		badRequest(w, "%v", err)
		return
	}
	sc, err := h.Schedules.Update(r.Context(), chi.URLParam(r, "id"), in, strings.TrimSpace(r.Header.Get(TimezoneHeader)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Schedule updated successfully", sc)
}

func (h *handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Schedule retrieved successfully", sc)
}

func (h *handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.Schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Schedule deleted successfully", nil)
}

// listSchedules accepts status, action, entityId, userId, page (1-based) and limit.
func (h *handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 20)
	if err != nil {
		badRequest(w, "limit: %v", err)
		return
	}
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		badRequest(w, "page: %v", err)
		return
	}
	if page < 1 {
		page = 1
	}
	f := schedule.Filter{
		Status:   schedule.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Action:   strings.TrimSpace(q.Get("action")),
		EntityID: strings.TrimSpace(q.Get("entityId")),
		UserID:   strings.TrimSpace(q.Get("userId")),
		Limit:    limit,
		Offset:   (page - 1) * limit,
	}
	list, total, err := h.Schedules.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, envelope{Message: "Schedules retrieved successfully", Data: list, Total: &total})
}

func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
