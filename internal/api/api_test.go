package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fitsched/internal/action"
	"fitsched/internal/executor"
	"fitsched/internal/queue"
	"fitsched/internal/recurrence"
	"fitsched/internal/schedule"
	logx "fitsched/pkg/logx"
)

type fixture struct {
	svc *schedule.Service
	q   *queue.Memory
	srv *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := schedule.NewService(schedule.NewMemoryStore(),
		schedule.WithCalculator(recurrence.NewCalculator(recurrence.WithClock(clock))))
	q := queue.NewMemory(queue.Options{}, logx.Nop())
	q.SetClock(clock)
	reg := action.NewRegistry()
	reg.MustRegister("log.message", func(context.Context, action.Call) error { return nil }, action.Meta{Description: "log it"})
	exec := executor.New(svc, reg, q)

	f := &fixture{svc: svc, q: q}
	f.srv = httptest.NewServer(NewRouter(Deps{
		Schedules: svc,
		Actions:   reg,
		Queue:     q,
		Ticker:    exec,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
	}, opts))
	t.Cleanup(f.srv.Close)
	return f
}

type reply struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Total   *int            `json:"total"`
	Error   string          `json:"error"`
	Field   string          `json:"field"`
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr map[string]string) (int, reply) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out reply
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func daily(title string) map[string]any {
	return map[string]any{"title": title, "action": "log.message", "frequency": "DAILY", "timeOfDay": "09:00"}
}

func TestScheduleCRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	code, r := f.do(t, http.MethodPost, "/schedules", daily("morning"), map[string]string{TimezoneHeader: "Europe/Berlin"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %+v", code, r)
	}
	var sc schedule.Schedule
	if err := json.Unmarshal(r.Data, &sc); err != nil {
		t.Fatal(err)
	}
	if sc.Timezone != "Europe/Berlin" || sc.CronExpression != "0 9 * * *" {
		t.Fatalf("created = %+v", sc)
	}

	code, r = f.do(t, http.MethodPatch, "/schedules/"+sc.ID, map[string]any{"timeOfDay": "07:30"}, nil)
	if code != http.StatusOK {
		t.Fatalf("patch = %d %+v", code, r)
	}
	var upd schedule.Schedule
	_ = json.Unmarshal(r.Data, &upd)
	if upd.CronExpression != "30 7 * * *" {
		t.Fatalf("patched cron = %q", upd.CronExpression)
	}

	if code, _ := f.do(t, http.MethodGet, "/schedules/"+sc.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if code, r := f.do(t, http.MethodDelete, "/schedules/"+sc.ID, nil, nil); code != http.StatusOK || r.Message == "" {
		t.Fatalf("delete = %d %+v", code, r)
	}
	if code, _ := f.do(t, http.MethodGet, "/schedules/"+sc.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", code)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"missing title", map[string]any{"action": "a", "timeOfDay": "09:00"}, "title"},
		{"bad time", map[string]any{"title": "x", "action": "a", "timeOfDay": "25:00"}, "timeOfDay"},
		{"weekly without days", map[string]any{"title": "x", "action": "a", "timeOfDay": "09:00", "frequency": "WEEKLY"}, "weekDays"},
		{"unknown field", `{"title":"x","bogus":1}`, ""},
		{"not json", `{`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, r := f.do(t, http.MethodPost, "/schedules", tt.body, nil)
			if code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%+v)", code, r)
			}
			if r.Field != tt.field {
				t.Fatalf("field = %q, want %q", r.Field, tt.field)
			}
		})
	}
}

func TestListSchedulesPaging(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	for i := 0; i < 5; i++ {
		if code, _ := f.do(t, http.MethodPost, "/schedules", daily(fmt.Sprintf("s%d", i)), nil); code != http.StatusCreated {
			t.Fatalf("create %d = %d", i, code)
		}
	}
	code, r := f.do(t, http.MethodGet, "/schedules?limit=2&page=3", nil, nil)
	if code != http.StatusOK || r.Total == nil || *r.Total != 5 {
		t.Fatalf("list = %d %+v", code, r)
	}
	var page []schedule.Schedule
	_ = json.Unmarshal(r.Data, &page)
	if len(page) != 1 {
		t.Fatalf("page 3 len = %d, want 1", len(page))
	}
	if code, _ := f.do(t, http.MethodGet, "/schedules?status=bogus", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad status = %d, want 400", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/schedules?limit=x", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", code)
	}
}

func TestQueueAdmin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, _, err := f.q.Enqueue(ctx, queue.JobSpec{ID: "j1", Queue: "schedules", Delay: time.Hour}); err != nil {
		t.Fatal(err)
	}

	code, r := f.do(t, http.MethodGet, "/queues/schedules/jobs?state=delayed,waiting", nil, nil)
	if code != http.StatusOK || r.Total == nil || *r.Total != 1 {
		t.Fatalf("jobs = %d %+v", code, r)
	}
	if code, _ := f.do(t, http.MethodGet, "/queues/schedules/jobs?state=lost", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad state = %d, want 400", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/queues/schedules/jobs/j1/retry", nil, nil); code != http.StatusConflict {
		t.Fatalf("retry delayed job = %d, want 409", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/queues/schedules/jobs/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing job = %d, want 404", code)
	}

	if code, _ := f.do(t, http.MethodPost, "/queues/schedules/pause", nil, nil); code != http.StatusOK {
		t.Fatalf("pause = %d", code)
	}
	_, r = f.do(t, http.MethodGet, "/queues/schedules/stats", nil, nil)
	var st queue.Stats
	_ = json.Unmarshal(r.Data, &st)
	if !st.Paused || st.Delayed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if code, _ := f.do(t, http.MethodPost, "/queues/schedules/resume", nil, nil); code != http.StatusOK {
		t.Fatalf("resume = %d", code)
	}
	if code, _ := f.do(t, http.MethodDelete, "/queues/schedules/jobs/j1", nil, nil); code != http.StatusOK {
		t.Fatalf("remove = %d", code)
	}
}

func TestTickAndActions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	if code, _ := f.do(t, http.MethodPost, "/schedules", daily("morning"), nil); code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	if _, r := f.do(t, http.MethodGet, "/executor/tick", nil, nil); len(r.Data) != 0 {
		t.Fatalf("last tick before any = %s", r.Data)
	}
	code, r := f.do(t, http.MethodPost, "/executor/tick", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("tick = %d %+v", code, r)
	}
	var res executor.TickResult
	_ = json.Unmarshal(r.Data, &res)
	if res.Due != 1 || res.Dispatched != 1 || res.Day != "2026-03-02" {
		t.Fatalf("tick result = %+v", res)
	}

	_, r = f.do(t, http.MethodGet, "/actions", nil, nil)
	var infos []action.Info
	_ = json.Unmarshal(r.Data, &infos)
	if len(infos) != 1 || infos[0].Name != "log.message" {
		t.Fatalf("actions = %+v", infos)
	}
}

func TestAuthAndRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{Token: "s3cret", RatePerSec: 0.001, Burst: 1})

	if code, _ := f.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/metrics", nil, nil); code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/schedules", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	auth := map[string]string{"Authorization": "Bearer s3cret"}
	if code, _ := f.do(t, http.MethodGet, "/schedules", nil, auth); code != http.StatusOK {
		t.Fatalf("with token = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/schedules", nil, auth); code != http.StatusTooManyRequests {
		t.Fatalf("over limit = %d, want 429", code)
	}
}

type brokenSchedules struct{ Schedules }

func (brokenSchedules) Get(context.Context, string) (*schedule.Schedule, error) {
	return nil, errors.New("disk on fire")
}

func TestInternalErrorsAreMasked(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewRouter(Deps{Schedules: brokenSchedules{}}, Options{}))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/schedules/x")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var r reply
	_ = json.NewDecoder(resp.Body).Decode(&r)
	if resp.StatusCode != http.StatusInternalServerError || r.Error != "internal error" {
		t.Fatalf("= %d %+v", resp.StatusCode, r)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{&schedule.ValidationError{Field: "title", Message: "required"}, http.StatusBadRequest},
		{&schedule.NotFoundError{Kind: "schedule", ID: "x"}, http.StatusNotFound},
		{queue.NotFound("q", "j"), http.StatusNotFound},
		{&action.NotFoundError{Name: "a"}, http.StatusNotFound},
		{queue.NotFailed("q", "j", queue.StateActive), http.StatusConflict},
		{queue.Wrap("stats", "q", errors.New("nats: timeout")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
