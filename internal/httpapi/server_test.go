package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mohans/genqueue/genqueue"
)

type recordingStarter struct {
	mu     sync.Mutex
	owners []string
}

func (s *recordingStarter) Start(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = append(s.owners, owner)
	return nil
}

func (s *recordingStarter) started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.owners...)
}

type fixture struct {
	handler http.Handler
	starter *recordingStarter
	calls   *int
}

func newFixture(t *testing.T, exec genqueue.ExecutorFunc, checks map[string]HealthCheck) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, genqueue.Migrate(t.Context(), db))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := genqueue.NewSQLStore(db)
	calls := 0
	if exec == nil {
		exec = func(context.Context, genqueue.GenerationSpec) error {
			calls++
			return nil
		}
	}
	worker := genqueue.NewWorker(store, exec, nil, genqueue.WorkerConfig{}, logger)
	starter := &recordingStarter{}
	srv := NewServer(logger, genqueue.NewGateway(store, logger), worker, starter, Options{
		PollInterval: 3 * time.Second,
		PollJitter:   time.Second,
		Checks:       checks,
	})
	return &fixture{handler: srv.Handler(), starter: starter, calls: &calls}
}

func (f *fixture) do(t *testing.T, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const batchBody = `{"items":[
 {"discipline":"Medicine","topic":"Cardiology","board":"USMLE","modality":"multiple_choice","difficulty":"medium","quantity":5},
 {"discipline":"Medicine","board":"USMLE","modality":"true_false","difficulty":"easy","quantity":3}
]}`

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestEnqueueAndStatus(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPost, "/v1/generation-jobs", "u1", batchBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[enqueueResponse](t, rec)
	require.Len(t, created.Items, 2)
	assert.Equal(t, 5, created.Items[0].Target)
	assert.Equal(t, 3, created.Items[1].Target)

	rec = f.do(t, http.MethodGet, "/v1/generation-jobs", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusResponse](t, rec)
	require.Len(t, st.Items, 2)
	assert.Equal(t, created.Items[0].ID, st.Items[0].ID)
	assert.Equal(t, genqueue.StatusPending, st.Items[0].Status)
	assert.Equal(t, "Cardiology", st.Items[0].Spec.Topic)
	assert.Equal(t, genqueue.AggregateProgress{PendingCount: 2, TotalTarget: 8}, st.Progress)
	assert.GreaterOrEqual(t, st.PollAfterMS, int64(3000))
	assert.Less(t, st.PollAfterMS, int64(4000))
	assert.Equal(t, []string{"u1"}, f.starter.started())
}

func TestStatusWithoutActiveItemsDoesNotStartWorker(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/v1/generation-jobs", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusResponse](t, rec)
	assert.Empty(t, st.Items)
	assert.Equal(t, genqueue.AggregateProgress{}, st.Progress)
	assert.Empty(t, f.starter.started())
}

func TestMissingOwnerIsUnauthorized(t *testing.T) {
	f := newFixture(t, nil, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/generation-jobs"},
		{http.MethodGet, "/v1/generation-jobs"},
		{http.MethodDelete, "/v1/generation-jobs"},
		{http.MethodPost, "/v1/generation-jobs/x/advance"},
	} {
		rec := f.do(t, tc.method, tc.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"items":`, "invalid request body"},
		{"unknown field", `{"items":[],"extra":1}`, "invalid request body"},
		{"empty", `{"items":[]}`, "items"},
		{"zero quantity", `{"items":[{"discipline":"M","board":"B","modality":"m","difficulty":"d","quantity":0}]}`, "items[0].quantity"},
		{"missing board", `{"items":[{"discipline":"M","modality":"m","difficulty":"d","quantity":1}]}`, "items[0].board"},
		{"huge quantity", `{"items":[{"discipline":"M","board":"B","modality":"m","difficulty":"d","quantity":3000000000}]}`, "items[0].quantity"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/generation-jobs", "u1", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[errorBody](t, rec).Error, tc.want)
		})
	}

	rec := f.do(t, http.MethodGet, "/v1/generation-jobs", "u1", "")
	assert.Empty(t, decode[statusResponse](t, rec).Items)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil, nil)
	created := decode[enqueueResponse](t, f.do(t, http.MethodPost, "/v1/generation-jobs", "u1", batchBody))
	f.do(t, http.MethodPost, "/v1/generation-jobs", "u2", batchBody)

	rec := f.do(t, http.MethodDelete, "/v1/generation-jobs/"+created.Items[0].ID, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"cancelled": 1}, decode[map[string]int](t, rec))

	// Already cancelled.
	rec = f.do(t, http.MethodDelete, "/v1/generation-jobs/"+created.Items[0].ID, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"cancelled": 0}, decode[map[string]int](t, rec))

	// Foreign owner cannot see the item.
	rec = f.do(t, http.MethodDelete, "/v1/generation-jobs/"+created.Items[1].ID, "u2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/generation-jobs", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"cancelled": 1}, decode[map[string]int](t, rec))

	st := decode[statusResponse](t, f.do(t, http.MethodGet, "/v1/generation-jobs", "u2", ""))
	assert.Len(t, st.Items, 2)
}

func TestAdvance(t *testing.T) {
	f := newFixture(t, nil, nil)
	created := decode[enqueueResponse](t, f.do(t, http.MethodPost, "/v1/generation-jobs", "u1",
		`{"items":[{"discipline":"M","board":"B","modality":"multiple_choice","difficulty":"d","quantity":2}]}`))
	id := created.Items[0].ID

	rec := f.do(t, http.MethodPost, "/v1/generation-jobs/"+id+"/advance", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[genqueue.UnitResult](t, rec)
	assert.Equal(t, genqueue.UnitResult{ItemID: id, Done: 1, Status: genqueue.StatusProcessing}, res)

	rec = f.do(t, http.MethodPost, "/v1/generation-jobs/"+id+"/advance", "u1", "")
	res = decode[genqueue.UnitResult](t, rec)
	assert.Equal(t, genqueue.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Done)

	// Completed items are returned unchanged.
	rec = f.do(t, http.MethodPost, "/v1/generation-jobs/"+id+"/advance", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[genqueue.UnitResult](t, rec).Done)
	assert.Equal(t, 2, *f.calls)

	rec = f.do(t, http.MethodPost, "/v1/generation-jobs/"+id+"/advance", "u2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdvanceRecordsExecutorFailure(t *testing.T) {
	f := newFixture(t, func(context.Context, genqueue.GenerationSpec) error {
		return errors.New("llm returned garbage")
	}, nil)
	created := decode[enqueueResponse](t, f.do(t, http.MethodPost, "/v1/generation-jobs", "u1",
		`{"items":[{"discipline":"M","board":"B","modality":"multiple_choice","difficulty":"d","quantity":1}]}`))

	rec := f.do(t, http.MethodPost, "/v1/generation-jobs/"+created.Items[0].ID+"/advance", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[genqueue.UnitResult](t, rec)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, genqueue.StatusCompleted, res.Status)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, map[string]HealthCheck{
		"db": func(context.Context) error { return nil },
	})
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"db": "ok"}, decode[map[string]string](t, rec))

	f = newFixture(t, nil, map[string]HealthCheck{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "connection refused", decode[map[string]string](t, rec)["redis"])
}

func TestWithCORS(t *testing.T) {
	f := newFixture(t, nil, nil)
	h := WithCORS(f.handler, []string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/generation-jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", OwnerHeader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
