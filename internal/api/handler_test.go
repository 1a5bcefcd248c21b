package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/config"
	"github.com/MurbotLabs/Forked/internal/domain"
	"github.com/MurbotLabs/Forked/internal/fork"
	"github.com/MurbotLabs/Forked/internal/gateway"
	"github.com/MurbotLabs/Forked/internal/lineage"
	"github.com/MurbotLabs/Forked/internal/policy"
	"github.com/MurbotLabs/Forked/internal/rewind"
	"github.com/MurbotLabs/Forked/internal/store"
)

type stubGateway struct{}

func (stubGateway) RunAgent(ctx context.Context, message, sessionKey string) (*gateway.AgentResult, error) {
	return &gateway.AgentResult{}, nil
}

func (stubGateway) Send(ctx context.Context, channel, to, message string) error {
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pol, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	log := zap.NewNop()
	cfg := config.Load(t.TempDir())
	ln := lineage.NewEngine(st, log)
	rw := rewind.NewEngine(st, log)
	fk := fork.NewEngine(st, ln, rw, stubGateway{}, pol, cfg, log)
	return NewHandler(st, ln, rw, fk, cfg, log), st
}

func TestHealth(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp, "uptime")
}

func TestGetConfigRetention(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.NoError(t, h.GetConfig(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	assert.Equal(t, float64(config.DefaultRetentionDays), resp["retentionDays"])
}

func TestGetOpenclawConfigUnreadable(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/openclaw-config", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.NoError(t, h.GetOpenclawConfig(c))

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	assert.Equal(t, false, resp["ok"])
	assert.NotEmpty(t, resp["error"])
}

func TestListSessionsEmptyArray(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.NoError(t, h.ListSessions(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestGetTracesStampsBranchKey(t *testing.T) {
	e := echo.New()
	h, st := newTestHandler(t)
	ctx := context.Background()

	stamp := h.lineage.Resolve(ctx, "R1", "S", domain.StreamLifecycle)
	_, err := st.InsertEvent(ctx, &domain.Event{
		RunID: "R1", SessionKey: "S", Seq: 1, Stream: domain.StreamLifecycle, Ts: 1000,
		Data: json.RawMessage(`{"type":"session_start"}`), IsFork: stamp.IsFork,
	})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/traces/S", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("S")

	assert.NoError(t, h.GetTraces(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var events []domain.Event
	json.Unmarshal(rec.Body.Bytes(), &events)
	assert.Len(t, events, 1)
	assert.Equal(t, domain.MainBranch, events[0].BranchKey)
}

func TestPreviewRewindBadSeq(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/rewind/preview/R1/x", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("runId", "seq")
	c.SetParamValues("R1", "x")

	assert.NoError(t, h.PreviewRewind(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRewindMissingParams(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rewind", strings.NewReader(`{"runId":"R1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.NoError(t, h.ExecuteRewind(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRewindNoSnapshots(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rewind", strings.NewReader(`{"runId":"R1","targetSeq":0}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.NoError(t, h.ExecuteRewind(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["message"], "No file snapshots")
}

func TestExecuteForkMissingParams(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/fork", strings.NewReader(`{"modifiedData":{}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.NoError(t, h.ExecuteFork(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteForkSuccess(t *testing.T) {
	e := echo.New()
	h, st := newTestHandler(t)
	ctx := context.Background()

	_, err := st.InsertEvent(ctx, &domain.Event{
		RunID: "origin", SessionKey: "S", Seq: 1, Stream: domain.StreamLifecycle, Ts: 1000,
		Data: json.RawMessage(`{"type":"message_received","content":"question"}`),
	})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/fork",
		strings.NewReader(`{"originalRunId":"origin","forkFromSeq":2,"modifiedData":{"prompt":"edited"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.NoError(t, h.ExecuteFork(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	assert.Equal(t, true, resp["success"])
	assert.True(t, strings.HasPrefix(resp["newRunId"].(string), "fork_"))
}

func TestAllowLocalOrigin(t *testing.T) {
	for origin, want := range map[string]bool{
		"http://localhost:5173": true,
		"http://127.0.0.1:8000": true,
		"https://localhost":     true,
		"https://example.com":   false,
		"http://127.0.0.1.evil": false,
	} {
		got, err := AllowLocalOrigin(origin)
		assert.NoError(t, err)
		assert.Equal(t, want, got, origin)
	}
}
