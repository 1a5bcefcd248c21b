// Package api provides the loopback HTTP surface consumed by the UI.
package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/config"
	"github.com/MurbotLabs/Forked/internal/domain"
	"github.com/MurbotLabs/Forked/internal/fork"
	"github.com/MurbotLabs/Forked/internal/gateway"
	"github.com/MurbotLabs/Forked/internal/lineage"
	"github.com/MurbotLabs/Forked/internal/rewind"
	"github.com/MurbotLabs/Forked/internal/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store     store.Store
	lineage   *lineage.Engine
	rewind    *rewind.Engine
	fork      *fork.Engine
	cfg       *config.Config
	log       *zap.Logger
	startedAt time.Time
}

// NewHandler creates a new handler.
func NewHandler(st store.Store, ln *lineage.Engine, rw *rewind.Engine, fk *fork.Engine, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		store:     st,
		lineage:   ln,
		rewind:    rw,
		fork:      fk,
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/health", h.Health)
	e.GET("/api/config", h.GetConfig)
	e.GET("/api/openclaw-config", h.GetOpenclawConfig)
	e.GET("/api/sessions", h.ListSessions)
	e.GET("/api/traces/:id", h.GetTraces)
	e.GET("/api/snapshots/:id", h.GetSnapshots)
	e.GET("/api/rewind/preview/:runId/:seq", h.PreviewRewind)
	e.POST("/api/rewind", h.ExecuteRewind)
	e.POST("/api/fork", h.ExecuteFork)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// AllowLocalOrigin accepts only localhost origins for CORS.
func AllowLocalOrigin(origin string) (bool, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return false, nil
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1", nil
}

// Health returns daemon liveness and uptime.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(h.startedAt).Seconds()),
	})
}

// GetConfig returns the effective retention setting.
func (h *Handler) GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"retentionDays": h.cfg.RetentionSetting(),
	})
}

// GetOpenclawConfig returns the sanitized host configuration.
func (h *Handler) GetOpenclawConfig(c echo.Context) error {
	sanitized, err := h.cfg.Sanitized()
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":     true,
		"config": sanitized,
	})
}

// ListSessions returns one aggregate row per run.
func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.store.ListSessions(c.Request().Context())
	if err != nil {
		h.log.Error("list sessions failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	if sessions == nil {
		sessions = []domain.SessionRow{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// GetTraces returns the events of a session (or single run), each stamped
// with its branch key.
func (h *Handler) GetTraces(c echo.Context) error {
	id := c.Param("id")
	events, err := h.store.ListTracesBySessionID(c.Request().Context(), id)
	if err != nil {
		h.log.Error("list traces failed", zap.String("id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	for i := range events {
		events[i].BranchKey = h.lineage.BranchKey(events[i].RunID)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// GetSnapshots returns the file snapshots of a session (or single run).
func (h *Handler) GetSnapshots(c echo.Context) error {
	id := c.Param("id")
	snaps, err := h.store.ListSnapshotsBySessionID(c.Request().Context(), id)
	if err != nil {
		h.log.Error("list snapshots failed", zap.String("id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	if snaps == nil {
		snaps = []domain.FileSnapshot{}
	}
	return c.JSON(http.StatusOK, snaps)
}

// PreviewRewind computes the files a rewind would touch.
func (h *Handler) PreviewRewind(c echo.Context) error {
	runID := c.Param("runId")
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if runID == "" || err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "runId and seq are required"})
	}

	preview, err := h.rewind.Preview(c.Request().Context(), runID, seq)
	if errors.Is(err, rewind.ErrNoSnapshots) {
		return c.JSON(http.StatusOK, rewind.Preview{RunID: runID, TargetSeq: seq, Files: []rewind.PreviewFile{}})
	}
	if err != nil {
		h.log.Error("rewind preview failed", zap.String("run_id", runID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	return c.JSON(http.StatusOK, preview)
}

type rewindRequest struct {
	RunID     string `json:"runId"`
	TargetSeq *int64 `json:"targetSeq"`
}

// ExecuteRewind rolls the filesystem back to the state at the target seq.
func (h *Handler) ExecuteRewind(c echo.Context) error {
	var req rewindRequest
	if err := c.Bind(&req); err != nil || req.RunID == "" || req.TargetSeq == nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "runId and targetSeq are required",
		})
	}

	result, err := h.rewind.Execute(c.Request().Context(), req.RunID, *req.TargetSeq)
	if errors.Is(err, rewind.ErrNoSnapshots) {
		return c.JSON(http.StatusOK, map[string]any{
			"success": false,
			"message": "No file snapshots recorded at or before this point",
		})
	}
	if err != nil {
		h.log.Error("rewind failed", zap.String("run_id", req.RunID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":       result.Success,
		"backupId":      result.BackupID,
		"filesAffected": result.FilesAffected,
		"results":       result.Results,
	})
}

type forkRequest struct {
	OriginalRunID string         `json:"originalRunId"`
	ForkFromSeq   *int64         `json:"forkFromSeq"`
	ModifiedData  map[string]any `json:"modifiedData"`
}

// ExecuteFork re-runs the agent from a prior event with edited inputs.
func (h *Handler) ExecuteFork(c echo.Context) error {
	var req forkRequest
	if err := c.Bind(&req); err != nil || req.OriginalRunID == "" || req.ForkFromSeq == nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "originalRunId and forkFromSeq are required",
		})
	}

	result, err := h.fork.Fork(c.Request().Context(), req.OriginalRunID, *req.ForkFromSeq, req.ModifiedData)
	if err != nil {
		if result == nil {
			result = &fork.Result{Success: false, Message: err.Error()}
		}
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			return c.JSON(http.StatusBadGateway, result)
		}
		if errors.Is(err, rewind.ErrNoSnapshots) {
			return c.JSON(http.StatusOK, result)
		}
		h.log.Error("fork failed", zap.String("origin_run_id", req.OriginalRunID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, result)
	}

	return c.JSON(http.StatusOK, result)
}

func errorBody(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
