// Package fork orchestrates re-running an agent from a prior event with
// edited inputs, optionally after rewinding the filesystem.
package fork

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/config"
	"github.com/MurbotLabs/Forked/internal/domain"
	"github.com/MurbotLabs/Forked/internal/gateway"
	"github.com/MurbotLabs/Forked/internal/lineage"
	"github.com/MurbotLabs/Forked/internal/metrics"
	"github.com/MurbotLabs/Forked/internal/policy"
	"github.com/MurbotLabs/Forked/internal/rewind"
	"github.com/MurbotLabs/Forked/internal/store"
)

// rewindControlKey is the control flag the UI smuggles inside the edited
// payload. It is detached at the start of a fork and never persisted.
const rewindControlKey = "__forkedRewindFirst"

// echoMaxChars bounds the pre-echo published to the user channel.
const echoMaxChars = 3000

// Gateway is the outbound conversation the engine drives. Each call is a
// single-use authenticated session.
type Gateway interface {
	RunAgent(ctx context.Context, message, sessionKey string) (*gateway.AgentResult, error)
	Send(ctx context.Context, channel, to, message string) error
}

// Result is the outcome of a fork request.
type Result struct {
	Success       bool            `json:"success"`
	NewRunID      string          `json:"newRunId,omitempty"`
	Linked        bool            `json:"linked"`
	Message       string          `json:"message,omitempty"`
	GatewayResult json.RawMessage `json:"gatewayResult,omitempty"`
}

type rewindControl struct {
	RunID     string `json:"runId"`
	TargetSeq int64  `json:"targetSeq"`
}

// Engine executes forks and links the gateway-created runs back into the
// lineage.
type Engine struct {
	store   store.Store
	lineage *lineage.Engine
	rewind  *rewind.Engine
	gateway Gateway
	policy  *policy.Engine
	cfg     *config.Config
	log     *zap.Logger

	pending pendingSet
}

// NewEngine wires a fork engine.
func NewEngine(st store.Store, ln *lineage.Engine, rw *rewind.Engine, gw Gateway, pol *policy.Engine, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		lineage: ln,
		rewind:  rw,
		gateway: gw,
		policy:  pol,
		cfg:     cfg,
		log:     log,
	}
}

// HasPending reports whether any fork is awaiting linkage.
func (e *Engine) HasPending() bool {
	return e.pending.size() > 0
}

// Fork re-runs the agent from forkFromSeq of originRunID with the edited
// payload. The returned error is nil unless the fork failed before or at
// the gateway call. Once written, the placeholder run stays in the store
// even when a later step fails; a store failure before that write leaves
// nothing persisted.
func (e *Engine) Fork(ctx context.Context, originRunID string, forkFromSeq int64, modified map[string]any) (*Result, error) {
	startedAt := time.Now()
	if modified == nil {
		modified = map[string]any{}
	}

	history, err := e.store.EventsBefore(ctx, originRunID, forkFromSeq)
	if err != nil {
		metrics.ForkFinished("store_error")
		return nil, fmt.Errorf("load fork history: %w", err)
	}

	sessionKey, err := e.store.LatestSessionKey(ctx, originRunID)
	if err != nil {
		metrics.ForkFinished("store_error")
		return nil, fmt.Errorf("resolve session key: %w", err)
	}

	rewindCtrl := detachRewindControl(modified)
	message := replayMessage(modified, history)

	newRunID := placeholderRunID(originRunID, startedAt)
	written, err := e.writePlaceholder(ctx, newRunID, originRunID, forkFromSeq, sessionKey, modified, message)
	if err != nil {
		metrics.ForkFinished("store_error")
		return nil, err
	}
	e.lineage.RecordPlaceholder(newRunID, originRunID, sessionKey, int64(written))

	e.pending.add(&pendingFork{
		PlaceholderRunID: newRunID,
		OriginRunID:      originRunID,
		ForkFromSeq:      forkFromSeq,
		SessionKey:       sessionKey,
		Modified:         modified,
		StartedAt:        startedAt,
	})

	if rewindCtrl != nil {
		if err := e.preForkRewind(ctx, newRunID, sessionKey, rewindCtrl, modified); err != nil {
			e.pending.remove(newRunID)
			metrics.ForkFinished("rewind_failed")
			return &Result{Success: false, NewRunID: newRunID, Message: err.Error()}, err
		}
	}

	hint := e.deriveHint(ctx, modified, history, sessionKey)

	if hint != nil && hint.Channel == "telegram" {
		echo := "FORKED (YOU): " + truncate(message, echoMaxChars)
		if err := e.gateway.Send(ctx, hint.Channel, hint.To, echo); err != nil {
			e.log.Warn("fork pre-echo failed", zap.String("run_id", newRunID), zap.Error(err))
		}
	}

	agentRes, err := e.gateway.RunAgent(ctx, message, sessionKey)
	if err != nil {
		// The placeholder stays visible so the attempted branch can be
		// inspected; only the pending linkage is dropped.
		e.pending.remove(newRunID)
		metrics.ForkFinished("gateway_failed")
		e.log.Error("fork agent call failed",
			zap.String("run_id", newRunID), zap.Error(err))
		return &Result{Success: false, NewRunID: newRunID, Message: err.Error()}, err
	}

	if text := agentRes.TerminalText(); text != "" && hint != nil {
		if err := e.gateway.Send(ctx, hint.Channel, hint.To, text); err != nil {
			e.log.Warn("fork reply delivery failed",
				zap.String("run_id", newRunID), zap.Error(err))
		}
	}

	linked := e.linkAfterRun(ctx, newRunID, originRunID, sessionKey, agentRes.RunID, startedAt)

	metrics.ForkFinished("success")
	e.log.Info("fork complete",
		zap.String("origin_run_id", originRunID),
		zap.String("new_run_id", newRunID),
		zap.Bool("linked", linked))
	return &Result{
		Success:       true,
		NewRunID:      newRunID,
		Linked:        linked,
		GatewayResult: agentRes.Raw,
	}, nil
}

// TryLink attempts to adopt newRunID under the oldest pending fork. It is
// idempotent: an already-linked run reports true without consuming another
// pending entry.
func (e *Engine) TryLink(ctx context.Context, newRunID string) bool {
	if e.lineage.IsLinked(newRunID) {
		return true
	}

	p := e.pending.oldest()
	if p == nil {
		return false
	}
	if newRunID == p.PlaceholderRunID || newRunID == p.OriginRunID {
		return false
	}

	if err := e.store.UpdateRunLineage(ctx, newRunID, p.PlaceholderRunID); err != nil {
		e.log.Error("fork linkage back-fill failed",
			zap.String("run_id", newRunID), zap.Error(err))
		return false
	}
	e.lineage.Adopt(newRunID, p.PlaceholderRunID, p.SessionKey)
	e.pending.remove(p.PlaceholderRunID)

	e.log.Info("fork run linked",
		zap.String("run_id", newRunID),
		zap.String("placeholder_run_id", p.PlaceholderRunID))
	return true
}

func (e *Engine) linkAfterRun(ctx context.Context, placeholderRunID, originRunID, sessionKey, gatewayRunID string, startedAt time.Time) bool {
	// Ingest may have adopted the run while the agent call was in flight.
	if !e.pending.contains(placeholderRunID) {
		return true
	}

	if gatewayRunID != "" && e.TryLink(ctx, gatewayRunID) {
		return true
	}

	since := startedAt.Add(-time.Second)
	exclude := []string{placeholderRunID, originRunID}
	candidates, err := e.store.RunsCreatedAfter(ctx, since, sessionKey, exclude)
	if err != nil {
		e.log.Warn("fork linkage scan failed", zap.Error(err))
		return false
	}
	if len(candidates) == 0 && sessionKey != "" {
		candidates, err = e.store.RunsCreatedAfter(ctx, since, "", exclude)
		if err != nil {
			e.log.Warn("fork linkage scan failed", zap.Error(err))
			return false
		}
	}
	for _, candidate := range candidates {
		if e.TryLink(ctx, candidate) {
			return true
		}
	}
	return false
}

func (e *Engine) writePlaceholder(ctx context.Context, newRunID, originRunID string, forkFromSeq int64, sessionKey string, modified map[string]any, message string) (int, error) {
	now := time.Now().UnixMilli()

	forkInfo, err := json.Marshal(map[string]any{
		"type":          domain.TypeForkInfo,
		"originalRunId": originRunID,
		"forkFromSeq":   forkFromSeq,
		"modifiedData":  modified,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal fork_info: %w", err)
	}

	events := []*domain.Event{{
		RunID:           newRunID,
		SessionKey:      sessionKey,
		Seq:             0,
		Stream:          domain.StreamForkInfo,
		Ts:              now,
		Data:            forkInfo,
		IsFork:          true,
		ForkedFromRunID: originRunID,
	}}

	if message != "" {
		replay, err := json.Marshal(map[string]any{
			"type":      domain.TypeMessageReceived,
			"source":    "forked",
			"content":   message,
			"timestamp": now,
			"synthetic": true,
		})
		if err != nil {
			return 0, fmt.Errorf("marshal replay message: %w", err)
		}
		events = append(events, &domain.Event{
			RunID:           newRunID,
			SessionKey:      sessionKey,
			Seq:             1,
			Stream:          domain.StreamLifecycle,
			Ts:              now,
			Data:            replay,
			IsFork:          true,
			ForkedFromRunID: originRunID,
		})
	}

	if err := e.store.InsertEvents(ctx, events); err != nil {
		return 0, fmt.Errorf("write fork placeholder: %w", err)
	}
	return len(events), nil
}

// preForkRewind rolls the filesystem back before the agent re-runs, then
// records the audit event inside the placeholder run. An edited
// config_change payload is additionally written back to its file.
func (e *Engine) preForkRewind(ctx context.Context, placeholderRunID, sessionKey string, ctrl *rewindControl, modified map[string]any) error {
	res, err := e.rewind.Execute(ctx, ctrl.RunID, ctrl.TargetSeq)
	if err != nil {
		return err
	}

	audit, err := rewind.AuditEvent(placeholderRunID, 2, sessionKey, ctrl.RunID, ctrl.TargetSeq, res)
	if err == nil {
		_, err = e.store.InsertEvent(ctx, audit)
	}
	if err != nil {
		e.log.Warn("failed to record pre-fork rewind audit", zap.Error(err))
	}

	e.applyEditedConfig(modified)
	return nil
}

// applyEditedConfig writes an edited config_change payload to disk so the
// re-run starts from the edited configuration.
func (e *Engine) applyEditedConfig(modified map[string]any) {
	payloadType, _ := modified["type"].(string)
	filePath, _ := modified["filePath"].(string)
	if payloadType != domain.TypeConfigChange || filePath == "" {
		return
	}

	content, ok := modified["currentRaw"].(string)
	if !ok {
		if current, exists := modified["currentContent"]; exists {
			data, err := json.MarshalIndent(current, "", "  ")
			if err != nil {
				e.log.Warn("failed to serialize edited config", zap.Error(err))
				return
			}
			content = string(data)
			ok = true
		}
	}
	if !ok {
		return
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		e.log.Warn("failed to create config dir", zap.String("path", filePath), zap.Error(err))
		return
	}
	if err := os.WriteFile(filePath, []byte(content), 0o644); err != nil {
		e.log.Warn("failed to write edited config", zap.String("path", filePath), zap.Error(err))
	}
}

func detachRewindControl(modified map[string]any) *rewindControl {
	raw, ok := modified[rewindControlKey]
	if !ok {
		return nil
	}
	delete(modified, rewindControlKey)

	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var ctrl rewindControl
	if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.RunID == "" {
		return nil
	}
	return &ctrl
}

// replayMessage picks the message the fork replays: the edited payload's
// own text, else the newest inbound content or prompt in the history
// slice, else the edited payload serialized as JSON.
func replayMessage(modified map[string]any, history []domain.Event) string {
	for _, key := range []string{"prompt", "message", "content"} {
		if s, ok := modified[key].(string); ok && s != "" {
			return s
		}
	}

	for i := len(history) - 1; i >= 0; i-- {
		d, err := domain.DecodeData(history[i].Data)
		if err != nil {
			continue
		}
		switch d.Type {
		case domain.TypeMessageReceived:
			if s := domain.RawString(d.Content); s != "" {
				return s
			}
		case domain.TypeLLMInput:
			if s := domain.RawString(d.Prompt); s != "" {
				return s
			}
		}
	}

	data, err := json.Marshal(modified)
	if err != nil {
		return ""
	}
	return string(data)
}

func placeholderRunID(originRunID string, at time.Time) string {
	prefix := originRunID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("fork_%s_%d", prefix, at.UnixMilli())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
