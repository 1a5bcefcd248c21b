// Package ingest accepts tracer connections and runs the per-event
// enrichment pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/domain"
	"github.com/MurbotLabs/Forked/internal/lineage"
	"github.com/MurbotLabs/Forked/internal/metrics"
	"github.com/MurbotLabs/Forked/internal/store"
)

// Linker adopts newly observed runs under pending forks.
type Linker interface {
	HasPending() bool
	TryLink(ctx context.Context, runID string) bool
}

// Pipeline enriches and persists tracer frames. Processing is serialized
// per run to preserve seq order; frames of different runs may interleave.
type Pipeline struct {
	store   store.Store
	lineage *lineage.Engine
	linker  Linker
	log     *zap.Logger

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// NewPipeline wires the ingest pipeline. linker may be nil in tests.
func NewPipeline(st store.Store, ln *lineage.Engine, linker Linker, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    st,
		lineage:  ln,
		linker:   linker,
		log:      log,
		runLocks: make(map[string]*sync.Mutex),
	}
}

// Process handles one raw frame. A malformed frame is logged and dropped;
// it never stalls the stream.
func (p *Pipeline) Process(ctx context.Context, raw []byte) {
	var frame domain.TraceFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		metrics.ParseError()
		p.log.Warn("dropping malformed tracer frame", zap.Error(err))
		return
	}

	data, err := domain.DecodeData(frame.Data)
	if err != nil {
		metrics.ParseError()
		p.log.Warn("dropping frame with malformed data payload",
			zap.String("run_id", frame.RunID), zap.Error(err))
		return
	}

	if !p.resolveBackgroundRun(&frame, data) {
		return
	}

	lock := p.runLock(frame.RunID)
	lock.Lock()
	defer lock.Unlock()

	stamp := p.lineage.Resolve(ctx, frame.RunID, frame.SessionKey, frame.Stream)

	event := &domain.Event{
		RunID:           frame.RunID,
		SessionKey:      frame.SessionKey,
		Seq:             frame.Seq,
		Stream:          frame.Stream,
		Ts:              frame.Ts,
		Data:            frame.Data,
		IsFork:          stamp.IsFork,
		ForkedFromRunID: stamp.ForkedFromRunID,
	}
	if _, err := p.store.InsertEvent(ctx, event); err != nil {
		p.log.Error("failed to persist event",
			zap.String("run_id", frame.RunID), zap.Int64("seq", frame.Seq), zap.Error(err))
		return
	}
	metrics.EventIngested(frame.Stream)

	if stamp.FirstSeen && p.linker != nil && p.linker.HasPending() {
		p.linker.TryLink(ctx, frame.RunID)
	}

	p.extractSnapshot(ctx, frame, data)
}

// resolveBackgroundRun attaches config and setup file changes that arrive
// without a usable run id to the live session. Returns false when the frame
// should be dropped because no session has been seen yet.
func (p *Pipeline) resolveBackgroundRun(frame *domain.TraceFrame, data domain.EventData) bool {
	if frame.RunID != "" && frame.RunID != "unknown" {
		return true
	}
	if data.Type != domain.TypeConfigChange && data.Type != domain.TypeSetupFileChange {
		return frame.RunID != ""
	}

	sessionKey := frame.SessionKey
	if sessionKey == "" {
		sessionKey = p.lineage.FallbackSessionKey()
	}
	if sessionKey == "" {
		return false
	}

	prefix := sessionKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	frame.SessionKey = sessionKey
	frame.RunID = fmt.Sprintf("bg_%s_%d_%d", prefix, frame.Ts, frame.Seq)
	return true
}

func (p *Pipeline) extractSnapshot(ctx context.Context, frame domain.TraceFrame, data domain.EventData) {
	if data.FileSnapshot == nil {
		return
	}
	path := data.SnapshotPath()
	if path == "" {
		return
	}
	capture := data.FileSnapshot

	var err error
	switch data.Type {
	case domain.TypeToolCallStart:
		err = p.store.InsertSnapshotStart(ctx, &domain.FileSnapshot{
			RunID:         frame.RunID,
			Seq:           frame.Seq,
			ToolName:      data.ToolName,
			FilePath:      path,
			ContentBefore: capture.ContentBefore,
			ExistedBefore: capture.ExistedBefore,
		})
	case domain.TypeToolCallEnd:
		err = p.store.UpdateSnapshotEnd(ctx, frame.RunID, path, capture.ContentAfter, capture.ExistsAfter)
	case domain.TypeConfigChange, domain.TypeSetupFileChange:
		err = p.store.InsertSnapshotWholeFile(ctx, &domain.FileSnapshot{
			RunID:         frame.RunID,
			Seq:           frame.Seq,
			ToolName:      data.ToolName,
			FilePath:      path,
			ContentBefore: capture.ContentBefore,
			ContentAfter:  capture.ContentAfter,
			ExistedBefore: capture.ExistedBefore,
			ExistsAfter:   capture.ExistsAfter,
		})
	default:
		return
	}
	if err != nil {
		p.log.Error("snapshot extraction failed",
			zap.String("run_id", frame.RunID),
			zap.String("file_path", path),
			zap.Error(err))
	}
}

func (p *Pipeline) runLock(runID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		p.runLocks[runID] = lock
	}
	return lock
}
