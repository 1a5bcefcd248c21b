// Package lineage reconstructs the run-parent topology from the event
// stream and classifies incoming events as main-line or branch.
package lineage

import (
	"context"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/domain"
	"github.com/MurbotLabs/Forked/internal/store"
)

// DefaultPromoteMaxEvents is the promotion heuristic threshold: a run with
// at most this many stored events may still be adopted under the session's
// explicit fork head. Genuinely-new gateway runs produced by a fork appear
// right after the placeholder with few prior events; long-lived runs must
// not be rewritten.
const DefaultPromoteMaxEvents = 2

// Stamp is the lineage decision for one incoming event.
type Stamp struct {
	IsFork          bool
	ForkedFromRunID string
	FirstSeen       bool
	Promoted        bool
}

type runEntry struct {
	sessionKey      string
	isFork          bool
	forkedFromRunID string
	hasForkInfo     bool
	eventCount      int64
}

// Engine maintains the in-memory run lineage, session fork heads, and
// explicit-ancestor memoization.
type Engine struct {
	store store.Store
	log   *zap.Logger

	promoteMax int64

	mu               sync.RWMutex
	entries          map[string]*runEntry
	sessionForkHeads map[string]string
	linkedForkRuns   map[string]bool
	ancestorCache    map[string]string

	lastSessionKey         string
	lastForkInfoSessionKey string
}

// NewEngine creates an empty lineage engine. FORKED_PROMOTE_MAX_EVENTS
// overrides the promotion threshold.
func NewEngine(st store.Store, log *zap.Logger) *Engine {
	promoteMax := int64(DefaultPromoteMaxEvents)
	if raw := os.Getenv("FORKED_PROMOTE_MAX_EVENTS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			promoteMax = v
		}
	}
	return &Engine{
		store:            st,
		log:              log,
		promoteMax:       promoteMax,
		entries:          make(map[string]*runEntry),
		sessionForkHeads: make(map[string]string),
		linkedForkRuns:   make(map[string]bool),
		ancestorCache:    make(map[string]string),
	}
}

// LoadFromStore rebuilds the lineage map from persisted events. Fork heads
// are re-seeded from explicit placeholder runs, most recent last.
func (e *Engine) LoadFromStore(ctx context.Context) error {
	rows, err := e.store.LineageRows(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range rows {
		e.entries[r.RunID] = &runEntry{
			sessionKey:      r.SessionKey,
			isFork:          r.IsFork,
			forkedFromRunID: r.ForkedFromRunID,
			hasForkInfo:     r.HasForkInfo,
			eventCount:      r.EventCount,
		}
		if r.HasForkInfo && r.SessionKey != "" {
			e.sessionForkHeads[r.SessionKey] = r.RunID
		}
		if r.SessionKey != "" {
			e.lastSessionKey = r.SessionKey
			if r.HasForkInfo {
				e.lastForkInfoSessionKey = r.SessionKey
			}
		}
	}
	e.log.Info("lineage map loaded", zap.Int("runs", len(rows)))
	return nil
}

// Resolve classifies one incoming event and returns the lineage stamp to
// persist with it. When the run is promoted under the session's explicit
// fork head, all previously stored rows of the run are rewritten.
func (e *Engine) Resolve(ctx context.Context, runID, sessionKey, stream string) Stamp {
	e.mu.Lock()
	ent, ok := e.entries[runID]
	firstSeen := !ok
	if !ok {
		ent = &runEntry{}
		e.entries[runID] = ent
	}
	if sessionKey != "" {
		if ent.sessionKey != sessionKey {
			ent.sessionKey = sessionKey
		}
		e.lastSessionKey = sessionKey
	}
	if stream == domain.StreamForkInfo {
		ent.hasForkInfo = true
		if sessionKey != "" {
			e.lastForkInfoSessionKey = sessionKey
		}
	}

	promoted := false
	var head string
	if !ent.isFork && !ent.hasForkInfo && ent.sessionKey != "" && ent.eventCount <= e.promoteMax {
		if h, ok := e.sessionForkHeads[ent.sessionKey]; ok && h != runID {
			ent.isFork = true
			ent.forkedFromRunID = h
			head = h
			promoted = true
			e.ancestorCache = make(map[string]string)
		}
	}
	ent.eventCount++

	stamp := Stamp{
		IsFork:          ent.isFork,
		ForkedFromRunID: ent.forkedFromRunID,
		FirstSeen:       firstSeen,
		Promoted:        promoted,
	}
	e.mu.Unlock()

	if promoted {
		if err := e.store.UpdateRunLineage(ctx, runID, head); err != nil {
			e.log.Error("lineage back-fill failed",
				zap.String("run_id", runID), zap.Error(err))
		} else {
			e.log.Info("run promoted under fork head",
				zap.String("run_id", runID), zap.String("fork_head", head))
		}
	}
	return stamp
}

// RecordPlaceholder registers a fork placeholder run written directly to
// the store and makes it the session's explicit fork head.
func (e *Engine) RecordPlaceholder(runID, originRunID, sessionKey string, eventCount int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[runID] = &runEntry{
		sessionKey:      sessionKey,
		isFork:          true,
		forkedFromRunID: originRunID,
		hasForkInfo:     true,
		eventCount:      eventCount,
	}
	if sessionKey != "" {
		e.sessionForkHeads[sessionKey] = runID
		e.lastForkInfoSessionKey = sessionKey
	}
}

// Adopt links a gateway-created run under a fork placeholder: the in-memory
// entry is stamped, the run is marked linked, and the placeholder becomes
// the session's fork head. The store back-fill is the caller's job.
func (e *Engine) Adopt(runID, placeholderRunID, sessionKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[runID]
	if !ok {
		ent = &runEntry{}
		e.entries[runID] = ent
	}
	ent.isFork = true
	ent.forkedFromRunID = placeholderRunID
	if ent.sessionKey == "" {
		ent.sessionKey = sessionKey
	}
	e.linkedForkRuns[runID] = true
	if sessionKey != "" {
		e.sessionForkHeads[sessionKey] = placeholderRunID
	}
	e.ancestorCache = make(map[string]string)
}

// IsLinked reports whether a run has already been adopted by a fork.
func (e *Engine) IsLinked(runID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.linkedForkRuns[runID]
}

// ForkHead returns the session's current explicit fork head, if any.
func (e *Engine) ForkHead(sessionKey string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionForkHeads[sessionKey]
}

// FallbackSessionKey is the session used to attach background filesystem
// events: the latest session seen on a fork_info event, else the latest
// session seen at all.
func (e *Engine) FallbackSessionKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastForkInfoSessionKey != "" {
		return e.lastForkInfoSessionKey
	}
	return e.lastSessionKey
}

// NearestExplicitAncestor walks parent pointers from runID until it reaches
// a run carrying a fork_info event. Results are memoized; cycles in a
// corrupted lineage are guarded by a visited set. Returns "" when the walk
// ends on the main line.
func (e *Engine) NearestExplicitAncestor(runID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nearestExplicitAncestorLocked(runID)
}

func (e *Engine) nearestExplicitAncestorLocked(runID string) string {
	if cached, ok := e.ancestorCache[runID]; ok {
		return cached
	}

	visited := map[string]bool{}
	current := runID
	result := ""
	for current != "" && !visited[current] {
		visited[current] = true
		ent, ok := e.entries[current]
		if !ok {
			break
		}
		if ent.hasForkInfo {
			result = current
			break
		}
		current = ent.forkedFromRunID
	}

	e.ancestorCache[runID] = result
	return result
}

// BranchKey assigns a run to a branch: its own id when it is an explicit
// placeholder, the nearest explicit ancestor of its parent when it is a
// fork child, and MAIN otherwise.
func (e *Engine) BranchKey(runID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[runID]
	if !ok {
		return domain.MainBranch
	}
	if ent.hasForkInfo {
		return runID
	}
	if ent.isFork {
		if anc := e.nearestExplicitAncestorLocked(ent.forkedFromRunID); anc != "" {
			return anc
		}
	}
	return domain.MainBranch
}
