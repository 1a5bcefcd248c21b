package fork

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pending fork lifetime bounds.
const (
	PendingMaxAge = 5 * time.Minute
	ReapInterval  = 60 * time.Second
)

// pendingFork tracks a fork whose gateway-created run has not yet been
// linked under its placeholder.
type pendingFork struct {
	PlaceholderRunID string
	OriginRunID      string
	ForkFromSeq      int64
	SessionKey       string
	Modified         map[string]any
	StartedAt        time.Time
}

// pendingSet is a FIFO of pending forks.
type pendingSet struct {
	mu    sync.Mutex
	items []*pendingFork
}

func (p *pendingSet) add(f *pendingFork) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, f)
}

func (p *pendingSet) oldest() *pendingFork {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return nil
	}
	return p.items[0]
}

func (p *pendingSet) remove(placeholderRunID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.items {
		if f.PlaceholderRunID == placeholderRunID {
			p.items = append(p.items[:i], p.items[i+1:]...)
			return true
		}
	}
	return false
}

func (p *pendingSet) contains(placeholderRunID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.items {
		if f.PlaceholderRunID == placeholderRunID {
			return true
		}
	}
	return false
}

func (p *pendingSet) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// reap drops entries older than maxAge and returns how many were removed.
func (p *pendingSet) reap(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	kept := p.items[:0]
	removed := 0
	for _, f := range p.items {
		if f.StartedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	p.items = kept
	return removed
}

// RunReaper expires stale pending forks until the context is canceled.
// Linkage is never attempted after expiry.
func (e *Engine) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := e.pending.reap(PendingMaxAge); removed > 0 {
				e.log.Info("expired pending forks", zap.Int("count", removed))
			}
		}
	}
}
