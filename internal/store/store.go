// Package store defines the persistence interface and its SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/MurbotLabs/Forked/internal/domain"
)

// LineageRow is the per-run summary used to rebuild the in-memory lineage
// map at startup.
type LineageRow struct {
	RunID           string
	SessionKey      string
	IsFork          bool
	ForkedFromRunID string
	EventCount      int64
	HasForkInfo     bool
}

// Store is the interface for event and snapshot persistence.
type Store interface {
	// Event operations
	InsertEvent(ctx context.Context, event *domain.Event) (int64, error)
	InsertEvents(ctx context.Context, events []*domain.Event) error
	UpdateRunLineage(ctx context.Context, runID, forkedFromRunID string) error
	EventsBefore(ctx context.Context, runID string, seq int64) ([]domain.Event, error)
	RecentLifecycleEvents(ctx context.Context, sessionKey string, limit int) ([]domain.Event, error)
	MaxSeq(ctx context.Context, runID string) (int64, error)
	LatestSessionKey(ctx context.Context, runID string) (string, error)
	RunsCreatedAfter(ctx context.Context, since time.Time, sessionKey string, exclude []string) ([]string, error)
	RunHasForkInfo(ctx context.Context, runID string) (bool, error)
	LineageRows(ctx context.Context) ([]LineageRow, error)

	// Browse operations
	ListSessions(ctx context.Context) ([]domain.SessionRow, error)
	ListTracesBySessionID(ctx context.Context, id string) ([]domain.Event, error)
	ListSnapshotsBySessionID(ctx context.Context, id string) ([]domain.FileSnapshot, error)

	// Snapshot operations
	InsertSnapshotStart(ctx context.Context, snap *domain.FileSnapshot) error
	UpdateSnapshotEnd(ctx context.Context, runID, filePath string, contentAfter *string, existsAfter *bool) error
	InsertSnapshotWholeFile(ctx context.Context, snap *domain.FileSnapshot) error
	SnapshotsUpTo(ctx context.Context, runID string, seq int64) ([]domain.FileSnapshot, error)

	// Retention
	DeleteOlderThan(ctx context.Context, days int) (events int64, snapshots int64, err error)

	// Lifecycle
	Close() error
}
