package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MurbotLabs/Forked/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the store at path. Pass ":memory:"
// for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "mode=memory") {
		// Pre-create the file so it never exists with default permissions.
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create database file: %w", err)
		}
		f.Close()
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			session_key TEXT,
			seq INTEGER NOT NULL,
			stream TEXT NOT NULL,
			ts INTEGER NOT NULL,
			data TEXT,
			is_fork INTEGER NOT NULL DEFAULT 0,
			forked_from_run_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
		`CREATE TABLE IF NOT EXISTS file_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tool_name TEXT,
			file_path TEXT NOT NULL,
			content_before TEXT,
			content_after TEXT,
			existed_before INTEGER NOT NULL DEFAULT 0,
			exists_after INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_run_seq ON file_snapshots(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON file_snapshots(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertEvent appends one event and returns its row id.
func (s *SQLiteStore) InsertEvent(ctx context.Context, event *domain.Event) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullString(event.SessionKey), event.Seq, event.Stream, event.Ts,
		string(event.Data), boolInt(event.IsFork), nullString(event.ForkedFromRunID))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// InsertEvents appends events atomically, in order.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []*domain.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, event := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.RunID, nullString(event.SessionKey), event.Seq, event.Stream, event.Ts,
			string(event.Data), boolInt(event.IsFork), nullString(event.ForkedFromRunID)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateRunLineage back-fills the fork stamp on every existing row of a run.
func (s *SQLiteStore) UpdateRunLineage(ctx context.Context, runID, forkedFromRunID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET is_fork = 1, forked_from_run_id = ? WHERE run_id = ?`,
		forkedFromRunID, runID)
	if err != nil {
		return fmt.Errorf("update run lineage: %w", err)
	}
	return nil
}

const eventColumns = `id, run_id, COALESCE(session_key, ''), seq, stream, ts, COALESCE(data, ''), is_fork, COALESCE(forked_from_run_id, ''), created_at`

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var data string
		var isFork int
		if err := rows.Scan(&e.ID, &e.RunID, &e.SessionKey, &e.Seq, &e.Stream, &e.Ts,
			&data, &isFork, &e.ForkedFromRunID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Data = []byte(data)
		e.IsFork = isFork != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventsBefore returns a run's events with seq strictly below the given
// sequence, in seq order.
func (s *SQLiteStore) EventsBefore(ctx context.Context, runID string, seq int64) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND seq < ? ORDER BY seq ASC`,
		runID, seq)
}

// RecentLifecycleEvents returns the most recent lifecycle events across every
// run of a session, newest first.
func (s *SQLiteStore) RecentLifecycleEvents(ctx context.Context, sessionKey string, limit int) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_key = ? AND stream = ?
		 ORDER BY ts DESC, seq DESC LIMIT ?`,
		sessionKey, domain.StreamLifecycle, limit)
}

// MaxSeq returns the highest stored seq for a run, or -1 when the run has
// no events.
func (s *SQLiteStore) MaxSeq(ctx context.Context, runID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// LatestSessionKey returns the most recent non-null session key recorded
// for a run.
func (s *SQLiteStore) LatestSessionKey(ctx context.Context, runID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_key FROM events
		 WHERE run_id = ? AND session_key IS NOT NULL AND session_key != ''
		 ORDER BY id DESC LIMIT 1`, runID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// RunsCreatedAfter lists run ids whose first event arrived at or after the
// given instant, optionally restricted to a session and excluding the given
// runs, oldest first.
func (s *SQLiteStore) RunsCreatedAfter(ctx context.Context, since time.Time, sessionKey string, exclude []string) ([]string, error) {
	query := `SELECT run_id, MIN(created_at) AS first_seen FROM events`
	var clauses []string
	var args []any
	if sessionKey != "" {
		clauses = append(clauses, `session_key = ?`)
		args = append(args, sessionKey)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` GROUP BY run_id HAVING first_seen >= datetime(?, 'unixepoch') ORDER BY first_seen ASC`
	args = append(args, since.UTC().Unix())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var runs []string
	for rows.Next() {
		var runID string
		var firstSeen string
		if err := rows.Scan(&runID, &firstSeen); err != nil {
			return nil, err
		}
		if !excluded[runID] {
			runs = append(runs, runID)
		}
	}
	return runs, rows.Err()
}

// RunHasForkInfo reports whether a run carries a fork_info event.
func (s *SQLiteStore) RunHasForkInfo(ctx context.Context, runID string) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = ? AND stream = ?`,
		runID, domain.StreamForkInfo).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LineageRows returns the per-run summary used to rebuild the lineage map.
func (s *SQLiteStore) LineageRows(ctx context.Context) ([]LineageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.run_id,
			COALESCE((SELECT e2.session_key FROM events e2
				WHERE e2.run_id = e.run_id AND e2.session_key IS NOT NULL AND e2.session_key != ''
				ORDER BY e2.id DESC LIMIT 1), ''),
			MAX(e.is_fork),
			COALESCE(MAX(e.forked_from_run_id), ''),
			COUNT(*),
			SUM(CASE WHEN e.stream = ? THEN 1 ELSE 0 END)
		 FROM events e GROUP BY e.run_id ORDER BY MAX(e.id) ASC`, domain.StreamForkInfo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LineageRow
	for rows.Next() {
		var r LineageRow
		var isFork int
		var forkInfoCount int64
		if err := rows.Scan(&r.RunID, &r.SessionKey, &isFork, &r.ForkedFromRunID, &r.EventCount, &forkInfoCount); err != nil {
			return nil, err
		}
		r.IsFork = isFork != 0
		r.HasForkInfo = forkInfoCount > 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSessions returns one aggregate row per run, most recent activity first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.run_id,
			COALESCE((SELECT e2.session_key FROM events e2
				WHERE e2.run_id = e.run_id AND e2.session_key IS NOT NULL AND e2.session_key != ''
				ORDER BY e2.id DESC LIMIT 1), ''),
			MIN(e.ts),
			MAX(e.ts),
			COUNT(*),
			SUM(CASE WHEN json_extract(e.data, '$.type') = 'llm_input' THEN 1 ELSE 0 END),
			SUM(CASE WHEN json_extract(e.data, '$.type') = 'llm_output' THEN 1 ELSE 0 END),
			MAX(e.is_fork),
			COALESCE(MAX(e.forked_from_run_id), '')
		 FROM events e
		 GROUP BY e.run_id
		 ORDER BY MAX(e.ts) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.SessionRow
	for rows.Next() {
		var r domain.SessionRow
		var isFork int
		if err := rows.Scan(&r.RunID, &r.SessionKey, &r.StartTime, &r.LastActivity,
			&r.EventCount, &r.LLMInputCount, &r.LLMOutputCount, &isFork, &r.ForkedFromRunID); err != nil {
			return nil, err
		}
		r.IsFork = isFork != 0
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

// ListTracesBySessionID resolves id as a session key first (all runs sharing
// it), then as a run id, ordered by (ts, seq).
func (s *SQLiteStore) ListTracesBySessionID(ctx context.Context, id string) ([]domain.Event, error) {
	events, err := s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_key = ? ORDER BY ts ASC, seq ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		return events, nil
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? ORDER BY ts ASC, seq ASC`, id)
}

const snapshotColumns = `id, run_id, seq, COALESCE(tool_name, ''), file_path, content_before, content_after, existed_before, exists_after, created_at`

func (s *SQLiteStore) querySnapshots(ctx context.Context, query string, args ...any) ([]domain.FileSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []domain.FileSnapshot
	for rows.Next() {
		var sn domain.FileSnapshot
		var before, after sql.NullString
		var existedBefore int
		var existsAfter sql.NullInt64
		if err := rows.Scan(&sn.ID, &sn.RunID, &sn.Seq, &sn.ToolName, &sn.FilePath,
			&before, &after, &existedBefore, &existsAfter, &sn.CreatedAt); err != nil {
			return nil, err
		}
		if before.Valid {
			v := before.String
			sn.ContentBefore = &v
		}
		if after.Valid {
			v := after.String
			sn.ContentAfter = &v
		}
		sn.ExistedBefore = existedBefore != 0
		if existsAfter.Valid {
			v := existsAfter.Int64 != 0
			sn.ExistsAfter = &v
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// ListSnapshotsBySessionID resolves id with the same rule as traces.
func (s *SQLiteStore) ListSnapshotsBySessionID(ctx context.Context, id string) ([]domain.FileSnapshot, error) {
	snaps, err := s.querySnapshots(ctx,
		`SELECT `+snapshotColumns+` FROM file_snapshots
		 WHERE run_id IN (SELECT DISTINCT run_id FROM events WHERE session_key = ?)
		 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(snaps) > 0 {
		return snaps, nil
	}
	return s.querySnapshots(ctx,
		`SELECT `+snapshotColumns+` FROM file_snapshots WHERE run_id = ? ORDER BY id ASC`, id)
}

// InsertSnapshotStart records the before image at tool start.
func (s *SQLiteStore) InsertSnapshotStart(ctx context.Context, snap *domain.FileSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_snapshots (run_id, seq, tool_name, file_path, content_before, existed_before)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.Seq, nullString(snap.ToolName), snap.FilePath,
		nullStringPtr(snap.ContentBefore), boolInt(snap.ExistedBefore))
	if err != nil {
		return fmt.Errorf("insert snapshot start: %w", err)
	}
	return nil
}

// UpdateSnapshotEnd fills the after image on the most recent open start row
// for (run_id, file_path).
func (s *SQLiteStore) UpdateSnapshotEnd(ctx context.Context, runID, filePath string, contentAfter *string, existsAfter *bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_snapshots SET content_after = ?, exists_after = ?
		 WHERE id = (SELECT id FROM file_snapshots
			WHERE run_id = ? AND file_path = ? AND content_after IS NULL
			ORDER BY id DESC LIMIT 1)`,
		nullStringPtr(contentAfter), nullBoolPtr(existsAfter), runID, filePath)
	if err != nil {
		return fmt.Errorf("update snapshot end: %w", err)
	}
	return nil
}

// InsertSnapshotWholeFile records before and after in one row, as observed
// on config and setup file changes.
func (s *SQLiteStore) InsertSnapshotWholeFile(ctx context.Context, snap *domain.FileSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_snapshots (run_id, seq, tool_name, file_path, content_before, content_after, existed_before, exists_after)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.Seq, nullString(snap.ToolName), snap.FilePath,
		nullStringPtr(snap.ContentBefore), nullStringPtr(snap.ContentAfter),
		boolInt(snap.ExistedBefore), nullBoolPtr(snap.ExistsAfter))
	if err != nil {
		return fmt.Errorf("insert snapshot whole file: %w", err)
	}
	return nil
}

// SnapshotsUpTo returns a run's snapshots with seq at or below the target,
// in seq order.
func (s *SQLiteStore) SnapshotsUpTo(ctx context.Context, runID string, seq int64) ([]domain.FileSnapshot, error) {
	return s.querySnapshots(ctx,
		`SELECT `+snapshotColumns+` FROM file_snapshots
		 WHERE run_id = ? AND seq <= ? ORDER BY seq ASC, id ASC`, runID, seq)
}

// DeleteOlderThan removes events and snapshots older than the retention window.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, days int) (int64, int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Unix()

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < datetime(?, 'unixepoch')`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("delete events: %w", err)
	}
	events, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM file_snapshots WHERE created_at < datetime(?, 'unixepoch')`, cutoff)
	if err != nil {
		return events, 0, fmt.Errorf("delete snapshots: %w", err)
	}
	snapshots, _ := res.RowsAffected()

	return events, snapshots, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullBoolPtr(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
