package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MurbotLabs/Forked/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertEvent(t *testing.T, s *SQLiteStore, runID, sessionKey string, seq int64, stream string, ts int64, data string) {
	t.Helper()
	_, err := s.InsertEvent(context.Background(), &domain.Event{
		RunID:      runID,
		SessionKey: sessionKey,
		Seq:        seq,
		Stream:     stream,
		Ts:         ts,
		Data:       json.RawMessage(data),
	})
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
}

func TestInsertAndFetchByRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	insertEvent(t, s, "R1", "agent:main:telegram:g1", 1, domain.StreamLifecycle, 1000, `{"type":"session_start"}`)
	insertEvent(t, s, "R1", "agent:main:telegram:g1", 2, domain.StreamAssistant, 1100, `{"type":"llm_input","prompt":"hi"}`)

	events, err := s.ListTracesBySessionID(ctx, "R1")
	if err != nil {
		t.Fatalf("ListTracesBySessionID failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Ts < events[i-1].Ts ||
			(events[i].Ts == events[i-1].Ts && events[i].Seq < events[i-1].Seq) {
			t.Fatalf("events out of (ts, seq) order: %+v", events)
		}
	}
}

func TestListSessionsAggregates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	insertEvent(t, s, "R1", "agent:main:telegram:g1", 1, domain.StreamLifecycle, 1000, `{"type":"session_start","sessionId":"agent:main:telegram:g1"}`)
	insertEvent(t, s, "R1", "agent:main:telegram:g1", 2, domain.StreamAssistant, 1100, `{"type":"llm_input","prompt":"hi"}`)

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session row, got %d", len(sessions))
	}
	row := sessions[0]
	if row.RunID != "R1" || row.EventCount != 2 || row.LLMInputCount != 1 || row.LLMOutputCount != 0 {
		t.Fatalf("unexpected session row: %+v", row)
	}
	if row.SessionKey != "agent:main:telegram:g1" {
		t.Fatalf("unexpected session key: %q", row.SessionKey)
	}
	if row.StartTime != 1000 || row.LastActivity != 1100 {
		t.Fatalf("unexpected time bounds: %+v", row)
	}
}

func TestTraceResolutionSessionKeyFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	insertEvent(t, s, "R1", "S", 1, domain.StreamLifecycle, 1000, `{}`)
	insertEvent(t, s, "R2", "S", 1, domain.StreamLifecycle, 2000, `{}`)
	insertEvent(t, s, "R3", "other", 1, domain.StreamLifecycle, 3000, `{}`)

	events, err := s.ListTracesBySessionID(ctx, "S")
	if err != nil {
		t.Fatalf("ListTracesBySessionID failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for session key, got %d", len(events))
	}

	events, err = s.ListTracesBySessionID(ctx, "R3")
	if err != nil {
		t.Fatalf("ListTracesBySessionID failed: %v", err)
	}
	if len(events) != 1 || events[0].RunID != "R3" {
		t.Fatalf("expected run-id fallback, got %+v", events)
	}
}

func TestUpdateRunLineageBackfillsAllRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	insertEvent(t, s, "N", "S", 1, domain.StreamLifecycle, 1000, `{}`)
	insertEvent(t, s, "N", "S", 2, domain.StreamAssistant, 1100, `{}`)

	if err := s.UpdateRunLineage(ctx, "N", "P"); err != nil {
		t.Fatalf("UpdateRunLineage failed: %v", err)
	}

	events, err := s.ListTracesBySessionID(ctx, "N")
	if err != nil {
		t.Fatalf("ListTracesBySessionID failed: %v", err)
	}
	for _, e := range events {
		if !e.IsFork || e.ForkedFromRunID != "P" {
			t.Fatalf("row not back-filled: %+v", e)
		}
	}
}

func TestSnapshotStartEndPair(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	before := "X"
	insertEvent(t, s, "R1", "S", 3, domain.StreamTool, 1000, `{"type":"tool_call_start"}`)
	if err := s.InsertSnapshotStart(ctx, &domain.FileSnapshot{
		RunID: "R1", Seq: 3, ToolName: "write", FilePath: "/tmp/a",
		ContentBefore: &before, ExistedBefore: true,
	}); err != nil {
		t.Fatalf("InsertSnapshotStart failed: %v", err)
	}

	after := "Y"
	exists := true
	if err := s.UpdateSnapshotEnd(ctx, "R1", "/tmp/a", &after, &exists); err != nil {
		t.Fatalf("UpdateSnapshotEnd failed: %v", err)
	}

	snaps, err := s.ListSnapshotsBySessionID(ctx, "R1")
	if err != nil {
		t.Fatalf("ListSnapshotsBySessionID failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	sn := snaps[0]
	if sn.ContentBefore == nil || *sn.ContentBefore != "X" {
		t.Fatalf("unexpected content_before: %+v", sn)
	}
	if sn.ContentAfter == nil || *sn.ContentAfter != "Y" {
		t.Fatalf("unexpected content_after: %+v", sn)
	}
	if !sn.ExistedBefore || sn.ExistsAfter == nil || !*sn.ExistsAfter {
		t.Fatalf("unexpected existence flags: %+v", sn)
	}
}

func TestUpdateSnapshotEndTargetsMostRecentOpenRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1, v2 := "one", "two"
	starts := []domain.FileSnapshot{
		{RunID: "R1", Seq: 3, FilePath: "/tmp/a", ContentBefore: &v1, ExistedBefore: true},
		{RunID: "R1", Seq: 7, FilePath: "/tmp/a", ContentBefore: &v2, ExistedBefore: true},
	}
	for i := range starts {
		if err := s.InsertSnapshotStart(ctx, &starts[i]); err != nil {
			t.Fatalf("InsertSnapshotStart failed: %v", err)
		}
	}

	after := "done"
	exists := true
	if err := s.UpdateSnapshotEnd(ctx, "R1", "/tmp/a", &after, &exists); err != nil {
		t.Fatalf("UpdateSnapshotEnd failed: %v", err)
	}

	snaps, err := s.SnapshotsUpTo(ctx, "R1", 100)
	if err != nil {
		t.Fatalf("SnapshotsUpTo failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	// The later start row gets closed; the earlier stays open.
	if snaps[0].ContentAfter != nil {
		t.Fatalf("earliest row should stay open: %+v", snaps[0])
	}
	if snaps[1].ContentAfter == nil || *snaps[1].ContentAfter != "done" {
		t.Fatalf("latest row should be closed: %+v", snaps[1])
	}
}

func TestSnapshotsUpToFiltersBySeq(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, seq := range []int64{2, 5, 9} {
		if err := s.InsertSnapshotWholeFile(ctx, &domain.FileSnapshot{
			RunID: "R1", Seq: seq, FilePath: "/tmp/a", ExistedBefore: true,
		}); err != nil {
			t.Fatalf("InsertSnapshotWholeFile failed: %v", err)
		}
	}

	snaps, err := s.SnapshotsUpTo(ctx, "R1", 5)
	if err != nil {
		t.Fatalf("SnapshotsUpTo failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots at or below seq 5, got %d", len(snaps))
	}
}

func TestMaxSeqAndLatestSessionKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	max, err := s.MaxSeq(ctx, "missing")
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if max != -1 {
		t.Fatalf("expected -1 for missing run, got %d", max)
	}

	insertEvent(t, s, "R1", "", 1, domain.StreamLifecycle, 1000, `{}`)
	insertEvent(t, s, "R1", "S2", 5, domain.StreamLifecycle, 1100, `{}`)

	max, err = s.MaxSeq(ctx, "R1")
	if err != nil || max != 5 {
		t.Fatalf("expected max seq 5, got %d (%v)", max, err)
	}

	key, err := s.LatestSessionKey(ctx, "R1")
	if err != nil || key != "S2" {
		t.Fatalf("expected latest session key S2, got %q (%v)", key, err)
	}
}

func TestRunsCreatedAfterExcludes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	insertEvent(t, s, "origin", "S", 1, domain.StreamLifecycle, 1000, `{}`)
	insertEvent(t, s, "new_run", "S", 1, domain.StreamLifecycle, 2000, `{}`)

	runs, err := s.RunsCreatedAfter(ctx, time.Now().Add(-time.Minute), "S", []string{"origin"})
	if err != nil {
		t.Fatalf("RunsCreatedAfter failed: %v", err)
	}
	if len(runs) != 1 || runs[0] != "new_run" {
		t.Fatalf("unexpected runs: %v", runs)
	}
}

func TestLineageRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	insertEvent(t, s, "M", "S", 1, domain.StreamLifecycle, 1000, `{}`)
	_, err := s.InsertEvent(ctx, &domain.Event{
		RunID: "P", SessionKey: "S", Seq: 0, Stream: domain.StreamForkInfo, Ts: 2000,
		Data: json.RawMessage(`{"type":"fork_info"}`), IsFork: true, ForkedFromRunID: "M",
	})
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	rows, err := s.LineageRows(ctx)
	if err != nil {
		t.Fatalf("LineageRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 lineage rows, got %d", len(rows))
	}
	byRun := map[string]LineageRow{}
	for _, r := range rows {
		byRun[r.RunID] = r
	}
	if byRun["M"].HasForkInfo || byRun["M"].IsFork {
		t.Fatalf("main run misclassified: %+v", byRun["M"])
	}
	p := byRun["P"]
	if !p.HasForkInfo || !p.IsFork || p.ForkedFromRunID != "M" {
		t.Fatalf("placeholder misclassified: %+v", p)
	}
}

func TestDeleteOlderThanKeepsFreshRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	insertEvent(t, s, "R1", "S", 1, domain.StreamLifecycle, 1000, `{}`)

	events, snapshots, err := s.DeleteOlderThan(ctx, 14)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if events != 0 || snapshots != 0 {
		t.Fatalf("fresh rows must not be swept: %d events, %d snapshots", events, snapshots)
	}

	remaining, err := s.ListTracesBySessionID(ctx, "R1")
	if err != nil || len(remaining) != 1 {
		t.Fatalf("expected event to survive sweep: %v (%v)", remaining, err)
	}
}
