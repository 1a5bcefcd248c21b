// Package rewind restores the filesystem to the state captured by a run's
// snapshots at a chosen sequence.
package rewind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/domain"
	"github.com/MurbotLabs/Forked/internal/metrics"
	"github.com/MurbotLabs/Forked/internal/store"
)

// ErrNoSnapshots is returned when a run has no snapshots at or before the
// target sequence.
var ErrNoSnapshots = errors.New("no file snapshots recorded at or before this point")

// File actions.
const (
	ActionRestore       = "restore"
	ActionDelete        = "delete"
	ActionRestored      = "restored"
	ActionDeleted       = "deleted"
	ActionAlreadyAbsent = "already_absent"
)

// PreviewFile is one row of a rewind preview.
type PreviewFile struct {
	FilePath        string `json:"filePath"`
	OriginalExisted bool   `json:"originalExisted"`
	Action          string `json:"action"`
}

// Preview lists the files a rewind would touch, without touching them.
type Preview struct {
	RunID     string        `json:"runId"`
	TargetSeq int64         `json:"targetSeq"`
	Files     []PreviewFile `json:"files"`
}

// FileResult reports the outcome for one file.
type FileResult struct {
	FilePath string `json:"filePath"`
	Action   string `json:"action"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Backup captures a file's pre-rewind disk state for manual recovery.
type Backup struct {
	FilePath string  `json:"filePath"`
	Content  *string `json:"content,omitempty"`
	Existed  bool    `json:"existed"`
}

// Result is the outcome of an executed rewind.
type Result struct {
	Success       bool         `json:"success"`
	BackupID      string       `json:"backupId"`
	FilesAffected int          `json:"filesAffected"`
	Results       []FileResult `json:"results"`
	Backups       []Backup     `json:"backups"`
}

// Engine performs snapshot-based filesystem rewinds.
type Engine struct {
	store store.Store
	log   *zap.Logger
}

// NewEngine creates a rewind engine.
func NewEngine(st store.Store, log *zap.Logger) *Engine {
	return &Engine{store: st, log: log}
}

// targetFiles keeps, for each distinct path, the earliest snapshot with
// seq at or below the target: its before-image is the file's state just
// prior to that point.
func (e *Engine) targetFiles(ctx context.Context, runID string, targetSeq int64) ([]domain.FileSnapshot, error) {
	snaps, err := e.store.SnapshotsUpTo(ctx, runID, targetSeq)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, ErrNoSnapshots
	}

	seen := make(map[string]bool, len(snaps))
	var files []domain.FileSnapshot
	for _, sn := range snaps {
		if seen[sn.FilePath] {
			continue
		}
		seen[sn.FilePath] = true
		files = append(files, sn)
	}
	return files, nil
}

// Preview computes the file list a rewind would touch.
func (e *Engine) Preview(ctx context.Context, runID string, targetSeq int64) (*Preview, error) {
	files, err := e.targetFiles(ctx, runID, targetSeq)
	if err != nil {
		return nil, err
	}

	preview := &Preview{RunID: runID, TargetSeq: targetSeq, Files: []PreviewFile{}}
	for _, f := range files {
		action := ActionRestore
		if !f.ExistedBefore {
			action = ActionDelete
		}
		preview.Files = append(preview.Files, PreviewFile{
			FilePath:        f.FilePath,
			OriginalExisted: f.ExistedBefore,
			Action:          action,
		})
	}
	return preview, nil
}

// Execute rewinds the filesystem to the state just before targetSeq,
// backing up every touched file first. Atomicity is per file: the call
// succeeds when at least one file succeeded, and per-file failures are
// reported in Results. An audit event is appended to the rewound run.
func (e *Engine) Execute(ctx context.Context, runID string, targetSeq int64) (*Result, error) {
	files, err := e.targetFiles(ctx, runID, targetSeq)
	if err != nil {
		metrics.RewindFinished("error")
		return nil, err
	}

	result := &Result{
		BackupID: fmt.Sprintf("rewind_%d", time.Now().UnixMilli()),
		Results:  []FileResult{},
		Backups:  []Backup{},
	}

	for _, f := range files {
		result.Backups = append(result.Backups, backupOf(f.FilePath))
		result.Results = append(result.Results, e.applyFile(f))
	}

	for _, r := range result.Results {
		if r.Success {
			result.Success = true
			result.FilesAffected++
		}
	}

	if err := e.appendAudit(ctx, runID, targetSeq, result); err != nil {
		e.log.Warn("failed to append rewind audit event",
			zap.String("run_id", runID), zap.Error(err))
	}

	if result.Success {
		metrics.RewindFinished("success")
	} else {
		metrics.RewindFinished("failed")
	}
	e.log.Info("rewind executed",
		zap.String("run_id", runID),
		zap.Int64("target_seq", targetSeq),
		zap.String("backup_id", result.BackupID),
		zap.Int("files_affected", result.FilesAffected))
	return result, nil
}

func backupOf(path string) Backup {
	b := Backup{FilePath: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return b
	}
	content := string(data)
	b.Content = &content
	b.Existed = true
	return b
}

func (e *Engine) applyFile(f domain.FileSnapshot) FileResult {
	if !f.ExistedBefore {
		if _, err := os.Stat(f.FilePath); os.IsNotExist(err) {
			return FileResult{FilePath: f.FilePath, Action: ActionAlreadyAbsent, Success: true}
		}
		if err := os.Remove(f.FilePath); err != nil {
			return FileResult{FilePath: f.FilePath, Action: ActionDeleted, Success: false, Error: err.Error()}
		}
		return FileResult{FilePath: f.FilePath, Action: ActionDeleted, Success: true}
	}

	if err := os.MkdirAll(filepath.Dir(f.FilePath), 0o755); err != nil {
		return FileResult{FilePath: f.FilePath, Action: ActionRestored, Success: false, Error: err.Error()}
	}
	content := ""
	if f.ContentBefore != nil {
		content = *f.ContentBefore
	}
	if err := os.WriteFile(f.FilePath, []byte(content), 0o644); err != nil {
		return FileResult{FilePath: f.FilePath, Action: ActionRestored, Success: false, Error: err.Error()}
	}
	return FileResult{FilePath: f.FilePath, Action: ActionRestored, Success: true}
}

// AuditData is the payload of the rewind audit event.
type AuditData struct {
	Type          string       `json:"type"`
	RunID         string       `json:"runId"`
	TargetSeq     int64        `json:"targetSeq"`
	BackupID      string       `json:"backupId"`
	FilesAffected int          `json:"filesAffected"`
	Results       []FileResult `json:"results"`
	Backups       []Backup     `json:"backups"`
}

// AuditEvent builds the rewind-stream audit event for a completed rewind,
// addressed at (auditRunID, seq).
func AuditEvent(auditRunID string, seq int64, sessionKey, rewoundRunID string, targetSeq int64, result *Result) (*domain.Event, error) {
	data, err := json.Marshal(AuditData{
		Type:          domain.TypeRewindExecuted,
		RunID:         rewoundRunID,
		TargetSeq:     targetSeq,
		BackupID:      result.BackupID,
		FilesAffected: result.FilesAffected,
		Results:       result.Results,
		Backups:       result.Backups,
	})
	if err != nil {
		return nil, err
	}
	return &domain.Event{
		RunID:      auditRunID,
		SessionKey: sessionKey,
		Seq:        seq,
		Stream:     domain.StreamRewind,
		Ts:         time.Now().UnixMilli(),
		Data:       data,
	}, nil
}

func (e *Engine) appendAudit(ctx context.Context, runID string, targetSeq int64, result *Result) error {
	maxSeq, err := e.store.MaxSeq(ctx, runID)
	if err != nil {
		return err
	}
	sessionKey, err := e.store.LatestSessionKey(ctx, runID)
	if err != nil {
		return err
	}
	event, err := AuditEvent(runID, maxSeq+1, sessionKey, runID, targetSeq, result)
	if err != nil {
		return err
	}
	_, err = e.store.InsertEvent(ctx, event)
	return err
}
