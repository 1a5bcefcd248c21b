package domain

import (
	"encoding/json"
	"testing"
)

func TestDecodeDataSnapshotFields(t *testing.T) {
	raw := json.RawMessage(`{"type":"tool_call_start","toolName":"write","filePath":"/tmp/a",
		"fileSnapshot":{"filePath":"/tmp/a","contentBefore":"X","existedBefore":true}}`)

	d, err := DecodeData(raw)
	if err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if d.Type != TypeToolCallStart || d.ToolName != "write" {
		t.Fatalf("unexpected decode: %+v", d)
	}
	if d.SnapshotPath() != "/tmp/a" {
		t.Fatalf("unexpected snapshot path: %q", d.SnapshotPath())
	}
	if d.FileSnapshot == nil || d.FileSnapshot.ContentBefore == nil || *d.FileSnapshot.ContentBefore != "X" {
		t.Fatalf("snapshot body lost: %+v", d.FileSnapshot)
	}
}

func TestSnapshotPathPrefersTopLevel(t *testing.T) {
	d := EventData{FilePath: "/top", FileSnapshot: &SnapshotPayload{FilePath: "/nested"}}
	if d.SnapshotPath() != "/top" {
		t.Fatalf("unexpected path: %q", d.SnapshotPath())
	}
	d.FilePath = ""
	if d.SnapshotPath() != "/nested" {
		t.Fatalf("unexpected path: %q", d.SnapshotPath())
	}
}

func TestRawString(t *testing.T) {
	if got := RawString(json.RawMessage(`"hello"`)); got != "hello" {
		t.Fatalf("RawString = %q", got)
	}
	if got := RawString(json.RawMessage(`{"not":"a string"}`)); got != "" {
		t.Fatalf("RawString on object = %q", got)
	}
	if got := RawString(nil); got != "" {
		t.Fatalf("RawString on nil = %q", got)
	}
}

func TestSessionChannel(t *testing.T) {
	if got := SessionChannel("agent:main:telegram:g1"); got != "telegram" {
		t.Fatalf("SessionChannel = %q", got)
	}
	if got := SessionChannel("plain"); got != "" {
		t.Fatalf("SessionChannel on plain key = %q", got)
	}
	if got := SessionChannel(""); got != "" {
		t.Fatalf("SessionChannel on empty key = %q", got)
	}
}

func TestSessionAgentID(t *testing.T) {
	if got := SessionAgentID("agent:research:telegram:g1"); got != "research" {
		t.Fatalf("SessionAgentID = %q", got)
	}
	if got := SessionAgentID("whatever"); got != "main" {
		t.Fatalf("SessionAgentID fallback = %q", got)
	}
}
