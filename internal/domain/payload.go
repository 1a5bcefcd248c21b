package domain

import (
	"encoding/json"
	"strings"
)

// Payload type discriminators the daemon inspects. Everything else passes
// through the store untouched.
const (
	TypeSessionStart    = "session_start"
	TypeLLMInput        = "llm_input"
	TypeLLMOutput       = "llm_output"
	TypeToolCallStart   = "tool_call_start"
	TypeToolCallEnd     = "tool_call_end"
	TypeConfigChange    = "config_change"
	TypeSetupFileChange = "setup_file_change"
	TypeMessageReceived = "message_received"
	TypeMessageSent     = "message_sent"
	TypeForkInfo        = "fork_info"
	TypeRewindExecuted  = "rewind_executed"
)

// SnapshotPayload is the inline file capture attached to tool and config
// events under data.fileSnapshot.
type SnapshotPayload struct {
	FilePath      string  `json:"filePath,omitempty"`
	ContentBefore *string `json:"contentBefore,omitempty"`
	ContentAfter  *string `json:"contentAfter,omitempty"`
	ExistedBefore bool    `json:"existedBefore,omitempty"`
	ExistsAfter   *bool   `json:"existsAfter,omitempty"`
}

// EventData is the typed view of the fields the daemon reads out of the
// opaque data payload. Unknown fields are preserved in the raw event body.
type EventData struct {
	Type         string           `json:"type"`
	ToolName     string           `json:"toolName,omitempty"`
	FilePath     string           `json:"filePath,omitempty"`
	FileSnapshot *SnapshotPayload `json:"fileSnapshot,omitempty"`
	Prompt       json.RawMessage  `json:"prompt,omitempty"`
	Content      json.RawMessage  `json:"content,omitempty"`
	Message      json.RawMessage  `json:"message,omitempty"`
	From         string           `json:"from,omitempty"`
	To           string           `json:"to,omitempty"`
	Source       string           `json:"source,omitempty"`
	Synthetic    bool             `json:"synthetic,omitempty"`
}

// DecodeData parses the fields of a raw data payload the daemon cares about.
func DecodeData(raw json.RawMessage) (EventData, error) {
	var d EventData
	if len(raw) == 0 {
		return d, nil
	}
	err := json.Unmarshal(raw, &d)
	return d, err
}

// SnapshotPath returns the file path for snapshot extraction, preferring
// data.filePath over the path embedded in the capture.
func (d EventData) SnapshotPath() string {
	if d.FilePath != "" {
		return d.FilePath
	}
	if d.FileSnapshot != nil {
		return d.FileSnapshot.FilePath
	}
	return ""
}

// RawString unquotes a raw JSON value when it is a string, else returns "".
func RawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// SessionChannel returns the expected channel of a session key, which is
// the third ":"-segment of keys shaped like "agent:main:telegram:g1".
func SessionChannel(sessionKey string) string {
	if !strings.HasPrefix(sessionKey, "agent:") {
		return ""
	}
	parts := strings.Split(sessionKey, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// SessionAgentID returns the agent id embedded in a session key (second
// segment of "agent:<id>:..."), defaulting to "main".
func SessionAgentID(sessionKey string) string {
	if strings.HasPrefix(sessionKey, "agent:") {
		parts := strings.Split(sessionKey, ":")
		if len(parts) >= 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return "main"
}
