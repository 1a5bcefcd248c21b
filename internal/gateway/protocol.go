// Package gateway implements the single-use authenticated RPC conversation
// with the OpenClaw gateway.
package gateway

import "encoding/json"

// Protocol version spoken on the gateway channel.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// Frame types.
const (
	TypeReq   = "req"
	TypeRes   = "res"
	TypeEvent = "event"
)

// Methods used by the daemon.
const (
	MethodConnect = "connect"
	MethodAgent   = "agent"
	MethodSend    = "send"
)

// Frame is one JSON message on the gateway channel.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// rejected reports whether a response frame carries a failure.
func (f *Frame) rejected() bool {
	if f.OK != nil && !*f.OK {
		return true
	}
	return len(f.Error) > 0 && string(f.Error) != "null"
}

// errorText renders the error member for diagnostics.
func (f *Frame) errorText() string {
	if len(f.Error) == 0 || string(f.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(f.Error)
}

// resPayload is the probe used to classify response payloads.
type resPayload struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
	Result *struct {
		Payloads []struct {
			Text string `json:"text"`
		} `json:"payloads"`
	} `json:"result"`
	Payloads []struct {
		Text string `json:"text"`
	} `json:"payloads"`
}

// AgentResult is the terminal response of an agent request.
type AgentResult struct {
	RunID  string
	Status string
	Raw    json.RawMessage
}

// TerminalText concatenates the text payloads of the terminal response.
func (r *AgentResult) TerminalText() string {
	if r == nil || len(r.Raw) == 0 {
		return ""
	}
	var p resPayload
	if err := json.Unmarshal(r.Raw, &p); err != nil {
		return ""
	}
	text := ""
	if p.Result != nil {
		for _, part := range p.Result.Payloads {
			text += part.Text
		}
	}
	if text == "" {
		for _, part := range p.Payloads {
			text += part.Text
		}
	}
	return text
}
