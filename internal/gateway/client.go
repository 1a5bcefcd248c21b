package gateway

import (
	"context"
	"encoding/json"
	"net"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/domain"
	"github.com/MurbotLabs/Forked/internal/identity"
)

// Version is reported to the gateway during connect.
const Version = "0.1.0"

// Request deadlines per method.
const (
	AgentTimeout = 120 * time.Second
	SendTimeout  = 30 * time.Second
)

var operatorScopes = []string{"operator.admin", "operator.write"}

// Client opens one authenticated gateway conversation per request. The
// underlying socket never outlives a single call.
type Client struct {
	url      string
	token    string
	identity *identity.Keeper
	log      *zap.Logger
}

// NewClient creates a gateway client for the given websocket URL.
func NewClient(url, token string, id *identity.Keeper, log *zap.Logger) *Client {
	return &Client{url: url, token: token, identity: id, log: log}
}

// RunAgent replays a message through the gateway's agent and waits for the
// terminal response. The agent id is derived from the session key.
func (c *Client) RunAgent(ctx context.Context, message, sessionKey string) (*AgentResult, error) {
	params := map[string]any{
		"message":        message,
		"agentId":        domain.SessionAgentID(sessionKey),
		"idempotencyKey": uuid.New().String(),
		"timeout":        120,
	}
	if sessionKey != "" {
		params["sessionKey"] = sessionKey
	}

	payload, err := c.do(ctx, MethodAgent, params, AgentTimeout)
	if err != nil {
		return nil, err
	}

	result := &AgentResult{Raw: payload}
	var probe resPayload
	if err := json.Unmarshal(payload, &probe); err == nil {
		result.RunID = probe.RunID
		result.Status = probe.Status
	}
	return result, nil
}

// Send publishes a message to a user channel through the gateway.
func (c *Client) Send(ctx context.Context, channel, to, message string) error {
	params := map[string]any{
		"channel":        channel,
		"to":             to,
		"message":        message,
		"idempotencyKey": uuid.New().String(),
	}
	_, err := c.do(ctx, MethodSend, params, SendTimeout)
	return err
}

// do runs one complete conversation: dial, connect handshake, request,
// terminal response. Intermediate "accepted" responses and event frames
// are skipped.
func (c *Client) do(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, failf(KindTransportError, "dial %s: %v", c.url, err)
	}
	defer conn.Close()

	// Cancellation closes the socket, which unblocks any pending read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	if err := c.handshake(conn); err != nil {
		return nil, err
	}

	reqID := uuid.New().String()
	req := Frame{Type: TypeReq, ID: reqID, Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		return nil, failf(KindTransportError, "write %s request: %v", method, err)
	}

	return c.await(conn, reqID, method)
}

func (c *Client) handshake(conn *websocket.Conn) error {
	connectID := uuid.New().String()
	device := c.identity.SignAuthPayload(operatorScopes, "operator", "")

	auth := map[string]any{}
	if c.token != "" {
		auth["token"] = c.token
	}

	req := Frame{
		Type:   TypeReq,
		ID:     connectID,
		Method: MethodConnect,
		Params: map[string]any{
			"minProtocol": MinProtocol,
			"maxProtocol": MaxProtocol,
			"client": map[string]any{
				"id":         "forked",
				"version":    Version,
				"platform":   runtime.GOOS,
				"mode":       "backend",
				"instanceId": uuid.New().String(),
			},
			"role":   "operator",
			"scopes": operatorScopes,
			"auth":   auth,
			"device": device,
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return failf(KindTransportError, "write connect: %v", err)
	}

	for {
		frame, err := c.read(conn)
		if err != nil {
			return err
		}
		if frame.Type != TypeRes || frame.ID != connectID {
			continue
		}
		if frame.rejected() {
			return failf(KindAuthFailed, "gateway rejected connect: %s", frame.errorText())
		}
		return nil
	}
}

func (c *Client) await(conn *websocket.Conn, reqID, method string) (json.RawMessage, error) {
	for {
		frame, err := c.read(conn)
		if err != nil {
			return nil, err
		}
		if frame.Type == TypeEvent {
			continue
		}
		if frame.Type != TypeRes || frame.ID != reqID {
			continue
		}

		var probe resPayload
		if len(frame.Payload) > 0 && json.Unmarshal(frame.Payload, &probe) == nil && probe.Status == "accepted" {
			// Intermediate acknowledgment; the terminal response follows.
			continue
		}
		if frame.rejected() {
			return nil, failf(KindRequestRejected, "gateway rejected %s: %s", method, frame.errorText())
		}
		return frame.Payload, nil
	}
}

func (c *Client) read(conn *websocket.Conn) (*Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, failf(KindTimeout, "gateway response deadline exceeded")
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, failf(KindClosedUnexpectedly, "gateway closed the connection")
		}
		return nil, failf(KindClosedUnexpectedly, "read: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, failf(KindTransportError, "malformed gateway frame: %v", err)
	}
	return &frame, nil
}
