package fork

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/domain"
)

// sessionHintScan bounds the session-wide fallback search.
const sessionHintScan = 200

// DeliveryHint routes a forked reply back to the user channel that drove
// the original conversation.
type DeliveryHint struct {
	Channel  string `json:"channel"`
	To       string `json:"to"`
	ThreadID string `json:"threadId,omitempty"`
}

// ParseAddress parses "<channel>:<kind>:<value>[:topic:<topicId>]" into a
// hint. Returns nil when the address has fewer than three segments.
func ParseAddress(addr string) *DeliveryHint {
	parts := strings.Split(addr, ":")
	if len(parts) < 3 || parts[0] == "" {
		return nil
	}

	hint := &DeliveryHint{Channel: strings.ToLower(parts[0])}
	kind := parts[1]
	switch kind {
	case "group":
		hint.To = parts[2]
		if len(parts) >= 5 && parts[3] == "topic" {
			hint.ThreadID = parts[4]
		}
	case "direct":
		hint.To = parts[2]
	default:
		hint.To = strings.Join(parts[2:], ":")
	}
	return hint
}

// deriveHint walks the candidate sources in priority order: the edited
// payload's own address, then inbound and outbound messages in the history
// slice, then the session's recent lifecycle events. Synthetic messages
// are never consulted, and a candidate is only adopted when the policy
// engine accepts its channel.
func (e *Engine) deriveHint(ctx context.Context, modified map[string]any, history []domain.Event, sessionKey string) *DeliveryHint {
	sessionChannel := domain.SessionChannel(sessionKey)

	if hint := e.hintFromPayload(ctx, modified); hint != nil {
		return hint
	}
	if hint := e.hintFromEvents(ctx, history, sessionChannel, true); hint != nil {
		return hint
	}
	if hint := e.hintFromEvents(ctx, history, sessionChannel, false); hint != nil {
		return hint
	}

	if sessionKey != "" {
		recent, err := e.store.RecentLifecycleEvents(ctx, sessionKey, sessionHintScan)
		if err != nil {
			e.log.Warn("hint session scan failed", zap.Error(err))
			return nil
		}
		// RecentLifecycleEvents is newest-first; reverse into history order.
		for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
			recent[i], recent[j] = recent[j], recent[i]
		}
		if hint := e.hintFromEvents(ctx, recent, sessionChannel, true); hint != nil {
			return hint
		}
		if hint := e.hintFromEvents(ctx, recent, sessionChannel, false); hint != nil {
			return hint
		}
	}
	return nil
}

// hintFromPayload derives a hint from the edited payload itself: its "from"
// when it is an inbound message, its "to" when outbound.
func (e *Engine) hintFromPayload(ctx context.Context, modified map[string]any) *DeliveryHint {
	payloadType, _ := modified["type"].(string)
	var addr string
	switch payloadType {
	case domain.TypeMessageReceived:
		addr, _ = modified["from"].(string)
	case domain.TypeMessageSent:
		addr, _ = modified["to"].(string)
	}
	if addr == "" {
		return nil
	}
	hint := ParseAddress(addr)
	if hint == nil || !e.channelAllowed(ctx, hint.Channel) {
		return nil
	}
	return hint
}

// hintFromEvents finds the most recent matching message address in the
// given events (oldest-first slice, walked newest-first). inbound selects
// message_received.from, otherwise message_sent.to.
func (e *Engine) hintFromEvents(ctx context.Context, events []domain.Event, sessionChannel string, inbound bool) *DeliveryHint {
	for i := len(events) - 1; i >= 0; i-- {
		d, err := domain.DecodeData(events[i].Data)
		if err != nil || d.Synthetic {
			continue
		}

		var addr string
		if inbound && d.Type == domain.TypeMessageReceived {
			addr = d.From
		} else if !inbound && d.Type == domain.TypeMessageSent {
			addr = d.To
		}
		if addr == "" {
			continue
		}

		hint := ParseAddress(addr)
		if hint == nil {
			continue
		}
		if sessionChannel != "" && hint.Channel != sessionChannel {
			continue
		}
		if !e.channelAllowed(ctx, hint.Channel) {
			continue
		}
		return hint
	}
	return nil
}

func (e *Engine) channelAllowed(ctx context.Context, channel string) bool {
	allowed, err := e.policy.AllowChannel(ctx, channel, e.cfg.ChannelList())
	if err != nil {
		e.log.Warn("delivery policy evaluation failed", zap.Error(err))
		return false
	}
	return allowed
}
