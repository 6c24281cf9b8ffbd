package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tabgate/tabgate/audit"
	"github.com/tabgate/tabgate/callback"
	"github.com/tabgate/tabgate/gwerrors"
	"github.com/tabgate/tabgate/protocol"
	"github.com/tabgate/tabgate/ratelimit"
)

// validSession checks the message's session (falling back to the one
// bound at admission). Completion frames with a bad session are dropped
// silently: an extension finishing work for a just-expired session must
// not be punished with a close. Request-shaped frames get the error and
// the policy close.
func (s *Server) validSession(conn *Conn, m *protocol.Message) bool {
	if !s.auth.Enabled() {
		return true
	}
	sid := m.SessionID
	if sid == "" {
		sid = conn.SessionID()
	}
	if _, err := s.auth.Lookup(sid); err != nil {
		if m.IsCompletion() {
			s.logf("drop %s from %s: %v", m.Type, conn.ID, err)
			return false
		}
		_ = conn.Send(errorFrame(m.RequestID, string(gwerrors.CodeSessionExpired), "Session expired"))
		conn.CloseWithStatus(protocol.ClosePolicyViolation, protocol.ReasonSessionExpired)
		return false
	}
	return true
}

func (s *Server) handleAutomationMessage(conn *Conn, m *protocol.Message) {
	switch m.Type {
	case "ping":
		_ = conn.Send(map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})
		return
	case "pong":
		conn.markPong(time.Now())
		return
	}

	if !s.validSession(conn, m) {
		return
	}

	action := m.Action
	if action == "" {
		action = protocol.Action(m.Type)
	}
	if !action.Known() {
		_ = conn.Send(errorFrame(m.RequestID, string(gwerrors.CodeUnknownAction), "Unknown action: "+m.Type))
		return
	}

	// Checks run before any counter records, so a rejected call never
	// displaces an admitted one.
	caller := conn.ClientID()
	if d := s.limiter.CheckGlobal(caller); !d.OK {
		s.obs.RateLimited(ratelimit.ClassGlobal)
		_ = conn.Send(rateLimitFrame(m.RequestID, d.RetryAfter))
		return
	}
	if action.Sensitive() {
		if d := s.limiter.CheckSensitive(caller); !d.OK {
			s.obs.RateLimited(ratelimit.ClassSensitive)
			_ = conn.Send(rateLimitFrame(m.RequestID, d.RetryAfter))
			return
		}
	}

	if missing, ok := protocol.ValidateParams(action, m); !ok {
		_ = conn.Send(errorFrame(m.RequestID, string(gwerrors.CodeMissingParameter), "Missing required parameter: "+missing))
		return
	}

	s.limiter.RecordGlobal(caller)
	if action.Sensitive() {
		s.limiter.RecordSensitive(caller)
		s.audit.Write(audit.Record{
			Timestamp:     time.Now(),
			Event:         audit.EventSensitiveOp,
			SessionID:     conn.SessionID(),
			ClientID:      caller,
			ClientType:    string(conn.Role),
			ClientAddress: conn.RemoteAddr,
			Action:        string(action),
			TargetTabID:   m.TabID,
			TargetURL:     m.URL,
			RequestID:     m.RequestID,
		})
	}

	// Subscription management and get_tabs are answered locally.
	switch action {
	case protocol.ActionSubscribeEvents:
		accepted := s.clients.Subscribe(conn.ID, m.Events)
		_ = conn.Send(map[string]any{
			"type":      action.ResponseType(),
			"requestId": m.RequestID,
			"status":    "success",
			"events":    accepted,
		})
		return
	case protocol.ActionUnsubscribeEvents:
		removed := s.clients.Unsubscribe(conn.ID, m.Events)
		_ = conn.Send(map[string]any{
			"type":      action.ResponseType(),
			"requestId": m.RequestID,
			"status":    "success",
			"events":    removed,
		})
		return
	case protocol.ActionGetTabs:
		tabs, active, at := s.tabs.Tabs()
		data := map[string]any{"tabs": tabs, "updatedAt": at}
		if active != nil {
			data["active_tab_id"] = *active
		}
		_ = conn.Send(map[string]any{
			"type":      action.ResponseType(),
			"requestId": m.RequestID,
			"status":    "success",
			"data":      data,
		})
		return
	}

	if s.mon != nil {
		if ok, retry := s.mon.CanAcceptRequest(); !ok {
			f := errorFrame(m.RequestID, string(gwerrors.CodeAtCapacity), "Server at capacity")
			f["retryAfter"] = int(retry.Seconds())
			_ = conn.Send(f)
			return
		}
	}

	requestID := m.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	res, err := s.correlator.Dispatch(CommandRequest{
		RequestID:    requestID,
		Action:       action,
		Params:       m,
		CallerConnID: conn.ID,
		Kind:         callback.KindWSInternal,
		TTL:          s.cfg.RequestTimeout,
	})
	if err != nil {
		var ge *gwerrors.Error
		// The no-extensions path already delivered its terminal error.
		if errors.As(err, &ge) && ge.Code != gwerrors.CodeNoExtensions {
			_ = conn.Send(errorFrame(requestID, string(ge.Code), err.Error()))
		}
		return
	}
	if res.Deduplicated {
		_ = conn.Send(map[string]any{
			"type":              action.ResponseType(),
			"requestId":         requestID,
			"status":            "pending",
			"deduplicated":      true,
			"existingRequestId": res.ExistingRequestID,
		})
	}
}

func rateLimitFrame(requestID string, retryAfter time.Duration) map[string]any {
	f := errorFrame(requestID, string(gwerrors.CodeRateLimited), "Rate limit exceeded")
	f["retryAfter"] = int(retryAfter.Seconds())
	return f
}

func (s *Server) handleExtensionMessage(conn *Conn, m *protocol.Message) {
	switch m.Type {
	case "ping":
		_ = conn.Send(map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})
		return
	case "pong":
		conn.markPong(time.Now())
		return
	case "init":
		if len(m.Tabs) > 0 {
			s.tabs.UpdateTabs(m.Tabs, m.ActiveTab, time.Now())
		}
		_ = conn.Send(s.initAck())
		s.clients.Broadcast("init", map[string]any{"clientId": conn.ClientID()})
		return
	}

	if !s.validSession(conn, m) {
		return
	}

	switch {
	case m.Type == "data":
		if s.tabs.UpdateTabs(m.Tabs, m.ActiveTab, time.Now()) {
			payload := map[string]any{"tabs": json.RawMessage(m.Tabs)}
			if m.ActiveTab != nil {
				payload["active_tab_id"] = *m.ActiveTab
			}
			s.clients.Broadcast("tabs_update", payload)
		}
	case m.Type == "tab_html_chunk":
		s.correlator.HandleChunk(m)
	case m.Type == "error":
		s.correlator.HandleError(m)
	case m.IsCompletion():
		if len(m.Cookies) > 0 {
			s.tabs.UpdateCookies(m.Cookies, time.Now())
		}
		s.correlator.HandleComplete(m.Type, m)
	case m.Type == "tab_url_changed":
		s.clients.Broadcast(m.Type, urlChangePayload(m))
	case m.Type == "custom_event":
		s.clients.Broadcast(m.Type, map[string]any{"name": m.Name, "message": m.Message})
	default:
		s.logf("extension %s: unhandled frame type %q", conn.ID, m.Type)
	}
}

func urlChangePayload(m *protocol.Message) map[string]any {
	p := map[string]any{"url": m.URL}
	if m.TabID != nil {
		p["tabId"] = *m.TabID
	}
	return p
}

// initAck advertises the server's operating parameters so extensions
// align their timeouts and backoff with ours.
func (s *Server) initAck() map[string]any {
	rl := s.limiter.Config()
	return map[string]any{
		"type": "init_ack",
		"config": map[string]any{
			"request": map[string]any{
				"defaultTimeout": s.cfg.RequestTimeout.Milliseconds(),
			},
			"heartbeat": map[string]any{
				"interval": s.cfg.HeartbeatInterval.Milliseconds(),
				"timeout":  s.cfg.HeartbeatTimeout.Milliseconds(),
			},
			"rateLimit": map[string]any{
				"globalLimit":   rl.GlobalLimit,
				"windowSeconds": int(rl.GlobalWindow.Seconds()),
			},
		},
	}
}
