package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// DefaultMaxMessageBytes bounds a single websocket JSON message.
//
// Callers MUST keep a positive read limit on untrusted peers; raising it
// only makes sense together with the HTML chunk size used by extensions.
const DefaultMaxMessageBytes = 1 << 20

var (
	ErrEmptyMessage  = errors.New("empty message")
	ErrMessageTooBig = errors.New("message exceeds size limit")
	ErrMissingType   = errors.New("missing message type")
)

// Message is the recognized field set of every inbound frame. Unknown
// fields are ignored; required fields are validated per action.
//
// Two carrier shapes are accepted on the wire: a bare typed message and a
// wrapped {type: request|notification, action, payload} carrier, which
// Parse unwraps into the bare shape.
type Message struct {
	Type      string `json:"type,omitempty"`
	Action    Action `json:"action,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`

	// Handshake fields.
	Response string `json:"response,omitempty"`

	// Command parameters. Code doubles as the error code on extension
	// {type: error} frames; both are plain strings on the wire.
	URL         string   `json:"url,omitempty"`
	TabID       *int     `json:"tabId,omitempty"`
	WindowID    *int     `json:"windowId,omitempty"`
	Code        string   `json:"code,omitempty"`
	CSS         string   `json:"css,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	Name        string   `json:"name,omitempty"`
	FileURL     string   `json:"fileUrl,omitempty"`
	Selector    string   `json:"selector,omitempty"`
	Events      []string `json:"events,omitempty"`
	CallbackURL string   `json:"callbackUrl,omitempty"`

	// Extension completion fields.
	Status     string          `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	HTML       string          `json:"html,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Cookies    json.RawMessage `json:"cookies,omitempty"`
	Tabs       json.RawMessage `json:"tabs,omitempty"`
	ActiveTab  *int            `json:"active_tab_id,omitempty"`
	ChunkIndex *int            `json:"chunk_index,omitempty"`
	ChunkData  string          `json:"chunk_data,omitempty"`
	ChunkTotal *int            `json:"total_chunks,omitempty"`

	// Wrapped-carrier payload, consumed by Parse.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Parse decodes a frame, enforcing the size limit and unwrapping the
// request/notification carrier shape when present.
func Parse(data []byte, maxBytes int) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, ErrMessageTooBig
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type == "request" || m.Type == "notification" {
		return unwrap(&m)
	}
	if m.Type == "" && m.Action == "" {
		return nil, ErrMissingType
	}
	return &m, nil
}

// unwrap flattens a wrapped carrier into the bare typed shape. Envelope
// action/requestId/sessionId win over payload fields.
func unwrap(outer *Message) (*Message, error) {
	inner := &Message{}
	if len(outer.Payload) > 0 {
		if err := json.Unmarshal(outer.Payload, inner); err != nil {
			return nil, err
		}
	}
	if outer.Action != "" {
		inner.Type = string(outer.Action)
		inner.Action = outer.Action
	}
	if outer.RequestID != "" {
		inner.RequestID = outer.RequestID
	}
	if outer.SessionID != "" {
		inner.SessionID = outer.SessionID
	}
	if inner.Type == "" && inner.Action == "" {
		return nil, ErrMissingType
	}
	return inner, nil
}

// IsCompletion reports whether the message is an in-flight follow-up
// (a *_complete or an HTML chunk) rather than a new request. Session
// validation drops these silently instead of closing the connection, so
// an expiring session cannot break a request chain mid-flight.
func (m *Message) IsCompletion() bool {
	if m.Type == "tab_html_chunk" {
		return true
	}
	return strings.HasSuffix(m.Type, "_complete")
}

// ValidateParams checks the required parameters for an action.
// The returned name is the first missing field.
func ValidateParams(a Action, m *Message) (string, bool) {
	switch a {
	case ActionOpenURL:
		if strings.TrimSpace(m.URL) == "" {
			return "url", false
		}
	case ActionCloseTab, ActionGetHTML:
		if m.TabID == nil {
			return "tabId", false
		}
	case ActionExecuteScript:
		if strings.TrimSpace(m.Code) == "" {
			return "code", false
		}
	case ActionInjectCSS:
		if strings.TrimSpace(m.CSS) == "" {
			return "css", false
		}
	case ActionUploadFileToTab:
		if m.TabID == nil {
			return "tabId", false
		}
		if strings.TrimSpace(m.FileURL) == "" {
			return "fileUrl", false
		}
	case ActionSubscribeEvents, ActionUnsubscribeEvents:
		if len(m.Events) == 0 {
			return "events", false
		}
	}
	return "", true
}
