package protocol

// Action is the closed set of automation commands a gateway accepts.
type Action string

const (
	ActionGetTabs           Action = "get_tabs"
	ActionOpenURL           Action = "open_url"
	ActionCloseTab          Action = "close_tab"
	ActionGetHTML           Action = "get_html"
	ActionExecuteScript     Action = "execute_script"
	ActionInjectCSS         Action = "inject_css"
	ActionGetCookies        Action = "get_cookies"
	ActionUploadFileToTab   Action = "upload_file_to_tab"
	ActionSubscribeEvents   Action = "subscribe_events"
	ActionUnsubscribeEvents Action = "unsubscribe_events"
)

var actions = map[Action]struct{}{
	ActionGetTabs:           {},
	ActionOpenURL:           {},
	ActionCloseTab:          {},
	ActionGetHTML:           {},
	ActionExecuteScript:     {},
	ActionInjectCSS:         {},
	ActionGetCookies:        {},
	ActionUploadFileToTab:   {},
	ActionSubscribeEvents:   {},
	ActionUnsubscribeEvents: {},
}

// sensitiveActions are subject to the stricter sliding-window limit
// and are always audited.
var sensitiveActions = map[Action]struct{}{
	ActionExecuteScript: {},
	ActionInjectCSS:     {},
	ActionGetCookies:    {},
}

// Known reports whether a is a recognized automation action.
func (a Action) Known() bool {
	_, ok := actions[a]
	return ok
}

// Sensitive reports whether a falls under the sensitive-op rate window.
func (a Action) Sensitive() bool {
	_, ok := sensitiveActions[a]
	return ok
}

// Dispatchable reports whether a is forwarded to an extension.
// Subscription management is answered by the gateway itself.
func (a Action) Dispatchable() bool {
	switch a {
	case ActionSubscribeEvents, ActionUnsubscribeEvents:
		return false
	}
	return a.Known()
}

// ResponseType returns the typed response name for an action
// (e.g. "open_url_response").
func (a Action) ResponseType() string {
	return string(a) + "_response"
}

// CompleteType returns the extension completion name for an action
// (e.g. "open_url_complete").
func (a Action) CompleteType() string {
	return string(a) + "_complete"
}

// ActionForComplete maps an extension completion type back to its action.
// Returns false for types that are not completions.
func ActionForComplete(typ string) (Action, bool) {
	const suffix = "_complete"
	if len(typ) <= len(suffix) || typ[len(typ)-len(suffix):] != suffix {
		return "", false
	}
	a := Action(typ[:len(typ)-len(suffix)])
	if a == "tab_html" {
		return ActionGetHTML, true
	}
	if !a.Known() {
		return "", false
	}
	return a, true
}

// EventName is the fixed set of event channels automation clients may
// subscribe to.
var EventNames = map[string]struct{}{
	"tabs_update":       {},
	"tab_opened":        {},
	"tab_closed":        {},
	"tab_url_changed":   {},
	"tab_html_received": {},
	"script_executed":   {},
	"css_injected":      {},
	"cookies_received":  {},
	"init":              {},
	"error":             {},
	"request_timeout":   {},
	"custom_event":      {},
}

// CompletionEvent maps an action's completion to the event channel it is
// announced on, if any.
func CompletionEvent(a Action) (string, bool) {
	switch a {
	case ActionOpenURL:
		return "tab_opened", true
	case ActionCloseTab:
		return "tab_closed", true
	case ActionGetHTML:
		return "tab_html_received", true
	case ActionExecuteScript:
		return "script_executed", true
	case ActionInjectCSS:
		return "css_injected", true
	case ActionGetCookies:
		return "cookies_received", true
	}
	return "", false
}
