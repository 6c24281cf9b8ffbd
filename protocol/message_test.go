package protocol

import (
	"strings"
	"testing"
)

func TestParseRejectsEmptyAndOversized(t *testing.T) {
	if _, err := Parse(nil, 0); err != ErrEmptyMessage {
		t.Fatalf("empty: %v", err)
	}
	big := []byte(`{"type":"ping","pad":"` + strings.Repeat("x", 100) + `"}`)
	if _, err := Parse(big, 50); err != ErrMessageTooBig {
		t.Fatalf("oversized: %v", err)
	}
	if _, err := Parse([]byte(`{"url":"https://x.test"}`), 0); err != ErrMissingType {
		t.Fatalf("typeless: %v", err)
	}
}

func TestParseUnwrapsCarrier(t *testing.T) {
	raw := []byte(`{
		"type": "request",
		"action": "open_url",
		"requestId": "carrier-1",
		"sessionId": "sess-1",
		"payload": {"url": "https://wrapped.test", "requestId": "inner-ignored"}
	}`)
	m, err := Parse(raw, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Type != "open_url" || m.Action != ActionOpenURL {
		t.Fatalf("type/action = %q/%q", m.Type, m.Action)
	}
	// Envelope identifiers win over payload fields.
	if m.RequestID != "carrier-1" || m.SessionID != "sess-1" {
		t.Fatalf("ids = %q/%q", m.RequestID, m.SessionID)
	}
	if m.URL != "https://wrapped.test" {
		t.Fatalf("url = %q", m.URL)
	}
}

func TestIsCompletion(t *testing.T) {
	for typ, want := range map[string]bool{
		"open_url_complete": true,
		"tab_html_complete": true,
		"tab_html_chunk":    true,
		"open_url":          false,
		"error":             false,
	} {
		if got := (&Message{Type: typ}).IsCompletion(); got != want {
			t.Fatalf("IsCompletion(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestValidateParams(t *testing.T) {
	tab := 4
	cases := []struct {
		action  Action
		m       Message
		missing string
	}{
		{ActionOpenURL, Message{}, "url"},
		{ActionOpenURL, Message{URL: "https://x.test"}, ""},
		{ActionCloseTab, Message{}, "tabId"},
		{ActionGetHTML, Message{TabID: &tab}, ""},
		{ActionExecuteScript, Message{TabID: &tab}, "code"},
		{ActionInjectCSS, Message{}, "css"},
		{ActionUploadFileToTab, Message{TabID: &tab}, "fileUrl"},
		{ActionSubscribeEvents, Message{}, "events"},
		{ActionGetTabs, Message{}, ""},
	}
	for _, tc := range cases {
		missing, ok := ValidateParams(tc.action, &tc.m)
		if tc.missing == "" && !ok {
			t.Fatalf("%s: unexpected missing %q", tc.action, missing)
		}
		if tc.missing != "" && (ok || missing != tc.missing) {
			t.Fatalf("%s: missing = %q/%v, want %q", tc.action, missing, ok, tc.missing)
		}
	}
}

func TestActionForComplete(t *testing.T) {
	if a, ok := ActionForComplete("tab_html_complete"); !ok || a != ActionGetHTML {
		t.Fatalf("tab_html_complete -> %q/%v", a, ok)
	}
	if a, ok := ActionForComplete("open_url_complete"); !ok || a != ActionOpenURL {
		t.Fatalf("open_url_complete -> %q/%v", a, ok)
	}
	if _, ok := ActionForComplete("mystery_complete"); ok {
		t.Fatal("unknown completion accepted")
	}
	if _, ok := ActionForComplete("open_url"); ok {
		t.Fatal("non-completion accepted")
	}
}
