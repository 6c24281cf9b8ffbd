package tabstate

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUpdateTabsReplacesSnapshot(t *testing.T) {
	s := New()
	now := time.Now()

	if ok := s.UpdateTabs(json.RawMessage(`[{"id":1,"url":"https://a.test"},{"id":2,"active":true}]`), intp(2), now); !ok {
		t.Fatal("UpdateTabs rejected valid payload")
	}
	tabs, active, at := s.Tabs()
	if len(tabs) != 2 {
		t.Fatalf("tabs = %d, want 2", len(tabs))
	}
	if active == nil || *active != 2 {
		t.Fatalf("active = %v, want 2", active)
	}
	if !at.Equal(now) {
		t.Fatalf("snapshot time = %v, want %v", at, now)
	}

	if ok := s.UpdateTabs(json.RawMessage(`{"not":"an array"}`), nil, now.Add(time.Second)); ok {
		t.Fatal("UpdateTabs accepted malformed payload")
	}
	tabs, _, _ = s.Tabs()
	if len(tabs) != 2 {
		t.Fatal("malformed update clobbered previous snapshot")
	}
}

func TestCookieQueryFilters(t *testing.T) {
	s := New()
	raw := json.RawMessage(`[
		{"name":"sid","value":"1","domain":".example.com","secure":true},
		{"name":"theme","value":"dark","domain":"example.com"},
		{"name":"sid","value":"2","domain":"other.test","secure":true},
		{"name":"tok","value":"3","domain":"api.example.com","secure":true}
	]`)
	if !s.UpdateCookies(raw, time.Now()) {
		t.Fatal("UpdateCookies rejected valid payload")
	}

	got, total := s.Cookies(CookieQuery{Domain: "example.com"})
	if total != 3 || len(got) != 3 {
		t.Fatalf("domain filter: got %d/%d, want 3/3", len(got), total)
	}
	got, total = s.Cookies(CookieQuery{Name: "sid"})
	if total != 2 {
		t.Fatalf("name filter total = %d, want 2", total)
	}
	got, total = s.Cookies(CookieQuery{Limit: 2, Offset: 3})
	if total != 4 || len(got) != 1 {
		t.Fatalf("paging: got %d of %d, want 1 of 4", len(got), total)
	}
	got, _ = s.Cookies(CookieQuery{Offset: 10})
	if len(got) != 0 {
		t.Fatalf("offset past end: got %d cookies, want 0", len(got))
	}
}

func TestLooksComplete(t *testing.T) {
	secure := Cookie{Secure: true}
	plain := Cookie{}

	if LooksComplete([]Cookie{secure, secure}) {
		t.Fatal("two cookies should not look complete")
	}
	if LooksComplete([]Cookie{plain, plain, plain, secure}) {
		t.Fatal("one secure of four should not look complete")
	}
	if !LooksComplete([]Cookie{secure, secure, plain}) {
		t.Fatal("two secure of three should look complete")
	}
}

func intp(v int) *int { return &v }
