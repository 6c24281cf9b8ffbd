// Package tabstate caches the last tab and cookie snapshots pushed by
// browser extensions. get_tabs and the HTTP read endpoints answer from
// this cache instead of round-tripping to an extension.
package tabstate

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// TabInfo mirrors one browser tab as reported by an extension.
type TabInfo struct {
	ID       int    `json:"id"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	Active   bool   `json:"active,omitempty"`
	WindowID int    `json:"windowId,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Cookie mirrors one browser cookie as reported by an extension.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Expires  float64 `json:"expirationDate,omitempty"`
}

// Store holds the most recent snapshots. Updates replace wholesale;
// extensions push full state, not diffs.
type Store struct {
	mu        sync.RWMutex
	tabs      []TabInfo
	activeTab *int
	tabsAt    time.Time

	cookies   []Cookie
	cookiesAt time.Time
}

func New() *Store {
	return &Store{}
}

// UpdateTabs replaces the tab snapshot from an extension data frame.
// Raw is the extension's tabs array; parse failures keep the previous
// snapshot.
func (s *Store) UpdateTabs(raw json.RawMessage, activeTab *int, now time.Time) bool {
	var tabs []TabInfo
	if err := json.Unmarshal(raw, &tabs); err != nil {
		return false
	}
	s.mu.Lock()
	s.tabs = tabs
	s.activeTab = activeTab
	s.tabsAt = now
	s.mu.Unlock()
	return true
}

// UpdateCookies replaces the cookie snapshot.
func (s *Store) UpdateCookies(raw json.RawMessage, now time.Time) bool {
	var cookies []Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return false
	}
	s.mu.Lock()
	s.cookies = cookies
	s.cookiesAt = now
	s.mu.Unlock()
	return true
}

// Tabs returns the cached tab list, the active tab id if known, and
// when the snapshot was taken.
func (s *Store) Tabs() ([]TabInfo, *int, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TabInfo, len(s.tabs))
	copy(out, s.tabs)
	var active *int
	if s.activeTab != nil {
		v := *s.activeTab
		active = &v
	}
	return out, active, s.tabsAt
}

// CookieQuery filters and pages the cookie snapshot.
type CookieQuery struct {
	Domain string
	Name   string
	Limit  int
	Offset int
}

// Cookies applies q to the cached snapshot and returns the page plus
// the total match count before paging.
func (s *Store) Cookies(q CookieQuery) ([]Cookie, int) {
	s.mu.RLock()
	snapshot := s.cookies
	s.mu.RUnlock()

	matched := make([]Cookie, 0, len(snapshot))
	for _, c := range snapshot {
		if q.Domain != "" && !domainMatches(c.Domain, q.Domain) {
			continue
		}
		if q.Name != "" && c.Name != q.Name {
			continue
		}
		matched = append(matched, c)
	}
	total := len(matched)

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []Cookie{}, total
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	out := make([]Cookie, len(matched))
	copy(out, matched)
	return out, total
}

// domainMatches accepts exact matches and parent-domain matches, with
// cookie leading-dot domains normalized.
func domainMatches(cookieDomain, query string) bool {
	cd := strings.TrimPrefix(strings.ToLower(cookieDomain), ".")
	q := strings.TrimPrefix(strings.ToLower(query), ".")
	if cd == q {
		return true
	}
	return strings.HasSuffix(cd, "."+q) || strings.HasSuffix(q, "."+cd)
}

// LooksComplete is the advisory heuristic for whether a cookie snapshot
// plausibly covers an authenticated browsing session: at least three
// cookies with half or more flagged Secure. Callers surface it as a
// hint, never a gate.
func LooksComplete(cookies []Cookie) bool {
	if len(cookies) < 3 {
		return false
	}
	secure := 0
	for _, c := range cookies {
		if c.Secure {
			secure++
		}
	}
	return secure*2 >= len(cookies)
}
