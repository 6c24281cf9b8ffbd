package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabgate/tabgate/auth"
	"github.com/tabgate/tabgate/callback"
	"github.com/tabgate/tabgate/ratelimit"
)

const testSecret = "gateway-test-secret"

func newTestGateway(t *testing.T, cfg Config, rl ratelimit.Config) (*Server, *httptest.Server) {
	t.Helper()
	am, err := auth.New(auth.Config{
		Enabled:          true,
		Secret:           testSecret,
		ChallengeTimeout: 2 * time.Second,
		SessionTTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	limiter := ratelimit.New(rl)
	t.Cleanup(limiter.Close)
	store := callback.New(callback.Config{
		TimeoutCheckInterval: 50 * time.Millisecond,
		CleanupInterval:      time.Hour,
	}, callback.Options{})
	t.Cleanup(store.Close)

	srv := NewServer(cfg, Options{Auth: am, Limiter: limiter, Store: store})
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, hs
}

func wsURL(hs *httptest.Server, role string) string {
	u := "ws" + strings.TrimPrefix(hs.URL, "http")
	if role != "" {
		u += "?type=" + role
	}
	return u
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func writeJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// dialAndAuth connects as role and completes the challenge handshake.
func dialAndAuth(t *testing.T, hs *httptest.Server, role string) (*websocket.Conn, string) {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(hs, role), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ch := readJSON(t, c)
	if ch["type"] != "auth_challenge" {
		t.Fatalf("first frame = %v, want auth_challenge", ch["type"])
	}
	writeJSON(t, c, map[string]any{
		"type":     "auth_response",
		"response": auth.ComputeResponse(testSecret, ch["challenge"].(string)),
	})
	res := readJSON(t, c)
	if res["type"] != "auth_result" || res["success"] != true {
		t.Fatalf("auth_result = %v", res)
	}
	return c, res["sessionId"].(string)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestHandshakeIssuesSession(t *testing.T) {
	_, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	c, _, err := websocket.DefaultDialer.Dial(wsURL(hs, "client"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ch := readJSON(t, c)
	if ch["type"] != "auth_challenge" {
		t.Fatalf("first frame = %v, want auth_challenge", ch["type"])
	}
	token := ch["challenge"].(string)
	if len(token) != 32 {
		t.Fatalf("challenge length = %d, want 32 hex chars", len(token))
	}
	writeJSON(t, c, map[string]any{
		"type":     "auth_response",
		"response": auth.ComputeResponse(testSecret, token),
		"clientId": "suite-client",
	})
	res := readJSON(t, c)
	if res["success"] != true {
		t.Fatalf("auth_result = %v", res)
	}
	if res["sessionId"] == "" || res["clientId"] != "suite-client" {
		t.Fatalf("auth_result missing session fields: %v", res)
	}
	if _, ok := res["permissions"].([]any); !ok {
		t.Fatalf("auth_result missing permissions: %v", res)
	}
}

func TestHandshakeRejectsBadResponse(t *testing.T) {
	_, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	c, _, err := websocket.DefaultDialer.Dial(wsURL(hs, "client"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	readJSON(t, c) // challenge
	writeJSON(t, c, map[string]any{"type": "auth_response", "response": strings.Repeat("0", 64)})
	res := readJSON(t, c)
	if res["type"] != "auth_result" || res["success"] != false {
		t.Fatalf("auth_result = %v, want failure", res)
	}
}

func TestAuthLockoutAfterRepeatedFailures(t *testing.T) {
	rl := ratelimit.DefaultConfig()
	rl.AuthFailureLimit = 2
	rl.LockoutDuration = time.Minute
	_, hs := newTestGateway(t, DefaultConfig(), rl)

	fail := func() map[string]any {
		c, _, err := websocket.DefaultDialer.Dial(wsURL(hs, "client"), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer c.Close()
		readJSON(t, c)
		writeJSON(t, c, map[string]any{"type": "auth_response", "response": strings.Repeat("f", 64)})
		return readJSON(t, c)
	}
	fail()
	second := fail()
	if _, ok := second["retryAfter"]; !ok {
		t.Fatalf("locking failure missing retryAfter: %v", second)
	}

	// A locked address is refused before any challenge is issued.
	c, _, err := websocket.DefaultDialer.Dial(wsURL(hs, "client"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	res := readJSON(t, c)
	if res["type"] != "auth_result" || res["success"] != false {
		t.Fatalf("locked dial got %v, want auth_result failure", res)
	}
	if res["error"] != "Too many authentication failures" {
		t.Fatalf("locked dial error = %v", res["error"])
	}
}

func TestRoundRobinAcrossExtensions(t *testing.T) {
	srv, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	ext1, _ := dialAndAuth(t, hs, "")
	waitFor(t, func() bool { return srv.ExtensionCount() == 1 })
	ext2, _ := dialAndAuth(t, hs, "")
	waitFor(t, func() bool { return srv.ExtensionCount() == 2 })
	client, _ := dialAndAuth(t, hs, "client")

	writeJSON(t, client, map[string]any{"type": "open_url", "url": "https://one.test", "requestId": "rr-1"})
	cmd1 := readJSON(t, ext1)
	if cmd1["type"] != "open_url" || cmd1["requestId"] != "rr-1" {
		t.Fatalf("first extension got %v", cmd1)
	}
	writeJSON(t, client, map[string]any{"type": "open_url", "url": "https://two.test", "requestId": "rr-2"})
	cmd2 := readJSON(t, ext2)
	if cmd2["type"] != "open_url" || cmd2["requestId"] != "rr-2" {
		t.Fatalf("second extension got %v", cmd2)
	}
}

func TestDuplicateCommandCollapses(t *testing.T) {
	srv, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	dialAndAuth(t, hs, "")
	waitFor(t, func() bool { return srv.ExtensionCount() == 1 })
	client, _ := dialAndAuth(t, hs, "client")

	writeJSON(t, client, map[string]any{"type": "open_url", "url": "https://dup.test", "requestId": "dup-1"})
	waitFor(t, func() bool { return srv.Correlator().PendingCount() == 1 })
	writeJSON(t, client, map[string]any{"type": "open_url", "url": "https://dup.test", "requestId": "dup-2"})

	res := readJSON(t, client)
	if res["type"] != "open_url_response" || res["requestId"] != "dup-2" {
		t.Fatalf("dedup response = %v", res)
	}
	if res["deduplicated"] != true || res["existingRequestId"] != "dup-1" {
		t.Fatalf("dedup response missing live request pointer: %v", res)
	}
	if srv.Correlator().PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", srv.Correlator().PendingCount())
	}
}

func TestConcurrentIdenticalCommandsCollapse(t *testing.T) {
	srv, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	dialAndAuth(t, hs, "") // extension that never answers
	waitFor(t, func() bool { return srv.ExtensionCount() == 1 })

	const n = 6
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i], _ = dialAndAuth(t, hs, "client")
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *websocket.Conn) {
			defer wg.Done()
			<-start
			_ = c.WriteJSON(map[string]any{
				"type": "open_url", "url": "https://race.test",
				"requestId": "cc-" + strconv.Itoa(i),
			})
		}(i, c)
	}
	close(start)
	wg.Wait()

	// Exactly one caller wins the dedup key; the rest hear back with a
	// pointer to the live request and no second dispatch happens.
	deduped := 0
	for _, c := range conns {
		_ = c.SetReadDeadline(time.Now().Add(700 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			continue // the winner has nothing to read yet
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if m["deduplicated"] != true {
			t.Fatalf("unexpected frame %v", m)
		}
		deduped++
	}
	if deduped != n-1 {
		t.Fatalf("deduplicated = %d, want %d", deduped, n-1)
	}
	if got := srv.Correlator().PendingCount(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestRequestTimeoutDeliversSyntheticError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	srv, hs := newTestGateway(t, cfg, ratelimit.DefaultConfig())
	dialAndAuth(t, hs, "") // extension that never answers
	waitFor(t, func() bool { return srv.ExtensionCount() == 1 })
	client, _ := dialAndAuth(t, hs, "client")

	writeJSON(t, client, map[string]any{"type": "open_url", "url": "https://slow.test", "requestId": "slow-1"})
	res := readJSON(t, client)
	if res["type"] != "open_url_response" || res["status"] != "error" {
		t.Fatalf("timeout response = %v", res)
	}
	if res["timeout"] != true {
		t.Fatalf("timeout response not flagged: %v", res)
	}
	if msg, _ := res["message"].(string); !strings.Contains(msg, "Request timed out after 100ms") {
		t.Fatalf("timeout message = %q", res["message"])
	}
}

func TestHTMLChunksReassembleInOrder(t *testing.T) {
	srv, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	ext, _ := dialAndAuth(t, hs, "")
	waitFor(t, func() bool { return srv.ExtensionCount() == 1 })
	client, _ := dialAndAuth(t, hs, "client")

	writeJSON(t, client, map[string]any{"type": "get_html", "tabId": 7, "requestId": "html-1"})
	cmd := readJSON(t, ext)
	if cmd["type"] != "get_html" {
		t.Fatalf("extension got %v", cmd)
	}

	// Chunks arrive permuted; assembly must honor chunk_index.
	writeJSON(t, ext, map[string]any{
		"type": "tab_html_chunk", "requestId": "html-1",
		"chunk_index": 1, "chunk_data": "world", "total_chunks": 2,
	})
	writeJSON(t, ext, map[string]any{
		"type": "tab_html_chunk", "requestId": "html-1",
		"chunk_index": 0, "chunk_data": "hello ",
	})
	writeJSON(t, ext, map[string]any{"type": "tab_html_complete", "requestId": "html-1", "tabId": 7})

	res := readJSON(t, client)
	if res["type"] != "get_html_response" || res["status"] != "success" {
		t.Fatalf("response = %v", res)
	}
	data, _ := res["data"].(map[string]any)
	if data["html"] != "hello world" {
		t.Fatalf("html = %q, want %q", data["html"], "hello world")
	}
}

func TestLateCompletionAfterTimeoutIsDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	srv, hs := newTestGateway(t, cfg, ratelimit.DefaultConfig())
	ext, _ := dialAndAuth(t, hs, "")
	waitFor(t, func() bool { return srv.ExtensionCount() == 1 })
	client, _ := dialAndAuth(t, hs, "client")

	writeJSON(t, client, map[string]any{"type": "open_url", "url": "https://late.test", "requestId": "late-1"})
	readJSON(t, ext) // consume the command

	first := readJSON(t, client)
	if first["status"] != "error" || first["timeout"] != true {
		t.Fatalf("first terminal = %v, want timeout", first)
	}

	// The completion loses the race; no second terminal may arrive.
	writeJSON(t, ext, map[string]any{"type": "open_url_complete", "requestId": "late-1", "tabId": 3})
	_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := client.ReadMessage(); err == nil {
		t.Fatalf("unexpected second frame: %s", data)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	_, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	client, _ := dialAndAuth(t, hs, "client")
	writeJSON(t, client, map[string]any{"type": "reboot_machine", "requestId": "x"})
	res := readJSON(t, client)
	if res["type"] != "error" || res["code"] != "unknown_action" {
		t.Fatalf("response = %v", res)
	}
}

func TestSubscribeFiltersUnknownEvents(t *testing.T) {
	_, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	client, _ := dialAndAuth(t, hs, "client")
	writeJSON(t, client, map[string]any{
		"type":   "subscribe_events",
		"events": []string{"tab_opened", "not_a_real_event"},
	})
	res := readJSON(t, client)
	if res["type"] != "subscribe_events_response" {
		t.Fatalf("response = %v", res)
	}
	events, _ := res["events"].([]any)
	if len(events) != 1 || events[0] != "tab_opened" {
		t.Fatalf("accepted events = %v, want [tab_opened]", events)
	}
}

func TestCompletionBroadcastToSubscribers(t *testing.T) {
	srv, hs := newTestGateway(t, DefaultConfig(), ratelimit.DefaultConfig())
	ext, _ := dialAndAuth(t, hs, "")
	waitFor(t, func() bool { return srv.ExtensionCount() == 1 })
	caller, _ := dialAndAuth(t, hs, "client")
	watcher, _ := dialAndAuth(t, hs, "client")

	writeJSON(t, watcher, map[string]any{"type": "subscribe_events", "events": []string{"tab_opened"}})
	readJSON(t, watcher) // subscription response

	writeJSON(t, caller, map[string]any{"type": "open_url", "url": "https://bc.test", "requestId": "bc-1"})
	readJSON(t, ext)
	writeJSON(t, ext, map[string]any{"type": "open_url_complete", "requestId": "bc-1", "tabId": 9, "url": "https://bc.test"})

	ev := readJSON(t, watcher)
	if ev["type"] != "event" || ev["event"] != "tab_opened" {
		t.Fatalf("watcher got %v, want tab_opened event", ev)
	}
	res := readJSON(t, caller)
	if res["type"] != "open_url_response" || res["status"] != "success" {
		t.Fatalf("caller got %v", res)
	}
}

func TestOriginRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://good.example"}
	_, hs := newTestGateway(t, cfg, ratelimit.DefaultConfig())

	h := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(hs, "client"), h)
	if err == nil {
		t.Fatal("dial with rejected origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %v, want 403", resp)
	}
}
