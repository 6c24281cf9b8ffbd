package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tabgate/tabgate/callback"
	"github.com/tabgate/tabgate/gwerrors"
	"github.com/tabgate/tabgate/observability"
	"github.com/tabgate/tabgate/protocol"
)

// CommandRequest is one automation command bound for an extension.
// CallerConnID is the automation WebSocket that should receive the
// typed response push; it is empty for HTTP-originated requests.
type CommandRequest struct {
	RequestID    string
	Action       protocol.Action
	Params       *protocol.Message
	CallerConnID string
	Kind         callback.Kind
	CallbackURL  string
	TTL          time.Duration
}

// DispatchResult reports where a command went. Deduplicated results
// carry the requestId of the live in-flight request instead of sending
// a second command to an extension.
type DispatchResult struct {
	RequestID         string
	ExtensionID       string
	Deduplicated      bool
	ExistingRequestID string
}

type pendingState int

const (
	stateRegistered pendingState = iota
	stateDispatched
	stateStreaming
)

type pendingRequest struct {
	id           string
	action       protocol.Action
	callerConnID string
	extensionID  string
	state        pendingState
	createdAt    time.Time
	ttl          time.Duration
	timer        *time.Timer
	dedupKey     string
	html         *htmlBuffer
}

type dedupEntry struct {
	requestID string
	at        time.Time
}

// Correlator owns the in-flight request table. Exactly one terminal
// transition wins per requestId: completion, extension error, or the
// timeout timer. The loser finds the entry already gone and is dropped.
type Correlator struct {
	store      *callback.Store
	extensions *ExtensionHub
	clients    *ClientHub

	mu      sync.Mutex
	pending map[string]*pendingRequest
	dedup   map[string]dedupEntry

	dedupWindow time.Duration
	obs         observability.GatewayObserver
	logger      *log.Logger
	now         func() time.Time
}

// CorrelatorOptions carries the correlator's collaborators. Store,
// extension hub, and client hub are required.
type CorrelatorOptions struct {
	Store       *callback.Store
	Extensions  *ExtensionHub
	Clients     *ClientHub
	DedupWindow time.Duration
	Observer    observability.GatewayObserver
	Logger      *log.Logger
}

func NewCorrelator(opts CorrelatorOptions) *Correlator {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Second
	}
	obs := opts.Observer
	if obs == nil {
		obs = observability.NoopGatewayObserver
	}
	return &Correlator{
		store:       opts.Store,
		extensions:  opts.Extensions,
		clients:     opts.Clients,
		pending:     make(map[string]*pendingRequest),
		dedup:       make(map[string]dedupEntry),
		dedupWindow: opts.DedupWindow,
		obs:         obs,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Dispatch registers the request, selects an extension, and arms the
// timeout timer. An identical in-flight command inside the dedup window
// short-circuits to the existing requestId without touching an
// extension. Rate limiting and admission are the caller's business and
// have already passed by the time a request reaches here.
func (c *Correlator) Dispatch(req CommandRequest) (DispatchResult, error) {
	now := c.now()
	key, dedupable := protocol.DedupKey(req.Action, req.Params)

	// The dedup check, store registration, and table insert share one
	// critical section so two identical commands cannot both pass the
	// check before either claims the key.
	c.mu.Lock()
	if dedupable {
		if e, ok := c.dedup[key]; ok && now.Sub(e.at) < c.dedupWindow {
			if _, live := c.pending[e.requestID]; live {
				c.mu.Unlock()
				c.obs.Deduplicated()
				return DispatchResult{
					RequestID:         req.RequestID,
					Deduplicated:      true,
					ExistingRequestID: e.requestID,
				}, nil
			}
		}
	}

	if err := c.store.Register(req.RequestID, req.Action, req.Kind, req.CallbackURL, req.TTL); err != nil {
		c.mu.Unlock()
		code := gwerrors.CodeDuplicateRequest
		if errors.Is(err, callback.ErrAtCapacity) {
			code = gwerrors.CodePendingOverLimit
		}
		return DispatchResult{}, gwerrors.Wrap(gwerrors.StageDispatch, code, err)
	}

	pr := &pendingRequest{
		id:           req.RequestID,
		action:       req.Action,
		callerConnID: req.CallerConnID,
		state:        stateRegistered,
		createdAt:    now,
		ttl:          req.TTL,
	}
	if req.Action == protocol.ActionGetHTML {
		pr.html = newHTMLBuffer()
	}
	c.pending[req.RequestID] = pr
	if dedupable {
		pr.dedupKey = key
		c.dedup[key] = dedupEntry{requestID: req.RequestID, at: now}
	}
	n := len(c.pending)
	c.mu.Unlock()
	c.obs.PendingCount(n)

	extID, err := c.extensions.SendCommand(commandEnvelope(req))
	if err != nil {
		c.resolve(req.RequestID, callback.StatusError, map[string]any{
			"status":    "error",
			"requestId": req.RequestID,
			"message":   ErrNoExtensions.Error(),
		})
		return DispatchResult{}, gwerrors.Wrap(gwerrors.StageDispatch, gwerrors.CodeNoExtensions, err)
	}

	c.mu.Lock()
	if pr, ok := c.pending[req.RequestID]; ok {
		pr.extensionID = extID
		pr.state = stateDispatched
		pr.timer = time.AfterFunc(req.TTL, func() { c.timeout(req.RequestID) })
	}
	c.mu.Unlock()

	c.store.MarkProcessing(req.RequestID)
	c.obs.Dispatch(string(req.Action))
	return DispatchResult{RequestID: req.RequestID, ExtensionID: extID}, nil
}

// commandEnvelope builds the frame sent to the chosen extension. Only
// the parameters the action uses are present.
func commandEnvelope(req CommandRequest) map[string]any {
	env := map[string]any{
		"type":      string(req.Action),
		"requestId": req.RequestID,
	}
	m := req.Params
	if m == nil {
		return env
	}
	if m.URL != "" {
		env["url"] = m.URL
	}
	if m.TabID != nil {
		env["tabId"] = *m.TabID
	}
	if m.WindowID != nil {
		env["windowId"] = *m.WindowID
	}
	if m.Code != "" {
		env["code"] = m.Code
	}
	if m.CSS != "" {
		env["css"] = m.CSS
	}
	if m.Domain != "" {
		env["domain"] = m.Domain
	}
	if m.Name != "" {
		env["name"] = m.Name
	}
	if m.FileURL != "" {
		env["fileUrl"] = m.FileURL
	}
	if m.Selector != "" {
		env["selector"] = m.Selector
	}
	return env
}

// HandleChunk buffers one tab_html_chunk frame. Chunks for unknown
// requestIds are dropped; the request already resolved or never existed.
func (c *Correlator) HandleChunk(m *protocol.Message) {
	if m.RequestID == "" || m.ChunkIndex == nil {
		return
	}
	c.mu.Lock()
	pr, ok := c.pending[m.RequestID]
	if ok && pr.html != nil {
		pr.html.add(*m.ChunkIndex, m.ChunkData, m.ChunkTotal)
		pr.state = stateStreaming
	}
	c.mu.Unlock()
	if !ok {
		c.logf("drop chunk for unknown request %s", m.RequestID)
	}
}

// HandleComplete resolves a request from an extension *_complete frame.
// The broadcast event name comes from the action, so automation clients
// subscribed to e.g. tab_opened see every completion regardless of who
// issued the command.
func (c *Correlator) HandleComplete(typ string, m *protocol.Message) {
	action, ok := protocol.ActionForComplete(typ)
	if !ok || m.RequestID == "" {
		return
	}

	c.mu.Lock()
	pr, live := c.pending[m.RequestID]
	var assembled string
	if live && pr.html != nil && pr.html.count() > 0 {
		assembled = pr.html.assemble()
	}
	c.mu.Unlock()
	if !live {
		c.logf("drop %s for unknown request %s", typ, m.RequestID)
		return
	}

	payload := completionPayload(typ, action, m, assembled)
	if c.resolve(m.RequestID, callback.StatusCompleted, payload) {
		if event, ok := protocol.CompletionEvent(action); ok {
			c.clients.Broadcast(event, payload)
		}
	}
}

// completionPayload normalizes an extension completion into the shape
// delivered to callbacks and typed responses. Buffered chunks win over
// an inline html field.
func completionPayload(typ string, action protocol.Action, m *protocol.Message, assembled string) map[string]any {
	p := map[string]any{
		"status":    "success",
		"type":      typ,
		"requestId": m.RequestID,
	}
	if m.TabID != nil {
		p["tabId"] = *m.TabID
	}
	if m.URL != "" {
		p["url"] = m.URL
	}
	switch action {
	case protocol.ActionGetHTML:
		if assembled != "" {
			p["html"] = assembled
		} else {
			p["html"] = m.HTML
		}
	case protocol.ActionExecuteScript:
		if len(m.Result) > 0 {
			p["result"] = json.RawMessage(m.Result)
		}
	case protocol.ActionGetCookies:
		if len(m.Cookies) > 0 {
			p["cookies"] = json.RawMessage(m.Cookies)
		}
	}
	if m.Message != "" {
		p["message"] = m.Message
	}
	return p
}

// HandleError resolves a request from an extension {type: error} frame.
// Errors without a requestId describe the extension itself and are
// surfaced on the error event channel instead.
func (c *Correlator) HandleError(m *protocol.Message) {
	payload := map[string]any{
		"status":  "error",
		"message": m.Message,
	}
	if m.Code != "" {
		payload["code"] = m.Code
	}
	if m.RequestID == "" {
		c.clients.Broadcast("error", payload)
		return
	}
	payload["requestId"] = m.RequestID
	c.resolve(m.RequestID, callback.StatusError, payload)
}

// timeout fires from the per-request timer.
func (c *Correlator) timeout(requestID string) {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	payload := callback.TimeoutPayload(requestID, pr.action, pr.ttl)
	if c.resolve(requestID, callback.StatusTimeout, payload) {
		c.clients.Broadcast("request_timeout", payload)
		c.logf("request %s (%s) timed out after %s", requestID, pr.action, pr.ttl)
	}
}

// resolve performs the single terminal transition for requestID. It
// removes the pending entry, stops the timer, clears the dedup mapping,
// pushes the typed response to the originating connection, and hands
// the payload to the callback store with the push outcome. Returns
// false when another path already resolved the request.
func (c *Correlator) resolve(requestID string, status callback.Status, payload map[string]any) bool {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, requestID)
	if pr.timer != nil {
		pr.timer.Stop()
	}
	if pr.dedupKey != "" {
		if e, ok := c.dedup[pr.dedupKey]; ok && e.requestID == requestID {
			delete(c.dedup, pr.dedupKey)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	wsPushed := false
	if pr.callerConnID != "" {
		if conn, ok := c.clients.Get(pr.callerConnID); ok && !conn.Closed() {
			wsPushed = conn.Send(typedResponse(pr.action, requestID, status, payload)) == nil
		}
	}
	c.store.Resolve(requestID, status, payload, wsPushed)

	c.obs.Terminal(terminalStatus(status), c.now().Sub(pr.createdAt))
	c.obs.PendingCount(n)
	return true
}

// typedResponse is the {type: action_response} push for WebSocket
// callers. Non-success carries message at the top level so callers do
// not have to dig through data.
func typedResponse(action protocol.Action, requestID string, status callback.Status, payload map[string]any) map[string]any {
	resp := map[string]any{
		"type":      action.ResponseType(),
		"requestId": requestID,
	}
	if status == callback.StatusCompleted {
		resp["status"] = "success"
		resp["data"] = payload
		return resp
	}
	resp["status"] = "error"
	if msg, ok := payload["message"].(string); ok {
		resp["message"] = msg
	}
	if typ, ok := payload["type"].(string); ok && typ == "timeout" {
		resp["timeout"] = true
	}
	return resp
}

func terminalStatus(s callback.Status) observability.TerminalStatus {
	switch s {
	case callback.StatusCompleted:
		return observability.TerminalCompleted
	case callback.StatusTimeout:
		return observability.TerminalTimeout
	}
	return observability.TerminalError
}

// ForceTimeoutOlderThan times out every pending request older than age.
// The resource monitor invokes this under memory pressure with a bound
// well past the normal TTL, so only requests whose timers were starved
// or lost are affected.
func (c *Correlator) ForceTimeoutOlderThan(age time.Duration) int {
	now := c.now()
	c.mu.Lock()
	stale := make([]string, 0)
	for id, pr := range c.pending {
		if now.Sub(pr.createdAt) >= age {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range stale {
		c.mu.Lock()
		pr, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		payload := callback.TimeoutPayload(id, pr.action, now.Sub(pr.createdAt))
		if c.resolve(id, callback.StatusTimeout, payload) {
			n++
		}
	}
	if n > 0 {
		c.logf("force-timed out %d stale requests older than %s", n, age)
	}
	return n
}

// PruneDedup drops dedup entries past the window. Entries normally
// leave with their request's terminal transition; this catches leaks.
func (c *Correlator) PruneDedup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.dedup {
		if now.Sub(e.at) >= 2*c.dedupWindow {
			if _, live := c.pending[e.requestID]; !live {
				delete(c.dedup, key)
				n++
			}
		}
	}
	return n
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingByOperation returns in-flight counts keyed by action.
func (c *Correlator) PendingByOperation() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.pending))
	for _, pr := range c.pending {
		out[string(pr.action)]++
	}
	return out
}

// Shutdown stops all timers and clears the table without delivering
// terminal payloads. Used on server shutdown, after the store is past
// caring.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pr := range c.pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
	}
	c.pending = make(map[string]*pendingRequest)
	c.dedup = make(map[string]dedupEntry)
}

func (c *Correlator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
