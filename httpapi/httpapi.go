// Package httpapi is the REST front end: command submission over plain
// HTTP, callback polling, server-sent events, health, and the local
// admin surface. It shares the dispatch pipeline with the websocket
// path, so rate limits and admission apply identically.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/tabgate/tabgate/auth"
	"github.com/tabgate/tabgate/callback"
	"github.com/tabgate/tabgate/gateway"
	"github.com/tabgate/tabgate/gwerrors"
	"github.com/tabgate/tabgate/monitor"
	"github.com/tabgate/tabgate/observability"
	"github.com/tabgate/tabgate/protocol"
	"github.com/tabgate/tabgate/ratelimit"
	"github.com/tabgate/tabgate/tabstate"
)

// maxLongPoll caps the wait parameter on callback polling.
const maxLongPoll = 30 * time.Second

type Config struct {
	// AllowedOrigins feeds the CORS layer. Empty allows none.
	AllowedOrigins []string
	// RequestTimeout is the TTL attached to HTTP-submitted commands.
	RequestTimeout time.Duration
	// ExposeSecret enables GET /auth/secret for loopback callers.
	ExposeSecret bool
	// ServerVersion is reported by /config and /status.
	ServerVersion string
}

// Options are the API's collaborators. Gateway, Store, and Limiter are
// required.
type Options struct {
	Gateway  *gateway.Server
	Store    *callback.Store
	Limiter  *ratelimit.Limiter
	Tabs     *tabstate.Store
	Monitor  *monitor.Monitor
	Auth     *auth.Manager
	Observer observability.GatewayObserver
	Logger   *log.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type API struct {
	cfg  Config
	gw   *gateway.Server
	core *gateway.Correlator

	store   *callback.Store
	limiter *ratelimit.Limiter
	tabs    *tabstate.Store
	mon     *monitor.Monitor
	auth    *auth.Manager
	obs     observability.GatewayObserver
	logger  *log.Logger
	metrics http.Handler

	started time.Time
}

func New(cfg Config, opts Options) *API {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	obs := opts.Observer
	if obs == nil {
		obs = observability.NoopGatewayObserver
	}
	tabs := opts.Tabs
	if tabs == nil {
		tabs = opts.Gateway.Tabs()
	}
	return &API{
		cfg:     cfg,
		gw:      opts.Gateway,
		core:    opts.Gateway.Correlator(),
		store:   opts.Store,
		limiter: opts.Limiter,
		tabs:    tabs,
		mon:     opts.Monitor,
		auth:    opts.Auth,
		obs:     obs,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		started: time.Now(),
	}
}

// Router builds the chi mux with CORS applied to the public surface.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
	r.Use(c.Handler)

	r.Post("/api/{action}", a.handleCommand)
	r.Get("/tabs", a.handleTabs)
	r.Get("/cookies", a.handleCookies)
	r.Get("/callback_response/{requestId}", a.handlePoll)
	r.Get("/events", a.handleEvents)
	r.Get("/health", a.handleHealth)
	r.Get("/config", a.handleConfig)
	r.Get("/status", a.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(localOnly)
		r.Post("/admin/cleanup", a.handleCleanup)
		if a.cfg.ExposeSecret && a.auth != nil {
			r.Get("/auth/secret", a.handleSecret)
		}
	})

	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}
	return r
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"status":  "error",
		"code":    code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// callerAddr is the rate-limit identity for HTTP requests.
func callerAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// localOnly restricts the admin surface to loopback callers.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := net.ParseIP(callerAddr(r))
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "forbidden", "local access only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	action := protocol.Action(chi.URLParam(r, "action"))
	if !action.Known() || !action.Dispatchable() {
		writeError(w, http.StatusBadRequest, string(gwerrors.CodeUnknownAction), "Unknown action: "+string(action))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(protocol.DefaultMaxMessageBytes)))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(gwerrors.CodeMalformedMessage), "unreadable body")
		return
	}
	m := &protocol.Message{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, m); err != nil {
			writeError(w, http.StatusBadRequest, string(gwerrors.CodeMalformedMessage), "malformed JSON body")
			return
		}
	}

	caller := callerAddr(r)
	if d := a.limiter.CheckGlobal(caller); !d.OK {
		a.obs.RateLimited(ratelimit.ClassGlobal)
		a.rateLimited(w, d)
		return
	}
	if action.Sensitive() {
		if d := a.limiter.CheckSensitive(caller); !d.OK {
			a.obs.RateLimited(ratelimit.ClassSensitive)
			a.rateLimited(w, d)
			return
		}
	}
	if missing, ok := protocol.ValidateParams(action, m); !ok {
		writeError(w, http.StatusBadRequest, string(gwerrors.CodeMissingParameter), "Missing required parameter: "+missing)
		return
	}
	a.limiter.RecordGlobal(caller)
	if action.Sensitive() {
		a.limiter.RecordSensitive(caller)
	}

	// get_tabs answers from the cached snapshot, same as the websocket
	// path.
	if action == protocol.ActionGetTabs {
		tabs, active, at := a.tabs.Tabs()
		data := map[string]any{"tabs": tabs, "updatedAt": at}
		if active != nil {
			data["active_tab_id"] = *active
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": data})
		return
	}

	if a.mon != nil {
		if ok, retry := a.mon.CanAcceptRequest(); !ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retry.Seconds())))
			writeError(w, http.StatusServiceUnavailable, string(gwerrors.CodeAtCapacity), "Server at capacity")
			return
		}
	}

	requestID := m.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	kind := callback.KindInternal
	url := ""
	if m.CallbackURL != "" && m.CallbackURL != callback.InternalSentinel {
		kind = callback.KindHTTPURL
		url = m.CallbackURL
	}

	res, err := a.core.Dispatch(gateway.CommandRequest{
		RequestID:   requestID,
		Action:      action,
		Params:      m,
		Kind:        kind,
		CallbackURL: url,
		TTL:         a.cfg.RequestTimeout,
	})
	if err != nil {
		var ge *gwerrors.Error
		if errors.As(err, &ge) {
			switch ge.Code {
			case gwerrors.CodeNoExtensions:
				writeError(w, http.StatusServiceUnavailable, string(ge.Code), gateway.ErrNoExtensions.Error())
				return
			case gwerrors.CodePendingOverLimit:
				writeError(w, http.StatusServiceUnavailable, string(ge.Code), "too many pending requests")
				return
			case gwerrors.CodeDuplicateRequest:
				writeError(w, http.StatusConflict, string(ge.Code), "requestId already in flight")
				return
			}
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if res.Deduplicated {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "pending",
			"requestId":         requestID,
			"deduplicated":      true,
			"existingRequestId": res.ExistingRequestID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "pending",
		"requestId":     requestID,
		"needsCallback": true,
	})
}

func (a *API) rateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
	writeError(w, http.StatusTooManyRequests, string(gwerrors.CodeRateLimited), "Rate limit exceeded")
}

func (a *API) handleTabs(w http.ResponseWriter, r *http.Request) {
	tabs, active, at := a.tabs.Tabs()
	out := map[string]any{"tabs": tabs, "updatedAt": at}
	if active != nil {
		out["active_tab_id"] = *active
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCookies(w http.ResponseWriter, r *http.Request) {
	q := tabstate.CookieQuery{
		Domain: r.URL.Query().Get("domain"),
		Name:   r.URL.Query().Get("name"),
	}
	fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &q.Limit)
	fmt.Sscanf(r.URL.Query().Get("offset"), "%d", &q.Offset)

	cookies, total := a.tabs.Cookies(q)
	writeJSON(w, http.StatusOK, map[string]any{
		"cookies":       cookies,
		"total":         total,
		"looksComplete": tabstate.LooksComplete(cookies),
	})
}

// handlePoll serves callback results. A terminal entry returns 200 with
// the stored payload; a pending entry long-polls the bus for up to
// wait seconds (capped) before answering 202.
func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	caller := callerAddr(r)

	if d := a.limiter.CheckPoll(caller, requestID); !d.OK {
		a.obs.RateLimited(ratelimit.ClassPoll)
		a.rateLimited(w, d)
		return
	}
	a.limiter.RecordPoll(caller, requestID)

	entry, ok := a.store.Get(requestID)
	if !ok {
		writeError(w, http.StatusNotFound, string(gwerrors.CodeUnknownRequest), "unknown requestId")
		return
	}
	if entry.Status.Terminal() {
		a.limiter.ClearRequestPolls(requestID)
		writeJSON(w, http.StatusOK, pollBody(entry))
		return
	}

	wait := time.Duration(0)
	if v := r.URL.Query().Get("wait"); v != "" {
		var secs float64
		fmt.Sscanf(v, "%f", &secs)
		wait = time.Duration(secs * float64(time.Second))
	}
	if wait <= 0 {
		writeJSON(w, http.StatusAccepted, pollBody(entry))
		return
	}
	if wait > maxLongPoll {
		wait = maxLongPoll
	}

	ch, cancel := a.store.Bus().Wait(requestID)
	defer cancel()
	// The entry may have gone terminal between Get and Wait.
	if e, ok := a.store.Get(requestID); ok && e.Status.Terminal() {
		a.limiter.ClearRequestPolls(requestID)
		writeJSON(w, http.StatusOK, pollBody(e))
		return
	}
	select {
	case <-ch:
		if e, ok := a.store.Get(requestID); ok {
			a.limiter.ClearRequestPolls(requestID)
			writeJSON(w, http.StatusOK, pollBody(e))
			return
		}
		writeError(w, http.StatusNotFound, string(gwerrors.CodeUnknownRequest), "result already evicted")
	case <-time.After(wait):
		if e, ok := a.store.Get(requestID); ok {
			writeJSON(w, http.StatusAccepted, pollBody(e))
			return
		}
		writeError(w, http.StatusNotFound, string(gwerrors.CodeUnknownRequest), "unknown requestId")
	case <-r.Context().Done():
	}
}

func pollBody(e callback.Entry) map[string]any {
	body := map[string]any{
		"requestId": e.RequestID,
		"status":    string(e.Status),
		"operation": string(e.Operation),
	}
	if e.Result != nil {
		body["result"] = e.Result
	}
	return body
}

// handleEvents streams gateway events as SSE. An optional requestId
// query filters to one request's lifecycle.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	filter := r.URL.Query().Get("requestId")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	fl.Flush()

	sub := a.store.Bus().Subscribe()
	defer a.store.Bus().Unsubscribe(sub)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-sub:
			if filter != "" && ev.RequestID != filter {
				continue
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			fl.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			fl.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.mon == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": monitor.StatusHealthy})
		return
	}
	h := a.mon.Check()
	status := http.StatusOK
	if h.Status == monitor.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	rl := a.limiter.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":          a.cfg.ServerVersion,
		"requestTimeoutMs": a.cfg.RequestTimeout.Milliseconds(),
		"rateLimit": map[string]any{
			"globalLimit":        rl.GlobalLimit,
			"sensitiveLimit":     rl.SensitiveLimit,
			"windowSeconds":      int(rl.GlobalWindow.Seconds()),
			"pollLimit":          rl.PollLimit,
			"maxPollsPerRequest": rl.MaxPollsPerRequest,
		},
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":            a.cfg.ServerVersion,
		"uptimeSeconds":      int64(time.Since(a.started).Seconds()),
		"extensions":         a.gw.ExtensionCount(),
		"clients":            a.gw.ClientCount(),
		"pendingRequests":    a.core.PendingCount(),
		"pendingByOperation": a.core.PendingByOperation(),
		"callbackPending":    a.store.PendingCount(),
		"connections":        a.gw.ConnStats(),
	})
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	a.gw.EmergencySweep()
	a.limiter.Sweep()
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (a *API) handleSecret(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"secret": a.auth.Secret()})
}
