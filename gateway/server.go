// Package gateway implements the websocket broker between browser
// extensions and automation clients: admission and origin policy, the
// challenge handshake, per-connection read loops, command dispatch with
// request correlation, and the heartbeat that polices dead peers and
// expiring sessions.
package gateway

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tabgate/tabgate/audit"
	"github.com/tabgate/tabgate/auth"
	"github.com/tabgate/tabgate/callback"
	"github.com/tabgate/tabgate/monitor"
	"github.com/tabgate/tabgate/observability"
	"github.com/tabgate/tabgate/protocol"
	"github.com/tabgate/tabgate/ratelimit"
	"github.com/tabgate/tabgate/realtime/ws"
	"github.com/tabgate/tabgate/tabstate"
)

type Config struct {
	// AllowedOrigins is the origin allowlist for websocket upgrades.
	// Entries may be full origins, hostnames, host:port pairs, or
	// *.wildcards.
	AllowedOrigins []string
	// AllowNoOrigin admits requests without an Origin header
	// (non-browser automation clients).
	AllowNoOrigin bool
	// StrictOrigin overrides AllowNoOrigin and rejects missing origins.
	StrictOrigin bool

	// MaxExtensions bounds concurrent extension connections.
	MaxExtensions int
	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// SessionWarnWindow is how far before expiry the session_expiring
	// warning fires. SessionCloseGrace is how long after the
	// session_expired event the socket stays open.
	SessionWarnWindow time.Duration
	SessionCloseGrace time.Duration

	// RequestTimeout is the TTL for dispatched commands; DedupWindow is
	// how long an identical command collapses onto the live one.
	RequestTimeout time.Duration
	DedupWindow    time.Duration

	// ServerVersion is echoed in the auth challenge.
	ServerVersion string
}

func DefaultConfig() Config {
	return Config{
		AllowNoOrigin:     true,
		MaxExtensions:     3,
		MaxMessageBytes:   protocol.DefaultMaxMessageBytes,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		SessionWarnWindow: 5 * time.Minute,
		SessionCloseGrace: 5 * time.Second,
		RequestTimeout:    60 * time.Second,
		DedupWindow:       5 * time.Second,
		ServerVersion:     "dev",
	}
}

// Options carries the server's collaborators. Auth, Limiter, and Store
// are required; the rest default to no-ops.
type Options struct {
	Auth     *auth.Manager
	Limiter  *ratelimit.Limiter
	Store    *callback.Store
	Tabs     *tabstate.Store
	Monitor  *monitor.Monitor
	Audit    audit.Sink
	Observer observability.GatewayObserver
	Logger   *log.Logger
}

// Server owns every admitted connection and the in-flight request table.
type Server struct {
	cfg Config

	auth    *auth.Manager
	limiter *ratelimit.Limiter
	store   *callback.Store
	tabs    *tabstate.Store
	mon     *monitor.Monitor
	audit   audit.Sink
	obs     observability.GatewayObserver
	logger  *log.Logger

	extensions *ExtensionHub
	clients    *ClientHub
	correlator *Correlator

	shuttingDown atomic.Bool
	connWG       sync.WaitGroup
	loopWG       sync.WaitGroup
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewServer(cfg Config, opts Options) *Server {
	if cfg.MaxExtensions <= 0 {
		cfg.MaxExtensions = 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = protocol.DefaultMaxMessageBytes
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.SessionWarnWindow <= 0 {
		cfg.SessionWarnWindow = 5 * time.Minute
	}
	if cfg.SessionCloseGrace <= 0 {
		cfg.SessionCloseGrace = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Second
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopSink
	}
	if opts.Observer == nil {
		opts.Observer = observability.NoopGatewayObserver
	}
	if opts.Tabs == nil {
		opts.Tabs = tabstate.New()
	}

	s := &Server{
		cfg:        cfg,
		auth:       opts.Auth,
		limiter:    opts.Limiter,
		store:      opts.Store,
		tabs:       opts.Tabs,
		mon:        opts.Monitor,
		audit:      opts.Audit,
		obs:        opts.Observer,
		logger:     opts.Logger,
		extensions: NewExtensionHub(cfg.MaxExtensions),
		stopCh:     make(chan struct{}),
	}
	s.clients = NewClientHub(opts.Store.Bus())
	s.correlator = NewCorrelator(CorrelatorOptions{
		Store:       opts.Store,
		Extensions:  s.extensions,
		Clients:     s.clients,
		DedupWindow: cfg.DedupWindow,
		Observer:    opts.Observer,
		Logger:      opts.Logger,
	})
	return s
}

// Correlator exposes the request table for the HTTP front end and the
// resource monitor.
func (s *Server) Correlator() *Correlator { return s.correlator }

// EmergencySweep forces out requests stuck well past their TTL and runs
// the store sweeps immediately. The resource monitor calls this when a
// health check lands critical.
func (s *Server) EmergencySweep() {
	s.correlator.ForceTimeoutOlderThan(2 * s.cfg.RequestTimeout)
	s.correlator.PruneDedup()
	s.store.SweepTimeouts()
	s.store.SweepRetention()
}

// Tabs exposes the cached browser state.
func (s *Server) Tabs() *tabstate.Store { return s.tabs }

// ExtensionCount returns the number of connected extensions.
func (s *Server) ExtensionCount() int { return s.extensions.Count() }

// ClientCount returns the number of connected automation clients.
func (s *Server) ClientCount() int { return s.clients.Count() }

// ConnStats snapshots every connection for /status.
func (s *Server) ConnStats() []ConnStats {
	out := []ConnStats{}
	for _, c := range s.extensions.Snapshot() {
		out = append(out, c.Stats())
	}
	for _, c := range s.clients.Snapshot() {
		out = append(out, c.Stats())
	}
	return out
}

// Start launches the heartbeat loop.
func (s *Server) Start() {
	s.loopWG.Add(1)
	go s.heartbeatLoop()
}

// ServeHTTP handles the websocket upgrade endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	allowNoOrigin := s.cfg.AllowNoOrigin && !s.cfg.StrictOrigin
	addr := hostOnly(r.RemoteAddr)
	if !ws.IsOriginAllowed(r, s.cfg.AllowedOrigins, allowNoOrigin) {
		s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonOriginRejected)
		s.audit.Write(audit.Record{
			Timestamp:     time.Now(),
			Event:         audit.EventOriginRejected,
			ClientAddress: addr,
			Details:       map[string]any{"origin": r.Header.Get("Origin")},
		})
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Origin policy already ran; the upgrader check is a pass-through.
	wsc, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		CheckOrigin: func(*http.Request) bool { return true },
	})
	if err != nil {
		s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonUpgradeError)
		return
	}
	wsc.SetReadLimit(int64(s.cfg.MaxMessageBytes))

	role := RoleExtension
	switch r.URL.Query().Get("type") {
	case "client", "automation":
		role = RoleAutomation
	}
	conn := newConn(uuid.NewString(), addr, role, wsc, time.Now())

	s.connWG.Add(1)
	defer s.connWG.Done()
	s.serveConn(conn)
}

// serveConn runs the full connection lifecycle on the upgrade goroutine:
// lockout check, handshake, hub registration, read loop, teardown.
func (s *Server) serveConn(conn *Conn) {
	if locked, remaining := s.limiter.IsLocked(conn.RemoteAddr); locked {
		s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonAddressLocked)
		_ = conn.Send(map[string]any{
			"type":       "auth_result",
			"success":    false,
			"error":      "Too many authentication failures",
			"retryAfter": int(remaining.Seconds()),
		})
		conn.CloseWithStatus(protocol.ClosePolicyViolation, protocol.ReasonAuthFailed)
		return
	}

	if err := s.handshake(conn); err != nil {
		return
	}

	switch conn.Role {
	case RoleExtension:
		if s.extensions.AtCapacity() {
			s.extensions.PruneClosed()
		}
		if err := s.extensions.Add(conn); err != nil {
			s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonAtCapacity)
			s.auth.Revoke(conn.SessionID())
			conn.CloseWithStatus(protocol.CloseTryAgainLater, protocol.ReasonAtCapacity)
			return
		}
		s.obs.ConnCount(string(RoleExtension), s.extensions.Count())
	case RoleAutomation:
		s.clients.Add(conn)
		s.obs.ConnCount(string(RoleAutomation), s.clients.Count())
	}
	s.obs.Admit(observability.AdmitResultOK, observability.AdmitReasonOK)
	s.logf("%s %s connected from %s (session %s)", conn.Role, conn.ID, conn.RemoteAddr, conn.SessionID())

	s.readLoop(conn)
	s.teardown(conn)
}

// handshake runs the challenge/response exchange. With auth disabled a
// session is issued immediately so the rest of the pipeline is uniform.
func (s *Server) handshake(conn *Conn) error {
	if !s.auth.Enabled() {
		sess := s.auth.CreateSession("", string(conn.Role))
		conn.bindSession(sess.ID, sess.ClientID)
		return conn.Send(authSuccessFrame(sess))
	}

	ch, err := s.auth.NewChallenge(conn.ID)
	if err != nil {
		conn.CloseWithStatus(protocol.CloseInternalServerErr, "challenge generation failed")
		return err
	}
	if err := conn.Send(map[string]any{
		"type":          "auth_challenge",
		"challenge":     ch.Token,
		"timestamp":     time.Now().UnixMilli(),
		"serverVersion": s.cfg.ServerVersion,
	}); err != nil {
		s.auth.DropChallenge(conn.ID)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.auth.ChallengeTimeout())
	defer cancel()
	_, data, err := conn.c.ReadMessage(ctx)
	if err != nil {
		s.auth.DropChallenge(conn.ID)
		s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonAuthTimeout)
		conn.CloseWithStatus(protocol.ClosePolicyViolation, protocol.ReasonAuthTimeout)
		return err
	}
	m, err := protocol.Parse(data, s.cfg.MaxMessageBytes)
	if err != nil || m.Response == "" {
		s.auth.DropChallenge(conn.ID)
		return s.failAuth(conn, auth.ErrBadResponse)
	}
	if err := s.auth.Verify(conn.ID, m.Response); err != nil {
		return s.failAuth(conn, err)
	}

	sess := s.auth.CreateSession(m.ClientID, string(conn.Role))
	conn.bindSession(sess.ID, sess.ClientID)
	s.obs.Auth(observability.AuthResultSuccess)
	s.audit.Write(audit.Record{
		Timestamp:     time.Now(),
		Event:         audit.EventAuthSuccess,
		SessionID:     sess.ID,
		ClientID:      sess.ClientID,
		ClientType:    string(conn.Role),
		ClientAddress: conn.RemoteAddr,
	})
	return conn.Send(authSuccessFrame(sess))
}

func authSuccessFrame(sess *auth.Session) map[string]any {
	return map[string]any{
		"type":        "auth_result",
		"success":     true,
		"sessionId":   sess.ID,
		"clientId":    sess.ClientID,
		"expiresIn":   int64(time.Until(sess.ExpiresAt).Seconds()),
		"permissions": sess.Permissions,
	}
}

// failAuth records the failure against the caller's address, emits the
// result frame with a backoff hint when the address just locked, and
// closes with a policy violation.
func (s *Server) failAuth(conn *Conn, cause error) error {
	locked, until := s.limiter.RecordAuthFailure(conn.RemoteAddr)

	event := audit.EventAuthFailure
	result := observability.AuthResultFailure
	frame := map[string]any{
		"type":    "auth_result",
		"success": false,
		"error":   "Authentication failed",
	}
	if locked {
		event = audit.EventAuthLockout
		result = observability.AuthResultLockout
		frame["retryAfter"] = int(time.Until(until).Seconds())
	}
	s.obs.Auth(result)
	s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonAuthFailed)
	s.audit.Write(audit.Record{
		Timestamp:     time.Now(),
		Event:         event,
		ClientType:    string(conn.Role),
		ClientAddress: conn.RemoteAddr,
		Details:       map[string]any{"cause": cause.Error()},
	})

	_ = conn.Send(frame)
	conn.CloseWithStatus(protocol.ClosePolicyViolation, protocol.ReasonAuthFailed)
	return cause
}

func (s *Server) readLoop(conn *Conn) {
	for {
		_, data, err := conn.c.ReadMessage(context.Background())
		if err != nil {
			conn.markClosed()
			return
		}
		conn.Touch(time.Now())

		m, err := protocol.Parse(data, s.cfg.MaxMessageBytes)
		if err != nil {
			_ = conn.Send(errorFrame("", "malformed_message", "Malformed message"))
			continue
		}
		switch conn.Role {
		case RoleExtension:
			s.handleExtensionMessage(conn, m)
		case RoleAutomation:
			s.handleAutomationMessage(conn, m)
		}
	}
}

func (s *Server) teardown(conn *Conn) {
	switch conn.Role {
	case RoleExtension:
		s.extensions.Remove(conn.ID)
		s.obs.ConnCount(string(RoleExtension), s.extensions.Count())
	case RoleAutomation:
		s.clients.Remove(conn.ID)
		s.obs.ConnCount(string(RoleAutomation), s.clients.Count())
	}
	s.obs.Close(observability.CloseReasonPeerClosed)
	s.audit.Write(audit.Record{
		Timestamp:     time.Now(),
		Event:         audit.EventConnClosed,
		SessionID:     conn.SessionID(),
		ClientID:      conn.ClientID(),
		ClientType:    string(conn.Role),
		ClientAddress: conn.RemoteAddr,
	})
	s.logf("%s %s disconnected", conn.Role, conn.ID)
}

// heartbeatLoop pings every connection, drops peers whose pongs went
// stale, and polices session expiry: a warning inside the warn window,
// then the session_expired event and a delayed close once past expiry.
// The same tick drives the janitor work with no timer of its own.
func (s *Server) heartbeatLoop() {
	defer s.loopWG.Done()
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.heartbeatPass(time.Now())
			s.auth.Sweep()
			s.correlator.PruneDedup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) heartbeatPass(now time.Time) {
	conns := append(s.extensions.Snapshot(), s.clients.Snapshot()...)
	for _, c := range conns {
		if c.Closed() {
			continue
		}
		if now.Sub(c.LastPong()) > s.cfg.HeartbeatTimeout {
			s.obs.Close(observability.CloseReasonHeartbeatTimeout)
			c.CloseWithStatus(protocol.CloseGoingAway, protocol.ReasonHeartbeatTimeout)
			continue
		}
		_ = c.Ping()
		s.checkSession(c, now)
	}
}

// checkSession enforces expiry without cutting off in-flight work: the
// peer gets the session_expired event first and the close lands after
// the grace period, so a completion racing the expiry can still arrive.
func (s *Server) checkSession(c *Conn, now time.Time) {
	sid := c.SessionID()
	if sid == "" {
		return
	}
	sess, ok := s.auth.Peek(sid)
	if !ok || sess.Expired(now) {
		_ = c.SendEvent("session_expired", map[string]any{"sessionId": sid})
		s.obs.Close(observability.CloseReasonSessionExpired)
		s.audit.Write(audit.Record{
			Timestamp:     now,
			Event:         audit.EventSessionExpired,
			SessionID:     sid,
			ClientID:      c.ClientID(),
			ClientAddress: c.RemoteAddr,
		})
		s.auth.Revoke(sid)
		time.AfterFunc(s.cfg.SessionCloseGrace, func() {
			c.CloseWithStatus(protocol.CloseGoingAway, protocol.ReasonSessionExpired)
		})
		return
	}
	if remaining := sess.ExpiresAt.Sub(now); remaining <= s.cfg.SessionWarnWindow && c.warnExpiryOnce() {
		_ = c.SendEvent("session_expiring", map[string]any{
			"sessionId": sid,
			"expiresIn": int64(remaining.Seconds()),
		})
	}
}

// Shutdown refuses new upgrades, closes every connection with a normal
// closure, clears the session and request tables, and waits for the
// connection goroutines until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loopWG.Wait()

	for _, c := range append(s.extensions.Snapshot(), s.clients.Snapshot()...) {
		c.CloseWithStatus(protocol.CloseNormal, protocol.ReasonShutdown)
	}
	s.correlator.Shutdown()
	s.auth.Clear()
	s.obs.Close(observability.CloseReasonShutdown)

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// hostOnly strips the port from a remote address so lockouts track the
// host, not the ephemeral port.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func errorFrame(requestID string, code string, message string) map[string]any {
	f := map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if requestID != "" {
		f["requestId"] = requestID
	}
	return f
}
