package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tabgate/tabgate/auth"
	"github.com/tabgate/tabgate/callback"
	"github.com/tabgate/tabgate/gateway"
	"github.com/tabgate/tabgate/httpapi"
	"github.com/tabgate/tabgate/internal/version"
	"github.com/tabgate/tabgate/monitor"
	"github.com/tabgate/tabgate/observability"
	"github.com/tabgate/tabgate/observability/prom"
	"github.com/tabgate/tabgate/ratelimit"
	"github.com/tabgate/tabgate/tabstate"
)

var (
	buildVersion = "dev"
	commit       = "unknown"
	date         = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicGatewayObserver
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicGatewayObserver) *metricsController {
	return &metricsController{handler: handler, observer: observer}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	obs := prom.NewGatewayObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(obs)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopGatewayObserver)
	c.enabled = false
}

type ready struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Listen    string `json:"listen"`
	WSPath    string `json:"ws_path"`
	WSURL     string `json:"ws_url"`
	HTTPURL   string `json:"http_url"`
	HealthURL string `json:"health_url"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	gwCfg := gateway.DefaultConfig()
	authCfg := auth.DefaultConfig()

	listen := envString("TABGATE_LISTEN", "127.0.0.1:8765")
	wsPath := envString("TABGATE_WS_PATH", "/ws")
	secretFile := envString("TABGATE_SECRET_FILE", authCfg.SecretFile)
	allowedOrigins := stringSliceFlag(splitCSVEnv("TABGATE_ALLOW_ORIGIN"))

	allowNoOrigin, err := envBoolWithErr("TABGATE_ALLOW_NO_ORIGIN", gwCfg.AllowNoOrigin)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	strictOrigin, err := envBoolWithErr("TABGATE_STRICT_ORIGIN", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_STRICT_ORIGIN: %v\n", err)
		return 2
	}
	authEnabled, err := envBoolWithErr("TABGATE_AUTH_ENABLED", true)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_AUTH_ENABLED: %v\n", err)
		return 2
	}
	exposeSecret, err := envBoolWithErr("TABGATE_EXPOSE_SECRET", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_EXPOSE_SECRET: %v\n", err)
		return 2
	}
	maxExtensions, err := envIntWithErr("TABGATE_MAX_EXTENSIONS", gwCfg.MaxExtensions)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_MAX_EXTENSIONS: %v\n", err)
		return 2
	}
	maxPending, err := envIntWithErr("TABGATE_MAX_PENDING", 1000)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_MAX_PENDING: %v\n", err)
		return 2
	}
	requestTimeout, err := envDurationWithErr("TABGATE_REQUEST_TIMEOUT", gwCfg.RequestTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_REQUEST_TIMEOUT: %v\n", err)
		return 2
	}
	sessionTTL, err := envDurationWithErr("TABGATE_SESSION_TTL", authCfg.SessionTTL)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_SESSION_TTL: %v\n", err)
		return 2
	}
	heartbeatInterval, err := envDurationWithErr("TABGATE_HEARTBEAT_INTERVAL", gwCfg.HeartbeatInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TABGATE_HEARTBEAT_INTERVAL: %v\n", err)
		return 2
	}
	metricsListen := envString("TABGATE_METRICS_LISTEN", "")

	fs := flag.NewFlagSet("tabgate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: TABGATE_LISTEN)")
	fs.StringVar(&wsPath, "ws-path", wsPath, "websocket path (env: TABGATE_WS_PATH)")
	fs.StringVar(&secretFile, "secret-file", secretFile, "shared secret key file, created if absent (env: TABGATE_SECRET_FILE)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable): full Origin, hostname, hostname:port, wildcard hostname (*.example.com), or exact non-standard values (e.g. null) (env: TABGATE_ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow requests without Origin header (non-browser clients) (env: TABGATE_ALLOW_NO_ORIGIN)")
	fs.BoolVar(&strictOrigin, "strict-origin", strictOrigin, "reject requests without Origin header even when -allow-no-origin is set (env: TABGATE_STRICT_ORIGIN)")
	fs.BoolVar(&authEnabled, "auth", authEnabled, "require the challenge handshake (env: TABGATE_AUTH_ENABLED)")
	fs.BoolVar(&exposeSecret, "expose-secret", exposeSecret, "serve the shared secret to loopback callers at /auth/secret (env: TABGATE_EXPOSE_SECRET)")
	fs.IntVar(&maxExtensions, "max-extensions", maxExtensions, "max concurrent extension connections (env: TABGATE_MAX_EXTENSIONS)")
	fs.IntVar(&maxPending, "max-pending", maxPending, "max simultaneous in-flight requests (env: TABGATE_MAX_PENDING)")
	fs.DurationVar(&requestTimeout, "request-timeout", requestTimeout, "TTL for dispatched commands (env: TABGATE_REQUEST_TIMEOUT)")
	fs.DurationVar(&sessionTTL, "session-ttl", sessionTTL, "session lifetime from creation (env: TABGATE_SESSION_TTL)")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "websocket ping cadence (env: TABGATE_HEARTBEAT_INTERVAL)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for metrics server (empty disables) (env: TABGATE_METRICS_LISTEN)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, version.String(buildVersion, commit, date))
		return 0
	}

	observer := observability.NewAtomicGatewayObserver()

	authCfg.Enabled = authEnabled
	authCfg.SecretFile = secretFile
	authCfg.SessionTTL = sessionTTL
	am, err := auth.New(authCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	defer limiter.Close()

	store := callback.New(callback.Config{MaxPending: maxPending}, callback.Options{
		Logger:  logger,
		OnEvict: limiter.ClearRequestPolls,
	})
	defer store.Close()

	tabs := tabstate.New()

	gwCfg.AllowedOrigins = allowedOrigins
	gwCfg.AllowNoOrigin = allowNoOrigin
	gwCfg.StrictOrigin = strictOrigin
	gwCfg.MaxExtensions = maxExtensions
	gwCfg.RequestTimeout = requestTimeout
	gwCfg.HeartbeatInterval = heartbeatInterval
	gwCfg.ServerVersion = buildVersion
	gw := gateway.NewServer(gwCfg, gateway.Options{
		Auth:     am,
		Limiter:  limiter,
		Store:    store,
		Tabs:     tabs,
		Observer: observer,
		Logger:   logger,
	})

	monCfg := monitor.DefaultConfig()
	monCfg.MaxPending = maxPending
	mon := monitor.New(monCfg, monitor.Options{
		Pending:         gw.Correlator().PendingCount,
		PendingByOp:     gw.Correlator().PendingByOperation,
		CallbackPending: store.PendingCount,
		EmergencySweep:  gw.EmergencySweep,
		Observer:        observer,
		Logger:          logger,
	})
	mon.Start()
	defer mon.Close()

	gw.Start()

	api := httpapi.New(httpapi.Config{
		AllowedOrigins: allowedOrigins,
		RequestTimeout: requestTimeout,
		ExposeSecret:   exposeSecret,
		ServerVersion:  buildVersion,
	}, httpapi.Options{
		Gateway:  gw,
		Store:    store,
		Limiter:  limiter,
		Tabs:     tabs,
		Monitor:  mon,
		Auth:     am,
		Observer: observer,
		Logger:   logger,
	})

	mux := http.NewServeMux()
	mux.Handle(wsPath, gw)
	mux.Handle("/", api.Router())

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Fatal(err)
			}
		}()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	srv := newHTTPServer(mux)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	bindAddr := ln.Addr().String()
	_ = json.NewEncoder(stdout).Encode(ready{
		Version:   buildVersion,
		Commit:    commit,
		Date:      date,
		Listen:    bindAddr,
		WSPath:    wsPath,
		WSURL:     "ws://" + bindAddr + wsPath,
		HTTPURL:   "http://" + bindAddr,
		HealthURL: "http://" + bindAddr + "/health",
	})

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)

	for {
		if handleSignal(<-sig, logger, metrics) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = gw.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		cancel()
		return 0
	}
}

func envString(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func envBoolWithErr(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, err
	}
	return v, nil
}

func envIntWithErr(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func envDurationWithErr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}
