package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type AdmitResult string

const (
	AdmitResultOK   AdmitResult = "ok"
	AdmitResultFail AdmitResult = "fail"
)

type AdmitReason string

const (
	AdmitReasonOK             AdmitReason = "ok"
	AdmitReasonUpgradeError   AdmitReason = "upgrade_error"
	AdmitReasonOriginRejected AdmitReason = "origin_rejected"
	AdmitReasonAddressLocked  AdmitReason = "address_locked"
	AdmitReasonAtCapacity     AdmitReason = "at_capacity"
	AdmitReasonAuthFailed     AdmitReason = "auth_failed"
	AdmitReasonAuthTimeout    AdmitReason = "auth_timeout"
	AdmitReasonShuttingDown   AdmitReason = "shutting_down"
)

type AuthResult string

const (
	AuthResultSuccess AuthResult = "success"
	AuthResultFailure AuthResult = "failure"
	AuthResultLockout AuthResult = "lockout"
)

type CloseReason string

const (
	CloseReasonPeerClosed       CloseReason = "peer_closed"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonSessionExpired   CloseReason = "session_expired"
	CloseReasonProtocolError    CloseReason = "protocol_error"
	CloseReasonShutdown         CloseReason = "shutdown"
)

type TerminalStatus string

const (
	TerminalCompleted TerminalStatus = "completed"
	TerminalTimeout   TerminalStatus = "timeout"
	TerminalError     TerminalStatus = "error"
)

// GatewayObserver receives gateway-level metric events.
type GatewayObserver interface {
	ConnCount(role string, n int)
	Admit(result AdmitResult, reason AdmitReason)
	Auth(result AuthResult)
	Close(reason CloseReason)
	RateLimited(class string)
	Dispatch(action string)
	Terminal(status TerminalStatus, d time.Duration)
	Deduplicated()
	PendingCount(n int)
	HealthStatus(status string)
}

type noopGatewayObserver struct{}

func (noopGatewayObserver) ConnCount(string, int)              {}
func (noopGatewayObserver) Admit(AdmitResult, AdmitReason)     {}
func (noopGatewayObserver) Auth(AuthResult)                    {}
func (noopGatewayObserver) Close(CloseReason)                  {}
func (noopGatewayObserver) RateLimited(string)                 {}
func (noopGatewayObserver) Dispatch(string)                    {}
func (noopGatewayObserver) Terminal(TerminalStatus, time.Duration) {}
func (noopGatewayObserver) Deduplicated()                      {}
func (noopGatewayObserver) PendingCount(int)                   {}
func (noopGatewayObserver) HealthStatus(string)                {}

// NoopGatewayObserver is a zero-cost observer used when metrics are disabled.
var NoopGatewayObserver GatewayObserver = noopGatewayObserver{}

// AtomicGatewayObserver swaps its delegate at runtime, letting operators
// toggle metrics on a live gateway.
type AtomicGatewayObserver struct {
	once sync.Once
	v    atomic.Value
}

type gatewayObserverHolder struct {
	obs GatewayObserver
}

// NewAtomicGatewayObserver returns an initialized atomic observer.
func NewAtomicGatewayObserver() *AtomicGatewayObserver {
	a := &AtomicGatewayObserver{}
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicGatewayObserver) Set(obs GatewayObserver) {
	if obs == nil {
		obs = NoopGatewayObserver
	}
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	a.v.Store(&gatewayObserverHolder{obs: obs})
}

func (a *AtomicGatewayObserver) load() GatewayObserver {
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	return a.v.Load().(*gatewayObserverHolder).obs
}

func (a *AtomicGatewayObserver) ConnCount(role string, n int) { a.load().ConnCount(role, n) }
func (a *AtomicGatewayObserver) Admit(result AdmitResult, reason AdmitReason) {
	a.load().Admit(result, reason)
}
func (a *AtomicGatewayObserver) Auth(result AuthResult)    { a.load().Auth(result) }
func (a *AtomicGatewayObserver) Close(reason CloseReason)  { a.load().Close(reason) }
func (a *AtomicGatewayObserver) RateLimited(class string)  { a.load().RateLimited(class) }
func (a *AtomicGatewayObserver) Dispatch(action string)    { a.load().Dispatch(action) }
func (a *AtomicGatewayObserver) Terminal(status TerminalStatus, d time.Duration) {
	a.load().Terminal(status, d)
}
func (a *AtomicGatewayObserver) Deduplicated()             { a.load().Deduplicated() }
func (a *AtomicGatewayObserver) PendingCount(n int)        { a.load().PendingCount(n) }
func (a *AtomicGatewayObserver) HealthStatus(status string) { a.load().HealthStatus(status) }
