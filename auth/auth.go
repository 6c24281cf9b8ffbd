package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tabgate/tabgate/internal/securefile"
)

// SecretEnvVar is consulted first during secret discovery.
const SecretEnvVar = "TABGATE_SHARED_SECRET"

const secretBytes = 32

var (
	ErrChallengeMissing = errors.New("no challenge issued for connection")
	ErrChallengeExpired = errors.New("challenge expired")
	ErrBadResponse      = errors.New("challenge response mismatch")
	ErrSessionMissing   = errors.New("unknown session")
	ErrSessionExpired   = errors.New("session expired")
)

// Permissions granted to every authenticated session. The handshake does
// not negotiate scopes; the permission set covers the supported actions.
var Permissions = []string{
	"get_tabs", "open_url", "close_tab", "get_html",
	"execute_script", "inject_css", "get_cookies",
	"upload_file_to_tab", "subscribe_events",
}

type Config struct {
	Enabled          bool          // Whether the handshake is required at all.
	Secret           string        // Explicit shared secret (optional).
	SecretFile       string        // On-disk key file, created if absent.
	ChallengeTimeout time.Duration // How long a challenge stays verifiable.
	SessionTTL       time.Duration // Session lifetime from creation.
}

// DefaultConfig returns handshake defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		SecretFile:       ".tabgate-secret",
		ChallengeTimeout: 30 * time.Second,
		SessionTTL:       24 * time.Hour,
	}
}

// Challenge is a single-use random token bound to a pre-auth connection.
type Challenge struct {
	Token     string    // 16 random bytes, hex encoded.
	ExpiresAt time.Time // After this instant verification fails.
}

// Session is the TTL-bounded capability issued after a successful
// handshake. Expiry is fixed at creation; LastActivity feeds the
// expiry-warning protocol, not a sliding TTL.
type Session struct {
	ID           string
	ClientID     string
	Role         string
	Permissions  []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// Expired reports whether the session is past its fixed expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Manager owns the shared secret, the challenge table and the session
// table.
type Manager struct {
	cfg    Config
	secret []byte

	mu         sync.Mutex
	challenges map[string]Challenge // key: connection id
	sessions   map[string]*Session  // key: session id

	now func() time.Time
}

// New discovers the shared secret and returns a ready manager.
//
// Discovery order, first hit wins: TABGATE_SHARED_SECRET environment
// variable, explicit cfg.Secret, the key file, a freshly generated
// 32-byte secret persisted to the key file with mode 0600.
func New(cfg Config) (*Manager, error) {
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = 30 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	secret, err := discoverSecret(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		secret:     secret,
		challenges: make(map[string]Challenge),
		sessions:   make(map[string]*Session),
		now:        time.Now,
	}, nil
}

func discoverSecret(cfg Config) ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv(SecretEnvVar)); v != "" {
		return []byte(v), nil
	}
	if v := strings.TrimSpace(cfg.Secret); v != "" {
		return []byte(v), nil
	}
	if cfg.SecretFile == "" {
		return nil, errors.New("no shared secret source configured")
	}
	if b, err := securefile.ReadOwnerOnly(cfg.SecretFile); err == nil {
		if v := strings.TrimSpace(string(b)); v != "" {
			return []byte(v), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	secret := hex.EncodeToString(raw)
	if err := securefile.WriteOwnerOnly(cfg.SecretFile, []byte(secret)); err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

// Enabled reports whether the handshake is required.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// ChallengeTimeout exposes the configured challenge lifetime for the
// per-connection handshake timer.
func (m *Manager) ChallengeTimeout() time.Duration { return m.cfg.ChallengeTimeout }

// SessionTTL exposes the configured session lifetime.
func (m *Manager) SessionTTL() time.Duration { return m.cfg.SessionTTL }

// NewChallenge issues a fresh challenge for a pre-auth connection,
// replacing any prior one for the same connection.
func (m *Manager) NewChallenge(connID string) (Challenge, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return Challenge{}, err
	}
	ch := Challenge{
		Token:     hex.EncodeToString(raw),
		ExpiresAt: m.now().Add(m.cfg.ChallengeTimeout),
	}
	m.mu.Lock()
	m.challenges[connID] = ch
	m.mu.Unlock()
	return ch, nil
}

// Verify checks an auth_response against the connection's outstanding
// challenge. The challenge is single-use: it is deleted on every
// outcome, so a replayed response can never verify twice.
//
// The comparison is constant-time over equal-length byte strings; a
// length mismatch rejects immediately.
func (m *Manager) Verify(connID string, response string) error {
	m.mu.Lock()
	ch, ok := m.challenges[connID]
	delete(m.challenges, connID)
	m.mu.Unlock()
	if !ok {
		return ErrChallengeMissing
	}
	if m.now().After(ch.ExpiresAt) {
		return ErrChallengeExpired
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(ch.Token))
	want := hex.EncodeToString(mac.Sum(nil))
	if len(response) != len(want) {
		return ErrBadResponse
	}
	// hmac.Equal is constant time for equal-length inputs.
	if !hmac.Equal([]byte(response), []byte(want)) {
		return ErrBadResponse
	}
	return nil
}

// DropChallenge discards an outstanding challenge, e.g. when the
// pre-auth connection dies before responding.
func (m *Manager) DropChallenge(connID string) {
	m.mu.Lock()
	delete(m.challenges, connID)
	m.mu.Unlock()
}

// CreateSession issues a session after a verified handshake. clientID is
// caller-chosen; an empty value gets a generated id.
func (m *Manager) CreateSession(clientID string, role string) *Session {
	if strings.TrimSpace(clientID) == "" {
		clientID = "client-" + uuid.NewString()[:8]
	}
	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		Role:         role,
		Permissions:  append([]string(nil), Permissions...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.SessionTTL),
		LastActivity: now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Lookup validates a session id and refreshes its last-activity time.
func (m *Manager) Lookup(sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionMissing
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionMissing
	}
	now := m.now()
	if s.Expired(now) {
		delete(m.sessions, sessionID)
		return nil, ErrSessionExpired
	}
	s.LastActivity = now
	return s, nil
}

// Peek returns a session without touching last-activity; the heartbeat
// surveillance uses it so its own ticks do not count as activity.
func (m *Manager) Peek(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Revoke removes a session.
func (m *Manager) Revoke(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Sweep removes expired challenges and sessions.
func (m *Manager) Sweep() (challenges int, sessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, ch := range m.challenges {
		if now.After(ch.ExpiresAt) {
			delete(m.challenges, id)
			challenges++
		}
	}
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			sessions++
		}
	}
	return challenges, sessions
}

// Clear drops every challenge and session; used on shutdown.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.challenges = make(map[string]Challenge)
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Secret exposes the shared secret for the local-only /auth/secret
// endpoint and for tests computing responses.
func (m *Manager) Secret() string {
	return string(m.secret)
}

// ComputeResponse returns HMAC-SHA256(secret, challenge) hex encoded.
// Clients and tests use it to answer a challenge.
func ComputeResponse(secret string, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}
