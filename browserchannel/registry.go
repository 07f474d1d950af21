package browserchannel

import (
	"crypto/rand"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RegistryConfig carries Registry-wide tunables.
type RegistryConfig struct {
	Session SessionConfig

	// NewSessionRateLimit and NewSessionBurst bound the rate of new
	// session creation, protecting against the reorder-buffer memory
	// pressure an attacker could otherwise cause by opening sessions and
	// never sending contiguous data. A zero NewSessionRateLimit disables
	// the limiter.
	NewSessionRateLimit rate.Limit
	NewSessionBurst     int
}

// DefaultRegistryConfig mirrors spec.md's defaults plus a permissive
// admission-control limiter (50/s, burst 100).
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Session:             DefaultSessionConfig(),
		NewSessionRateLimit: 50,
		NewSessionBurst:     100,
	}
}

// Registry owns the set of live sessions for a Handler. It assigns
// session ids, tracks them by id, and enforces new-session admission
// control.
type Registry struct {
	cfg     RegistryConfig
	clock   Clock
	log     *zap.SugaredLogger
	metrics *sessionMetricsSink
	limiter *rate.Limiter

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds a Registry. clock and log may be nil, in which case
// RealClock and a no-op logger are used.
func NewRegistry(cfg RegistryConfig, clock Clock, log *zap.SugaredLogger) *Registry {
	if clock == nil {
		clock = RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var limiter *rate.Limiter
	if cfg.NewSessionRateLimit > 0 {
		limiter = rate.NewLimiter(cfg.NewSessionRateLimit, cfg.NewSessionBurst)
	}
	return &Registry{
		cfg:      cfg,
		clock:    clock,
		log:      log,
		limiter:  limiter,
		sessions: make(map[string]*Session),
	}
}

// SetMetricsSink wires Prometheus-backed session metrics. It must be
// called before the first Create, if at all; Registry has no internal
// synchronization around this field because it's expected to be set once
// at startup.
func (r *Registry) SetMetricsSink(sink *sessionMetricsSink) {
	r.metrics = sink
}

// Create admits and registers a new session, or returns ErrTooManySessions
// if the admission-control limiter rejects it. address and appVersion are
// recorded for diagnostics; hostPrefix is echoed back in the initial "c"
// array per spec.
func (r *Registry) Create(address, appVersion, hostPrefix string, obs SessionObserver, onRemove func(string)) (*Session, error) {
	if r.limiter != nil && !r.limiter.Allow() {
		return nil, ErrTooManySessions
	}

	id, err := r.generateUniqueID()
	if err != nil {
		return nil, err
	}

	removeAndForget := func(sid string) {
		r.Remove(sid)
		if onRemove != nil {
			onRemove(sid)
		}
	}

	s := newSession(id, address, appVersion, hostPrefix, r.cfg.Session, r.clock, obs, r.log, removeAndForget, r.metrics)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	return s, nil
}

func (r *Registry) generateUniqueID() (string, error) {
	// Collisions are astronomically unlikely at 40 bits of entropy for any
	// realistic number of concurrent sessions, but a registry under a
	// long-lived process should never silently hand out a colliding id.
	for i := 0; i < 10; i++ {
		id, err := generateSessionID(rand.Reader)
		if err != nil {
			return "", err
		}
		r.mu.RLock()
		_, taken := r.sessions[id]
		r.mu.RUnlock()
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDGenerationExhausted
}

// Lookup returns the session registered under id, or (nil, false).
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters id, if present, without otherwise affecting the
// session. Session.Close calls this via its onRemove hook; it's exported
// so a Handler can force-evict a session (e.g. on shutdown) without
// going through Close's observer notifications.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session with the given reason, for use
// during server shutdown. It snapshots the session list first since
// Session.Close removes itself from the registry as a side effect.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close(reason)
	}
}
