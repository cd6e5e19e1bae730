package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Role identifies a provider slot guarded by its own circuit and fallback.
type Role string

const (
	RoleRecognizer    Role = "recognizer"
	RoleLanguageModel Role = "language_model"
	RoleSynthesizer   Role = "synthesizer"
)

// Binding is the backend a caller must use for its next request of a role.
// Bindings are resolved per request, never consulted mid-flight.
type Binding struct {
	Role     Role
	Backend  string
	State    CircuitState
	Fallback bool
	Probe    bool
}

// Change is pushed to listeners when a backend circuit transitions.
type Change struct {
	Role    Role
	Backend string
	State   CircuitState
}

// BackendStatus is the externally visible circuit snapshot for one backend.
type BackendStatus struct {
	Role           Role         `json:"role"`
	Backend        string       `json:"backend"`
	State          CircuitState `json:"state"`
	Failures       int          `json:"consecutive_failures"`
	Successes      int          `json:"consecutive_successes"`
	LastTransition time.Time    `json:"last_transition"`
	Active         bool         `json:"active"`
}

type route struct {
	primary  string
	fallback string
}

// Monitor owns every backend circuit and the per-role primary/fallback
// routes. It is shared across sessions; everything else in a session is
// owned by that session's turn controller.
type Monitor struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	routes    map[Role]route
	breakers  map[string]*breaker
	listeners []func(Change)
	onResult  func(role Role, backend string, success bool, latency time.Duration)
}

// NewMonitor creates a monitor with the given breaker tuning.
func NewMonitor(cfg BreakerConfig) *Monitor {
	return &Monitor{
		cfg:      cfg.normalized(),
		now:      time.Now,
		routes:   make(map[Role]route),
		breakers: make(map[string]*breaker),
	}
}

// SetRoute registers the primary backend and optional fallback for a role.
func (m *Monitor) SetRoute(role Role, primary, fallback string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[role] = route{primary: primary, fallback: fallback}
	m.breakerLocked(role, primary)
	if fallback != "" {
		m.breakerLocked(role, fallback)
	}
}

// AddChangeListener registers a callback fired on every circuit transition.
// Callbacks run outside the monitor lock and must not block.
func (m *Monitor) AddChangeListener(fn func(Change)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetResultHook registers a callback observing every reported call result.
func (m *Monitor) SetResultHook(fn func(role Role, backend string, success bool, latency time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = fn
}

func (m *Monitor) breakerLocked(role Role, backend string) *breaker {
	key := string(role) + "/" + backend
	b, ok := m.breakers[key]
	if !ok {
		b = newBreaker(m.cfg, m.now)
		m.breakers[key] = b
	}
	return b
}

// Resolve returns the binding for the next request of a role. Primary is
// preferred; an open primary routes to the fallback; a half-open primary
// admits exactly one probe and routes everything else to the fallback. When
// neither backend may be called the error is fatal for the session.
func (m *Monitor) Resolve(role Role) (Binding, error) {
	m.mu.Lock()
	r, ok := m.routes[role]
	if !ok {
		m.mu.Unlock()
		return Binding{}, fmt.Errorf("no route registered for role %q", role)
	}
	primary := m.breakerLocked(role, r.primary)
	var fallback *breaker
	if r.fallback != "" {
		fallback = m.breakerLocked(role, r.fallback)
	}
	m.mu.Unlock()

	if ok, probe, changed, state := primary.admit(); ok {
		if changed {
			m.notify(Change{Role: role, Backend: r.primary, State: state})
		}
		return Binding{Role: role, Backend: r.primary, State: state, Probe: probe}, nil
	}

	if fallback != nil {
		if ok, probe, changed, state := fallback.admit(); ok {
			if changed {
				m.notify(Change{Role: role, Backend: r.fallback, State: state})
			}
			return Binding{Role: role, Backend: r.fallback, State: state, Fallback: true, Probe: probe}, nil
		}
		return Binding{}, fmt.Errorf("role %q: primary %q and fallback %q both unavailable", role, r.primary, r.fallback)
	}
	return Binding{}, fmt.Errorf("role %q: backend %q unavailable and no fallback configured", role, r.primary)
}

// ReportResult records one adapter call outcome against a backend circuit.
func (m *Monitor) ReportResult(role Role, backend string, success bool, latency time.Duration) {
	m.mu.Lock()
	b := m.breakerLocked(role, backend)
	hook := m.onResult
	m.mu.Unlock()

	state, changed := b.report(success)
	if hook != nil {
		hook(role, backend, success, latency)
	}
	if changed {
		m.notify(Change{Role: role, Backend: backend, State: state})
	}
}

// Run promotes expired open circuits to half-open on a fixed cadence so
// state changes surface even while no requests are being issued. Blocks
// until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	m.mu.Lock()
	type entry struct {
		key string
		b   *breaker
	}
	entries := make([]entry, 0, len(m.breakers))
	for key, b := range m.breakers {
		entries = append(entries, entry{key: key, b: b})
	}
	m.mu.Unlock()

	for _, e := range entries {
		if state, changed := e.b.tick(); changed {
			role, backend := splitBreakerKey(e.key)
			m.notify(Change{Role: Role(role), Backend: backend, State: state})
		}
	}
}

// Snapshot lists every tracked backend circuit, active route first.
func (m *Monitor) Snapshot() []BackendStatus {
	m.mu.Lock()
	routes := make(map[Role]route, len(m.routes))
	for role, r := range m.routes {
		routes[role] = r
	}
	type entry struct {
		key string
		b   *breaker
	}
	entries := make([]entry, 0, len(m.breakers))
	for key, b := range m.breakers {
		entries = append(entries, entry{key: key, b: b})
	}
	m.mu.Unlock()

	out := make([]BackendStatus, 0, len(entries))
	for _, e := range entries {
		roleStr, backend := splitBreakerKey(e.key)
		role := Role(roleStr)
		state, failures, successes, last := e.b.snapshot()
		active := false
		if r, ok := routes[role]; ok {
			if state == CircuitClosed && backend == r.primary {
				active = true
			}
			if backend == r.fallback {
				if pb, ok2 := m.peek(role, r.primary); ok2 && pb != CircuitClosed {
					active = true
				}
			}
		}
		out = append(out, BackendStatus{
			Role:           role,
			Backend:        backend,
			State:          state,
			Failures:       failures,
			Successes:      successes,
			LastTransition: last,
			Active:         active,
		})
	}
	return out
}

func (m *Monitor) peek(role Role, backend string) (CircuitState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[string(role)+"/"+backend]
	if !ok {
		return "", false
	}
	state, _, _, _ := b.snapshot()
	return state, true
}

func (m *Monitor) notify(ch Change) {
	m.mu.Lock()
	listeners := append(([]func(Change))(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ch)
	}
}

func splitBreakerKey(key string) (role, backend string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
