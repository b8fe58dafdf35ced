package sync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rmazur/fieldsync/internal/logging"
)

// ConnectivitySource reports whether the server is reachable and signals the
// moment reachability comes back after an offline stretch.
type ConnectivitySource interface {
	// Online reports the current reachability verdict.
	Online() bool
	// Regained delivers a signal on each offline-to-online transition. The
	// channel is never closed.
	Regained() <-chan struct{}
}

// ProbeFunc checks reachability once. It must respect the context deadline.
type ProbeFunc func(ctx context.Context) bool

// Monitor polls a probe on an interval and tracks transitions. Reads are safe
// from any goroutine; SetOnline allows the platform layer to push verdicts
// directly when it has better signal than the probe.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration

	mu       sync.Mutex
	online   bool
	regained chan struct{}
}

// NewMonitor creates a connectivity monitor. The monitor starts optimistic:
// it assumes online until a probe says otherwise, so the first sync pass is
// not held back waiting for a probe cycle.
func NewMonitor(probe ProbeFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		online:   true,
		regained: make(chan struct{}, 1),
	}
}

// Online reports the last known reachability verdict.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Regained delivers a signal on each offline-to-online transition.
func (m *Monitor) Regained() <-chan struct{} {
	return m.regained
}

// SetOnline records a reachability verdict and fires the regained signal on
// an offline-to-online transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if online && !was {
		logging.Info("Connectivity regained")
		select {
		case m.regained <- struct{}{}:
		default: // a pending signal already covers this transition
		}
	}
	if !online && was {
		logging.Info("Connectivity lost")
	}
}

// Run polls the probe until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.interval)
			m.SetOnline(m.probe(probeCtx))
			cancel()
		}
	}
}

// HTTPProbe builds a probe that issues a HEAD request against the given URL.
func HTTPProbe(url string, timeout time.Duration) ProbeFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < 500
	}
}
