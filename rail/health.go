/*
health.go - Last-known rail health and the background prober that feeds it

DESIGN:
  Health checks are read-only and run on their own schedule. The router
  only reads the HealthBoard snapshot; it never calls an adapter
  synchronously, so a slow or dead rail cannot stall a routing decision.
  A rail that has never been probed counts as healthy.

SEE ALSO:
  - routing/router.go: Eligibility filter that consults the board
*/
package rail

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthBoard stores the latest probe result per rail.
type HealthBoard struct {
	mu     sync.RWMutex
	status map[ID]HealthStatus
}

// NewHealthBoard creates an empty board.
func NewHealthBoard() *HealthBoard {
	return &HealthBoard{status: make(map[ID]HealthStatus)}
}

// Set records a probe result.
func (b *HealthBoard) Set(id ID, s HealthStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[id] = s
}

// Get returns the last probe result and whether one exists.
func (b *HealthBoard) Get(id ID) (HealthStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.status[id]
	return s, ok
}

// IsHealthy treats unknown rails as healthy.
func (b *HealthBoard) IsHealthy(id ID) bool {
	if b == nil {
		return true
	}
	s, ok := b.Get(id)
	return !ok || s.Healthy
}

// =============================================================================
// MONITOR
// =============================================================================

// HealthMonitor probes every registered rail on an interval.
type HealthMonitor struct {
	Registry *RegistryHolder
	Board    *HealthBoard
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

// NewHealthMonitor creates a monitor with sane defaults.
func NewHealthMonitor(reg *RegistryHolder, board *HealthBoard) *HealthMonitor {
	return &HealthMonitor{
		Registry: reg,
		Board:    board,
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   slog.Default(),
	}
}

// Start runs an immediate probe and then probes on every tick.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run(m.stop)
	m.Logger.Info("[Health] monitor started", "interval", m.Interval)
}

// Stop halts the monitor and waits for the in-flight probe.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.wg.Wait()
	m.stop = nil
	m.Logger.Info("[Health] monitor stopped")
}

func (m *HealthMonitor) run(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.CheckAll(context.Background())
	for {
		select {
		case <-ticker.C:
			m.CheckAll(context.Background())
		case <-stop:
			return
		}
	}
}

// CheckAll probes every rail in the current registry concurrently.
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range m.Registry.Load().List() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.Timeout)
			defer cancel()

			s := a.HealthCheck(cctx)
			if s.CheckedAt.IsZero() {
				s.CheckedAt = time.Now().UTC()
			}
			prev, known := m.Board.Get(a.ID())
			m.Board.Set(a.ID(), s)
			if !known || prev.Healthy != s.Healthy {
				m.Logger.Info("[Health] rail health changed", "rail", a.ID(), "healthy", s.Healthy, "message", s.Message)
			}
		}(a)
	}
	wg.Wait()
}
