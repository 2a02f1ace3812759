package connection

import (
	"sync"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// Stats reports the number of pooled connections per pool.
type Stats struct {
	Global int `json:"global"`
	User   int `json:"user"`
	Team   int `json:"team"`
}

// Stats returns the current pool sizes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for key := range m.conns {
		switch key.Scope {
		case config.ScopeGlobal:
			s.Global++
		case config.ScopeUser:
			s.User++
		case config.ScopeTeam:
			s.Team++
		}
	}
	return s
}

// Start launches the background sweep. Shutdown stops it.
func (m *Manager) Start() {
	m.sweepWG.Add(1)
	go m.sweepLoop()
}

func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopSweep:
			return
		}
	}
}

// Sweep evicts user and team connections idle longer than the idle timeout
// and any connection whose local process has exited. Connections with calls
// in flight are never evicted. It returns the number of evictions.
func (m *Manager) Sweep() int {
	cutoff := m.clock.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var removed []*ManagedConnection
	for key, conn := range m.conns {
		reason := ""
		switch {
		case conn.processDead():
			reason = "process_exited"
		case key.Scope != config.ScopeGlobal && conn.idleSince(cutoff):
			reason = "idle"
		}
		if reason == "" {
			continue
		}
		m.generations[key]++
		removed = append(removed, m.removeLocked(key, reason))
	}
	m.pruneGenerationsLocked()
	m.mu.Unlock()

	for _, conn := range removed {
		conn.retire()
	}
	if len(removed) > 0 {
		logging.Debug("Connection", "Sweep evicted %d connections", len(removed))
	}
	return len(removed)
}

// pruneGenerationsLocked forgets the generation of keys with neither a
// pooled connection nor a connect in progress. No caller holds their
// generation, so a later connect starting from zero is safe.
func (m *Manager) pruneGenerationsLocked() {
	for key := range m.generations {
		if _, pooled := m.conns[key]; pooled {
			continue
		}
		if m.connecting[key] > 0 {
			continue
		}
		delete(m.generations, key)
	}
}

// Shutdown stops the sweep and closes every pooled connection, terminating
// owned processes. Later connects fail with ErrShutdown.
func (m *Manager) Shutdown() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
	m.sweepWG.Wait()

	m.mu.Lock()
	m.closed = true
	removed := make([]*ManagedConnection, 0, len(m.conns))
	for key := range m.conns {
		removed = append(removed, m.removeLocked(key, "shutdown"))
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range removed {
		wg.Add(1)
		go func(c *ManagedConnection) {
			defer wg.Done()
			// In-flight calls are abandoned at shutdown.
			c.retired.Store(true)
			c.close()
		}(conn)
	}
	wg.Wait()

	logging.Info("Connection", "Connection manager stopped, closed %d connections", len(removed))
}
