package daemon

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	sessionKeyChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	sessionKeyLen   = 4

	// DefaultPortStart is where the allocator cursor begins.
	DefaultPortStart = 3010
	// DefaultIdleTimeout stops running servers nobody has touched.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultRetention prunes exited sessions from the map.
	DefaultRetention = 600 * time.Second
	// DefaultSweepInterval is the sweeper tick period.
	DefaultSweepInterval = 5 * time.Second
)

// Settings configures a Manager. Zero values fall back to the defaults
// above.
type Settings struct {
	PortStart     int
	IdleTimeout   time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.PortStart == 0 {
		s.PortStart = DefaultPortStart
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.Retention == 0 {
		s.Retention = DefaultRetention
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = DefaultSweepInterval
	}
	return s
}

// Manager owns every dev server session and the port allocator, all
// behind one mutex. The mutex is never held across process I/O (spawn,
// kill, wait): operations snapshot under the lock, do the I/O, and
// reacquire to apply the result. The port allocator's bind probe is the
// one socket operation that runs under the lock.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*ServerEntry
	ports    *PortAllocator

	idle      time.Duration
	retention time.Duration

	sweepStop chan struct{}
	stopOnce  sync.Once
}

// NewManager creates a Manager and starts its sweeper.
func NewManager(s Settings) *Manager {
	s = s.withDefaults()
	m := &Manager{
		sessions:  make(map[string]*ServerEntry),
		ports:     NewPortAllocator(s.PortStart),
		idle:      s.IdleTimeout,
		retention: s.Retention,
		sweepStop: make(chan struct{}),
	}

	go m.runSweeper(s.SweepInterval)

	return m
}

// Close stops the sweeper. Running children are left alone; stopping
// them is the client's call, not the daemon's.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.sweepStop) })
}

// SetTimeouts updates the sweep thresholds, e.g. after a config reload.
func (m *Manager) SetTimeouts(idle, retention time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idle > 0 {
		m.idle = idle
	}
	if retention > 0 {
		m.retention = retention
	}
}

// SessionCount reports how many sessions are in the map.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) generateSessionKey() string {
	for {
		b := make([]byte, sessionKeyLen)
		for i := range b {
			b[i] = sessionKeyChars[rand.IntN(len(sessionKeyChars))]
		}
		key := string(b)
		if _, exists := m.sessions[key]; !exists {
			return key
		}
	}
}

// shellCommand wraps a user command line for the platform shell.
func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("sh", "-c", command)
}

// Start spawns a supervised dev server for command and registers it
// under a fresh session key. The allocated port is exported to the child
// as PORT and rolled back on any failure before the entry is inserted.
func (m *Manager) Start(command, cwd string) map[string]any {
	m.mu.Lock()
	sessionKey := m.generateSessionKey()
	port, err := m.ports.Allocate()
	if err != nil {
		m.mu.Unlock()
		return map[string]any{"error": fmt.Sprintf("Port allocation failed: %v", err)}
	}
	m.mu.Unlock()

	cmd := shellCommand(command)
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(port))

	if cwd != "" {
		info, err := os.Stat(cwd)
		if err != nil || !info.IsDir() {
			m.freePort(port)
			return map[string]any{"error": fmt.Sprintf("Invalid cwd: %s", cwd)}
		}
		cmd.Dir = cwd
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.freePort(port)
		return map[string]any{"error": fmt.Sprintf("Failed to spawn process: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.freePort(port)
		return map[string]any{"error": fmt.Sprintf("Failed to spawn process: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		m.freePort(port)
		return map[string]any{"error": fmt.Sprintf("Failed to spawn process: %v", err)}
	}

	entry := NewServerEntry(cmd, stdout, stderr, port)

	m.mu.Lock()
	m.sessions[sessionKey] = entry
	m.mu.Unlock()

	slog.Info("Started dev server", "session", sessionKey, "port", port, "pid", cmd.Process.Pid)

	return map[string]any{
		"status":      "started",
		"port":        port,
		"session_key": sessionKey,
	}
}

// Stop kills the session's child and releases its port. The entry is
// removed from the map for the duration so concurrent operations cannot
// race the stop, and reinserted afterwards: exited on success, still
// running on failure so the key stays addressable and the sweeper can
// retry.
func (m *Manager) Stop(sessionKey string) map[string]any {
	m.mu.Lock()
	entry, ok := m.sessions[sessionKey]
	if !ok {
		m.mu.Unlock()
		return map[string]any{"error": "Session not found"}
	}
	delete(m.sessions, sessionKey)
	entry.lastActivity = time.Now()
	port := entry.port
	m.mu.Unlock()

	if err := entry.Stop(); err != nil {
		m.mu.Lock()
		m.sessions[sessionKey] = entry
		m.mu.Unlock()
		return map[string]any{"error": fmt.Sprintf("Failed to stop server: %v", err)}
	}

	entry.port = 0

	m.mu.Lock()
	m.ports.Free(port)
	m.sessions[sessionKey] = entry
	m.mu.Unlock()

	slog.Info("Stopped dev server", "session", sessionKey, "port", port)

	return map[string]any{"status": "stopped", "session_key": sessionKey}
}

// Status reports one session, or all of them when sessionKey is empty.
// Every reported session counts as client activity.
func (m *Manager) Status(sessionKey string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if sessionKey != "" {
		entry, ok := m.sessions[sessionKey]
		if !ok {
			return map[string]any{"error": "Session not found"}
		}
		entry.lastActivity = now
		return sessionStatus(sessionKey, entry)
	}

	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sessions := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		entry := m.sessions[key]
		entry.lastActivity = now
		sessions = append(sessions, sessionStatus(key, entry))
	}

	return map[string]any{"sessions": sessions}
}

func sessionStatus(key string, entry *ServerEntry) map[string]any {
	result := map[string]any{
		"session_key": key,
		"running":     entry.IsRunning(),
	}
	if entry.port != 0 {
		result["port"] = entry.port
	}
	return result
}

// Tail returns the captured tail of both output streams.
func (m *Manager) Tail(sessionKey string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[sessionKey]
	if !ok {
		return map[string]any{"error": "Session not found"}
	}

	entry.lastActivity = time.Now()
	stdout, stderr := entry.Logs()

	return map[string]any{
		"session_key": sessionKey,
		"stdout":      stdout,
		"stderr":      stderr,
	}
}

func (m *Manager) freePort(port int) {
	m.mu.Lock()
	m.ports.Free(port)
	m.mu.Unlock()
}

func (m *Manager) runSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep is one sweeper tick: observe exits, release ports held by exited
// entries, stop idle servers, and prune exited sessions past retention.
func (m *Manager) sweep(now time.Time) {
	var toStop, toPrune []string

	m.mu.Lock()
	for key, entry := range m.sessions {
		entry.PollExit()

		if exitedAt, ok := entry.ExitedAt(); ok {
			// Release the port in the same lock pass that discovered it
			if entry.port != 0 {
				m.ports.Free(entry.port)
				entry.port = 0
			}
			if now.Sub(exitedAt) > m.retention {
				toPrune = append(toPrune, key)
			}
		} else if now.Sub(entry.lastActivity) > m.idle {
			toStop = append(toStop, key)
		}
	}
	m.mu.Unlock()

	for _, key := range toStop {
		m.mu.Lock()
		entry, ok := m.sessions[key]
		if !ok {
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, key)
		port := entry.port
		m.mu.Unlock()

		if err := entry.Stop(); err != nil {
			slog.Warn("Idle stop failed", "session", key, "error", err)
		}
		entry.port = 0

		m.mu.Lock()
		m.ports.Free(port)
		m.sessions[key] = entry
		m.mu.Unlock()

		slog.Info("Stopped idle dev server", "session", key, "port", port)
	}

	for _, key := range toPrune {
		m.mu.Lock()
		if entry, ok := m.sessions[key]; ok {
			delete(m.sessions, key)
			if entry.port != 0 {
				m.ports.Free(entry.port)
			}
		}
		m.mu.Unlock()

		slog.Info("Pruned exited session", "session", key)
	}
}
