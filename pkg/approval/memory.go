package approval

import (
	"fmt"
	"strings"
	"sync"
)

// Memory remembers approvals within a session so the same
// recommendation for the same ticker is not asked twice.
type Memory struct {
	mu      sync.RWMutex
	granted map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{granted: make(map[string]struct{})}
}

func memoryKey(sessionID, ticker, recommendation string) string {
	return fmt.Sprintf("%s|%s|%s", sessionID, ticker, strings.ToLower(strings.TrimSpace(recommendation)))
}

// Remember marks the combination as already approved.
func (m *Memory) Remember(sessionID, ticker, recommendation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted[memoryKey(sessionID, ticker, recommendation)] = struct{}{}
}

// Granted reports whether the combination was approved earlier in the session.
func (m *Memory) Granted(sessionID, ticker, recommendation string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.granted[memoryKey(sessionID, ticker, recommendation)]
	return ok
}

// Forget drops all approvals for a session.
func (m *Memory) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := sessionID + "|"
	for k := range m.granted {
		if strings.HasPrefix(k, prefix) {
			delete(m.granted, k)
		}
	}
}
