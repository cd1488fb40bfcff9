package collision

import (
	"sync"
	"time"
)

// MessageInfo tracks one direction (inbound or outbound) of the steal
// protocol between this node and a single peer. jobsToSteal is the last
// announced absolute pending-steal capacity, not an accumulator: every
// update replaces it outright. Fields are guarded by mu and read or
// written directly by the engine, which always holds mu across any
// sequence that must appear atomic.
type MessageInfo struct {
	mu          sync.Mutex
	jobsToSteal int
	ts          time.Time
}

func newMessageInfo() *MessageInfo {
	return &MessageInfo{ts: time.Now()}
}

// expired reports whether a still-outstanding steal announcement is older
// than expiry. A zero jobsToSteal is never expired, it simply carries no
// outstanding request.
func (m *MessageInfo) expired(expiry time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobsToSteal > 0 && time.Since(m.ts) >= expiry
}

// JobsToSteal returns the last announced pending-steal capacity.
func (m *MessageInfo) JobsToSteal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobsToSteal
}
