package importer

import (
	"sync"

	"github.com/google/uuid"
)

// CancelRegistry holds one cooperative cancellation flag per active session.
// The contract bounds its growth: the orchestrator inserts a flag when a run
// starts and removes it when the run reaches any terminal status. Requests
// for unknown sessions are ignored.
type CancelRegistry struct {
	flags sync.Map // map[uuid.UUID]*cancelFlag
}

type cancelFlag struct {
	mu        sync.Mutex
	cancelled bool
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{}
}

// Register inserts a flag for a starting session.
func (r *CancelRegistry) Register(sessionID uuid.UUID) {
	r.flags.Store(sessionID, &cancelFlag{})
}

// Request marks the session for cancellation. Returns false when the session
// is not active.
func (r *CancelRegistry) Request(sessionID uuid.UUID) bool {
	value, ok := r.flags.Load(sessionID)
	if !ok {
		return false
	}
	flag := value.(*cancelFlag)
	flag.mu.Lock()
	flag.cancelled = true
	flag.mu.Unlock()
	return true
}

// IsCancelled is polled by the orchestrator at row and batch boundaries.
func (r *CancelRegistry) IsCancelled(sessionID uuid.UUID) bool {
	value, ok := r.flags.Load(sessionID)
	if !ok {
		return false
	}
	flag := value.(*cancelFlag)
	flag.mu.Lock()
	defer flag.mu.Unlock()
	return flag.cancelled
}

// Clear removes the flag once the run reaches a terminal status.
func (r *CancelRegistry) Clear(sessionID uuid.UUID) {
	r.flags.Delete(sessionID)
}
