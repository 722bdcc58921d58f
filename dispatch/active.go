package dispatch

import "sync"

// ActiveTurns is the in-process set of turns currently owned by a live
// driver. It is deliberately not durable: after a crash the new process has
// no active turns, and every non-terminal row becomes eligible for recovery.
type ActiveTurns struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// NewActiveTurns returns an empty set.
func NewActiveTurns() *ActiveTurns {
	return &ActiveTurns{m: make(map[string]struct{})}
}

var (
	sharedActiveOnce sync.Once
	sharedActive     *ActiveTurns
)

// SharedActiveTurns returns the process-wide set, constructing it on first
// use.
func SharedActiveTurns() *ActiveTurns {
	sharedActiveOnce.Do(func() { sharedActive = NewActiveTurns() })
	return sharedActive
}

// Add registers a turn as active.
func (a *ActiveTurns) Add(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[id] = struct{}{}
}

// Remove unregisters a turn.
func (a *ActiveTurns) Remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, id)
}

// Contains reports whether the turn is active.
func (a *ActiveTurns) Contains(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	var _, ok = a.m[id]
	return ok
}
