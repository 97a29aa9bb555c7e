// ABOUTME: Per-conversation mutual-exclusion scope for serialized mutations
// ABOUTME: Keyed mutexes plus a fast-fail registry for in-flight mode transitions

package conversation

import "sync"

// sessionLocks provides a mutex per conversation ID. All mutations of a
// conversation's state (mode writes, assistant/system appends) acquire the
// conversation's scope first; different conversations never contend.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the conversation's scope is held and returns the
// release function. Entries are reference counted so the table doesn't grow
// with every conversation ever seen.
func (l *sessionLocks) Acquire(conversationID string) (release func()) {
	l.mu.Lock()
	entry, ok := l.entries[conversationID]
	if !ok {
		entry = &lockEntry{}
		l.entries[conversationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, conversationID)
		}
		l.mu.Unlock()
	}
}

// transitionGuard tracks which conversations have a mode transition in
// flight. A second transition attempt for the same conversation fails fast
// with Conflict instead of queueing behind the first — repeated operator
// clicks should not pile up. AI generation does not register here; a
// transition arriving while generation holds the session lock simply waits.
type transitionGuard struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

func newTransitionGuard() *transitionGuard {
	return &transitionGuard{inFlight: make(map[string]bool)}
}

// begin marks a transition as in flight.
// Returns false if one is already pending for this conversation.
func (g *transitionGuard) begin(conversationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight[conversationID] {
		return false
	}
	g.inFlight[conversationID] = true
	return true
}

// end clears the in-flight mark set by begin.
func (g *transitionGuard) end(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, conversationID)
}
