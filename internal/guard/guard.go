// Package guard admits at most one active session per work key.
package guard

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAlreadyActive matches any *ActiveError via errors.Is.
var ErrAlreadyActive = errors.New("work key already active")

// ActiveError reports the session already holding a key.
type ActiveError struct {
	Key       string
	SessionID string
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("work key %q already active in session %s", e.Key, e.SessionID)
}

func (e *ActiveError) Is(target error) bool {
	return target == ErrAlreadyActive
}

// Entry is one held key.
type Entry struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id"`
}

type Guard struct {
	mu     sync.Mutex
	active map[string]string
}

func New() *Guard {
	return &Guard{active: make(map[string]string)}
}

// TryAcquire grants key to sessionID or reports who holds it. Re-acquiring
// a key already held by the same session succeeds.
func (g *Guard) TryAcquire(key, sessionID string) error {
	if key == "" {
		return errors.New("work key is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, ok := g.active[key]; ok && holder != sessionID {
		return &ActiveError{Key: key, SessionID: holder}
	}
	g.active[key] = sessionID
	return nil
}

// Release frees key. Releasing an unheld key is a no-op.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}

// ReleaseIfHeld frees key only when sessionID is its holder.
func (g *Guard) ReleaseIfHeld(key, sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[key] != sessionID {
		return false
	}
	delete(g.active, key)
	return true
}

func (g *Guard) Active(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.active[key]
	return id, ok
}

// Load replaces the held set, typically from non-terminal sessions at
// startup.
func (g *Guard) Load(entries []Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = make(map[string]string, len(entries))
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		g.active[e.Key] = e.SessionID
	}
}

// Entries lists held keys sorted by key.
func (g *Guard) Entries() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Entry, 0, len(g.active))
	for k, id := range g.active {
		out = append(out, Entry{Key: k, SessionID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
