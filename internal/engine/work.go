package engine

import (
	"context"
	"sync"
)

// WorkRegistry tracks the contexts of in-flight work per session so Cancel
// can stop them. A cancelled session stays stopped: later contexts for it
// are born cancelled until Forget.
type WorkRegistry struct {
	mu      sync.Mutex
	next    int
	cancels map[string]map[int]context.CancelFunc
	stopped map[string]bool
}

func NewWorkRegistry() *WorkRegistry {
	return &WorkRegistry{
		cancels: make(map[string]map[int]context.CancelFunc),
		stopped: make(map[string]bool),
	}
}

// Context derives a context from parent that is cancelled when the session
// is. done must be called when the work finishes.
func (w *WorkRegistry) Context(parent context.Context, sessionID string) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	if w.stopped[sessionID] {
		w.mu.Unlock()
		cancel()
		return ctx, cancel
	}
	w.next++
	id := w.next
	if w.cancels[sessionID] == nil {
		w.cancels[sessionID] = make(map[int]context.CancelFunc)
	}
	w.cancels[sessionID][id] = cancel
	w.mu.Unlock()
	return ctx, func() {
		w.mu.Lock()
		if m := w.cancels[sessionID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(w.cancels, sessionID)
			}
		}
		w.mu.Unlock()
		cancel()
	}
}

// Cancel stops every context handed out for sessionID and every one
// requested later.
func (w *WorkRegistry) Cancel(sessionID string) int {
	w.mu.Lock()
	m := w.cancels[sessionID]
	delete(w.cancels, sessionID)
	w.stopped[sessionID] = true
	w.mu.Unlock()
	for _, cancel := range m {
		cancel()
	}
	return len(m)
}

// Forget drops what the registry remembers about sessionID.
func (w *WorkRegistry) Forget(sessionID string) {
	w.mu.Lock()
	delete(w.stopped, sessionID)
	w.mu.Unlock()
}

// InFlight reports how many work contexts are open for sessionID.
func (w *WorkRegistry) InFlight(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cancels[sessionID])
}
