package pushflow

import "sync"

// handleLocks serializes dispatches that share a secret handle. Entries are
// dropped once no dispatch holds or waits on them.
type handleLocks struct {
	mu    sync.Mutex
	locks map[string]*handleLock
}

type handleLock struct {
	mu   sync.Mutex
	refs int
}

func (h *handleLocks) lock(handle string) func() {
	h.mu.Lock()
	if h.locks == nil {
		h.locks = make(map[string]*handleLock)
	}
	l, ok := h.locks[handle]
	if !ok {
		l = &handleLock{}
		h.locks[handle] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, handle)
		}
		h.mu.Unlock()
	}
}
