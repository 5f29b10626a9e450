package state

import (
	"sort"
	"sync"
)

// WildcardEntry is the register-time marker selecting wildcard mode.
const WildcardEntry = "*"

// Whitelist is one client's allow-list: an explicit set of sender ids
// plus a wildcard flag. The two are independent pieces of state — Add
// and Remove always target the explicit set and never change the mode.
// It carries its own lock because the owning session mutates it while
// other connections' routers read it during delivery checks.
type Whitelist struct {
	mu       sync.RWMutex
	entries  map[string]struct{}
	wildcard bool
}

// NewWhitelist builds a whitelist from the register command's list. The
// single-element list ["*"] selects wildcard mode; any other content is
// an explicit set, an empty list meaning accept-none.
func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{entries: make(map[string]struct{})}
	if len(entries) == 1 && entries[0] == WildcardEntry {
		w.wildcard = true
		return w
	}
	for _, id := range entries {
		w.entries[id] = struct{}{}
	}
	return w
}

// Allows reports whether a message from senderID may be delivered to
// this whitelist's owner.
func (w *Whitelist) Allows(senderID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.wildcard {
		return true
	}
	_, ok := w.entries[senderID]
	return ok
}

// Add inserts an id into the explicit set. Inserting a present id is a
// no-op; the wildcard flag is left alone either way.
func (w *Whitelist) Add(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[id] = struct{}{}
}

// Remove deletes an id from the explicit set; absent ids are a no-op.
func (w *Whitelist) Remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, id)
}

// SetWildcard flips wildcard mode. Disabling also resets the explicit
// set, so wildcard-off always lands on accept-none regardless of what
// the set held before.
func (w *Whitelist) SetWildcard(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wildcard = enabled
	if !enabled {
		w.entries = make(map[string]struct{})
	}
}

// Wildcard reports whether wildcard mode is active.
func (w *Whitelist) Wildcard() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.wildcard
}

// Snapshot returns the explicit set's contents, sorted, regardless of
// mode. Used for the current_whitelist field of responses.
func (w *Whitelist) Snapshot() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.entries))
	for id := range w.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
