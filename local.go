package mailbus

import (
	"sort"
	"sync"
)

// localRegistry holds the listeners registered on one bus instance.
// Each bus owns its own, so several buses can run in one process.
type localRegistry struct {
	mu     sync.RWMutex
	groups map[Group]EventListener
	keys   map[string]*keyEntry
	nextID uint64
}

// keyEntry is the local state of one routing key.
type keyEntry struct {
	// mu serializes the Redis binding of the key; bound is guarded by it.
	mu    sync.Mutex
	bound bool

	// listeners is guarded by localRegistry.mu.
	listeners map[uint64]EventListener
}

func newLocalRegistry() *localRegistry {
	return &localRegistry{
		groups: make(map[Group]EventListener),
		keys:   make(map[string]*keyEntry),
	}
}

func (r *localRegistry) addGroup(g Group, l EventListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g]; ok {
		return ErrGroupAlreadyRegistered
	}
	r.groups[g] = l
	return nil
}

func (r *localRegistry) removeGroup(g Group) {
	r.mu.Lock()
	delete(r.groups, g)
	r.mu.Unlock()
}

func (r *localRegistry) groupListener(g Group) (EventListener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.groups[g]
	return l, ok
}

func (r *localRegistry) groupList() map[Group]EventListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Group]EventListener, len(r.groups))
	for g, l := range r.groups {
		out[g] = l
	}
	return out
}

// addKey adds a listener for routingKey and returns its id and entry.
func (r *localRegistry) addKey(routingKey string, l EventListener) (uint64, *keyEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.keys[routingKey]
	if !ok {
		e = &keyEntry{listeners: make(map[uint64]EventListener)}
		r.keys[routingKey] = e
	}
	r.nextID++
	e.listeners[r.nextID] = l
	return r.nextID, e
}

// removeKey removes one listener. It returns the entry, or nil if the key is
// not registered.
func (r *localRegistry) removeKey(routingKey string, id uint64) *keyEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.keys[routingKey]
	if !ok {
		return nil
	}
	delete(e.listeners, id)
	return e
}

func (r *localRegistry) keyListeners(routingKey string) []EventListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys[routingKey]
	if !ok {
		return nil
	}
	out := make([]EventListener, 0, len(e.listeners))
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, e.listeners[id])
	}
	return out
}

func (r *localRegistry) listenerCount(e *keyEntry) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(e.listeners)
}

// keyEntries returns the entries of every registered routing key, sorted by key.
func (r *localRegistry) keyEntries() ([]string, []*keyEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.keys))
	for rk := range r.keys {
		keys = append(keys, rk)
	}
	sort.Strings(keys)
	entries := make([]*keyEntry, len(keys))
	for i, rk := range keys {
		entries[i] = r.keys[rk]
	}
	return keys, entries
}

// dropIdle forgets e once it has no listener and no binding. Must be called
// with e.mu held.
func (r *localRegistry) dropIdle(routingKey string, e *keyEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[routingKey] == e && len(e.listeners) == 0 && !e.bound {
		delete(r.keys, routingKey)
	}
}
