// Package registry is the in-memory Subscription Registry: the
// authoritative source for live-session queries, mapping a session to its
// consumer, its ordered-unique topic list, and its connect time.
package registry

import "sync"

// Entry is one session's registered state.
type Entry struct {
	Consumer    string
	Topics      []string
	ConnectedAt float64
}

// Registry is a session -> Entry map guarded by a single readers-writers lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add inserts a new session or, if present, appends the topic to its list
// only when not already present. Idempotent re-subscribe on the same
// (session, topic) is a no-op beyond the first call.
func (r *Registry) Add(sid, consumer, topic string, connectedAt float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[sid]
	if !ok {
		r.entries[sid] = &Entry{
			Consumer:    consumer,
			Topics:      []string{topic},
			ConnectedAt: connectedAt,
		}
		return
	}

	for _, t := range entry.Topics {
		if t == topic {
			return
		}
	}
	entry.Topics = append(entry.Topics, topic)
}

// Remove deletes the whole entry for a session and returns its prior value.
func (r *Registry) Remove(sid string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[sid]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, sid)
	return cloneEntry(entry), true
}

// Get returns a defensive clone of a session's entry.
func (r *Registry) Get(sid string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[sid]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

// ClientRow is one flattened (session's topic) row, as returned by GET /clients.
type ClientRow struct {
	Consumer    string
	Topic       string
	ConnectedAt float64
}

// Clients enumerates the registry and flattens it to one row per
// (session's topic), matching §4.H's get_clients.
func (r *Registry) Clients() []ClientRow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := make([]ClientRow, 0, len(r.entries))
	for _, entry := range r.entries {
		for _, topic := range entry.Topics {
			rows = append(rows, ClientRow{
				Consumer:    entry.Consumer,
				Topic:       topic,
				ConnectedAt: entry.ConnectedAt,
			})
		}
	}
	return rows
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func cloneEntry(e *Entry) Entry {
	topics := make([]string, len(e.Topics))
	copy(topics, e.Topics)
	return Entry{Consumer: e.Consumer, Topics: topics, ConnectedAt: e.ConnectedAt}
}
