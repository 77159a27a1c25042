package selector

import (
	"container/list"
	"sync"
	"time"
)

type affinityEntry struct {
	sessionKey string
	upstreamID string
	expiresAt  time.Time
}

// MemoryAffinityStore is a thread-safe in-memory AffinityStore with TTL
// expiration, adapted from the teacher's internal/cache LRU+TTL shape
// (here there is no capacity bound — session keys are bounded by active
// sessions, not request volume).
type MemoryAffinityStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	items     map[string]*list.Element
	evictList *list.List
}

// NewMemoryAffinityStore builds a store retaining bindings for
// retentionWindow (spec §4.2 "observed within the retention window").
func NewMemoryAffinityStore(retentionWindow time.Duration) *MemoryAffinityStore {
	return &MemoryAffinityStore{
		ttl:       retentionWindow,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Lookup returns the upstream bound to sessionKey, if the binding hasn't
// expired.
func (m *MemoryAffinityStore) Lookup(sessionKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[sessionKey]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*affinityEntry)
	if time.Now().After(entry.expiresAt) {
		m.removeElement(elem)
		return "", false
	}
	m.evictList.MoveToFront(elem)
	return entry.upstreamID, true
}

// Record binds sessionKey to upstreamID, refreshing the retention window.
func (m *MemoryAffinityStore) Record(sessionKey, upstreamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[sessionKey]; ok {
		entry := elem.Value.(*affinityEntry)
		entry.upstreamID = upstreamID
		entry.expiresAt = time.Now().Add(m.ttl)
		m.evictList.MoveToFront(elem)
		return
	}

	entry := &affinityEntry{sessionKey: sessionKey, upstreamID: upstreamID, expiresAt: time.Now().Add(m.ttl)}
	elem := m.evictList.PushFront(entry)
	m.items[sessionKey] = elem
}

func (m *MemoryAffinityStore) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	entry := elem.Value.(*affinityEntry)
	delete(m.items, entry.sessionKey)
}
