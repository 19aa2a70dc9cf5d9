package queue

import "sync"

// QueueMap lazily creates and shares one PendingRequestQueue per subscription
// URI. Concurrent lookups for the same URI must observe the same queue
// instance — get-or-insert under a single lock, the same idempotent pattern
// the teacher's registry uses for its in-memory instance map.
type QueueMap struct {
	mu     sync.Mutex
	queues map[string]*PendingRequestQueue
}

func NewQueueMap() *QueueMap {
	return &QueueMap{queues: make(map[string]*PendingRequestQueue)}
}

// GetOrCreate returns the queue for subscriptionURI, creating it if this is
// the first reference.
func (m *QueueMap) GetOrCreate(subscriptionURI string) *PendingRequestQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[subscriptionURI]
	if !ok {
		q = NewQueue()
		m.queues[subscriptionURI] = q
	}
	return q
}

// Lookup returns the existing queue for subscriptionURI, if any, without
// creating one.
func (m *QueueMap) Lookup(subscriptionURI string) (*PendingRequestQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[subscriptionURI]
	return q, ok
}

// Delete drops subscriptionURI from the map after closing its queue, e.g.
// once a runtime stops servicing that subscription.
func (m *QueueMap) Delete(subscriptionURI string) {
	m.mu.Lock()
	q, ok := m.queues[subscriptionURI]
	delete(m.queues, subscriptionURI)
	m.mu.Unlock()
	if ok {
		q.Close()
	}
}

// CloseAll closes every queue currently in the map, e.g. when a runtime
// disposes and no further requests should be accepted for any subscription.
func (m *QueueMap) CloseAll() {
	m.mu.Lock()
	queues := make([]*PendingRequestQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}
