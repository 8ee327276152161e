package indexer

import "sync"

// leaseTable hands out at most one lease per repository id.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[string]struct{})}
}

// acquire returns a release func, or false when id is already leased.
func (t *leaseTable) acquire(id string) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.held[id]; busy {
		return nil, false
	}
	t.held[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.held, id)
			t.mu.Unlock()
		})
	}, true
}

// busy reports whether id is leased.
func (t *leaseTable) busy(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[id]
	return ok
}
