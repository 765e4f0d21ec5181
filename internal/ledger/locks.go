package ledger

import (
	"fmt"
	"sync"
)

// lockTable serializes operations per aggregate. Keys combine the aggregate
// kind and id, so agent, staking, and user operations lock independently.
// The lock protects only the read-validate-write of ledger counters; chain
// calls happen after release. The table is owned by the Ledger, which
// assumes single-writer-per-aggregate deployment.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the aggregate and returns the release func.
func (t *lockTable) acquire(kind string, id any) func() {
	key := fmt.Sprintf("%s:%v", kind, id)

	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
