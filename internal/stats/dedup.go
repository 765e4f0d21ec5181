// Package stats tracks unique-address statistics for agents without
// rescanning the store on every event.
package stats

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/talgya/tokenmill/internal/store"
)

const hydratePageSize = 1000

// DedupSet is a first-seen membership tracker keyed by
// (scope, agent, day or total). On first use of a key it hydrates from the
// distinct historical addresses in the store, then answers membership from
// memory. Construct one per process at startup and share it by reference.
type DedupSet struct {
	scope string // pending transfer kind whose addresses are tracked
	st    *store.Store
	log   *slog.Logger

	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// NewDedupSet creates a dedup set over the addresses of the given transfer
// kind.
func NewDedupSet(st *store.Store, scope string, logger *slog.Logger) *DedupSet {
	return &DedupSet{
		scope: scope,
		st:    st,
		log:   logger.With("component", "dedup", "scope", scope),
		sets:  make(map[string]map[string]struct{}),
	}
}

// Add records an address sighting and reports whether the address is new
// for the day and new for the agent's full history. The check-and-add is
// atomic with respect to other Add calls.
func (d *DedupSet) Add(day, agentID int64, item string) (newToday, newTotal bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	todayKey := fmt.Sprintf("%s:%d:%d", d.scope, agentID, day)
	totalKey := fmt.Sprintf("%s:%d:total", d.scope, agentID)

	todaySet, err := d.ensure(todayKey, agentID, day)
	if err != nil {
		return false, false, err
	}
	totalSet, err := d.ensure(totalKey, agentID, 0)
	if err != nil {
		return false, false, err
	}

	if _, seen := todaySet[item]; !seen {
		todaySet[item] = struct{}{}
		newToday = true
	}
	if _, seen := totalSet[item]; !seen {
		totalSet[item] = struct{}{}
		newTotal = true
	}
	return newToday, newTotal, nil
}

// ensure returns the set for key, hydrating it from the store on first use.
// Caller holds the mutex.
func (d *DedupSet) ensure(key string, agentID, sinceDay int64) (map[string]struct{}, error) {
	if set, ok := d.sets[key]; ok {
		return set, nil
	}

	set := make(map[string]struct{})
	page := 0
	for {
		addrs, err := d.st.DistinctAddressPage(d.scope, agentID, sinceDay, page, hydratePageSize)
		if err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", key, err)
		}
		for _, a := range addrs {
			set[a] = struct{}{}
		}
		if len(addrs) < hydratePageSize {
			break
		}
		page++
	}

	d.log.Debug("hydrated address set", "key", key, "size", len(set))
	d.sets[key] = set
	return set, nil
}

// Reset drops all cached sets. Used between test runs.
func (d *DedupSet) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets = make(map[string]map[string]struct{})
}
