package stm

import (
	"github.com/google/btree"
)

// commit validates this attempt's reads against the current cell versions
// and, if they all still hold, publishes the pending writes as one atomic
// unit. It returns the ids of the written cells and whether the commit took
// effect; on conflict nothing is published and the ids are nil.
//
// Locking is two-phase: every touched cell's commit token is acquired in
// ascending cell-id order (the log is already sorted that way), shared for
// cells only read, exclusive for cells written. The single global order
// rules out circular wait between commits with overlapping cell sets. The
// tokens are held only for this validate+publish window, never while the
// body runs.
func (t *Txn) commit() ([]uint64, bool) {
	var items []*logItem
	t.log.Ascend(func(i btree.Item) bool {
		items = append(items, i.(*logItem))
		return true
	})

	var rlocked, wlocked []*TVar
	release := func() {
		// Reads released first so that validating commits elsewhere
		// can proceed as soon as possible.
		for _, v := range rlocked {
			v.mu.RUnlock()
		}
		for _, v := range wlocked {
			v.mu.Unlock()
		}
	}

	// Phase one: lock in cell-id order and validate.
	for _, it := range items {
		switch {
		case it.hasWrite:
			it.v.mu.Lock()
			wlocked = append(wlocked, it.v)
			if it.hasRead && !it.obsolete && it.v.version() != it.readVer {
				release()
				return nil, false
			}
			// A write-only entry carries no read version; holding
			// the exclusive token is all it needs to win.
		case !it.obsolete:
			it.v.mu.RLock()
			rlocked = append(rlocked, it.v)
			if it.v.version() != it.readVer {
				release()
				return nil, false
			}
		default:
			// Obsolete reads exist only for the wait-set; they are
			// neither locked nor validated.
		}
	}

	// Phase two: publish every pending write and bump its version.
	var written []uint64
	for _, it := range items {
		if !it.hasWrite {
			continue
		}
		st := it.v.loadState()
		it.v.storeState(&tvarState{value: it.val, version: st.version + 1})
		written = append(written, it.v.id)
	}
	release()
	return written, true
}
