package stm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DTM coordinates a fixed set of transactions whose commits must happen in
// a caller-declared total order, following the DeSTM approach (Ravichandran
// et al., "DeSTM: harnessing determinism in STMs for application
// development", PACT 2014). Handles are registered while the DTM is open,
// the order is fixed with Freeze, and each handle is then consumed by one
// DetAtomically call on its own goroutine.
//
// The read/compute part of every transaction still runs in parallel; only
// the commit step is serialized through the turn gate, so the outcome is
// the same as running the transactions one by one in registration order,
// independent of thread scheduling.
//
// Two live handles of one DTM must not share a goroutine: the later
// position would wait at the gate for an earlier one that can no longer
// run. That misuse is not detectable in general and ends in deadlock.
type DTM struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frozen bool

	// registered is the number of handles issued; positions run 0 to
	// registered-1 and define the commit order.
	registered int

	// next is the lowest position not yet done; only the transaction
	// holding it may commit. done marks positions that committed or
	// aborted, allocated at Freeze.
	next int
	done []bool
}

// Handle is a one-shot token for one position in a DTM's commit order.
type Handle struct {
	dtm      *DTM
	pos      int
	consumed uint32
}

// NewDTM creates an open deterministic scheduling context.
func NewDTM() *DTM {
	d := &DTM{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Register appends a new position to the commit order and returns its
// handle. Registering on a frozen DTM panics with ErrRegisterAfterFreeze.
func (d *DTM) Register() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		panic(ErrRegisterAfterFreeze)
	}
	h := &Handle{dtm: d, pos: d.registered}
	d.registered++
	return h
}

// Freeze closes the DTM: the set of handles and their order are now final
// and the registered transactions may start committing. Freeze may be
// called before or after the transaction goroutines are spawned; they wait
// for it either way. A second Freeze panics with ErrAlreadyFrozen.
func (d *DTM) Freeze() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		panic(ErrAlreadyFrozen)
	}
	d.frozen = true
	d.done = make([]bool, d.registered)
	d.cond.Broadcast()
}

func (d *DTM) waitFrozen() {
	d.mu.Lock()
	for !d.frozen {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// waitTurn blocks until pos is the lowest not-yet-done position. A
// transaction that conflicts after passing the gate keeps its turn and
// retries; the gate only moves on markDone.
func (d *DTM) waitTurn(pos int) {
	d.mu.Lock()
	if d.next != pos {
		log.Debug("stm transaction waiting for commit turn",
			zap.Int("position", pos), zap.Int("next", d.next))
	}
	for d.next != pos {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// markDone retires pos, whether it committed or aborted, and advances the
// gate past every retired position. Idempotent, so the driver may call it
// from a defer without tracking the outcome.
func (d *DTM) markDone(pos int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done[pos] {
		return
	}
	d.done[pos] = true
	for d.next < d.registered && d.done[d.next] {
		d.next++
	}
	d.cond.Broadcast()
}

// DetAtomically runs f like Atomically, but commits in the order fixed by
// h's DTM: the commit step waits until every earlier position has committed
// or aborted. Conflict reruns and explicit retries behave as in Atomically.
//
// A handle is consumed by the call; passing it again panics with
// ErrHandleConsumed. If f aborts with an error or panic, h's position is
// skipped so later positions are not wedged, and nothing is published.
func DetAtomically(h *Handle, f TxFunc) (interface{}, error) {
	// The nested-call guard runs before the handle is consumed, so a
	// nested misuse call neither burns the handle nor leaves its
	// position unretired for the legitimate holder.
	exit := enterGoroutine()
	defer exit()
	if !atomic.CompareAndSwapUint32(&h.consumed, 0, 1) {
		panic(ErrHandleConsumed)
	}
	h.dtm.waitFrozen()
	defer h.dtm.markDone(h.pos)
	return run(context.Background(), f, func() { h.dtm.waitTurn(h.pos) })
}
