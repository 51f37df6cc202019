package stm

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// tvarIDGen issues cell identities. Identities are process-wide unique and
// strictly increasing, which gives every transaction the same total order
// for commit-token acquisition.
var tvarIDGen uint64

// tvarState is an immutable (value, version) pair. A TVar always points at
// a complete pair, so readers that go through the atomic pointer can never
// observe a value without its matching version.
type tvarState struct {
	value   interface{}
	version uint64
}

// TVar is a transactional cell: a shared slot that may only be modified by
// committing a transaction. The version counter increases by one with every
// committed write, so a stale read is detectable by a plain comparison.
//
// The zero TVar is not usable; create cells with NewTVar.
type TVar struct {
	id uint64

	// mu is the commit token. It is held only for the validate+publish
	// window of a commit, never while a transaction body runs and never
	// by readers.
	mu sync.RWMutex

	// state points at the current tvarState and is swapped atomically
	// under mu. Reads load it without taking mu.
	state unsafe.Pointer
}

// NewTVar creates a cell holding initial at version 0.
func NewTVar(initial interface{}) *TVar {
	v := &TVar{id: atomic.AddUint64(&tvarIDGen, 1)}
	v.storeState(&tvarState{value: initial})
	return v
}

// ReadAtomic returns the current committed value of the cell without a
// transaction. It is equivalent to reading the cell inside its own
// transaction, but cheaper. Do not call it from inside a transaction body;
// the value bypasses the log and will not reflect pending writes.
func (v *TVar) ReadAtomic() interface{} {
	return v.loadState().value
}

func (v *TVar) loadState() *tvarState {
	return (*tvarState)(atomic.LoadPointer(&v.state))
}

// storeState publishes a new (value, version) pair. The caller must hold
// v.mu exclusively, except for the initial store in NewTVar.
func (v *TVar) storeState(st *tvarState) {
	atomic.StorePointer(&v.state, unsafe.Pointer(st))
}

func (v *TVar) version() uint64 {
	return v.loadState().version
}
