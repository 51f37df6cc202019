package stm

import (
	"github.com/google/btree"
)

// The per-attempt log is small; a low btree degree keeps it compact.
const logBTreeDegree = 2

// TxFunc is a transaction body. It reads and writes cells through the given
// Txn and returns either a result, the retry signal produced by Retry, or a
// real error that aborts the transaction.
type TxFunc func(*Txn) (interface{}, error)

// logItem is the log entry for one cell within one attempt. Items are
// treated as immutable once inserted into the log: updates replace the item
// with a fresh copy, so a log snapshot taken by Or stays intact.
type logItem struct {
	v *TVar

	// hasRead records that the body observed the cell's committed state;
	// readVer is the version seen at first access and is what commit
	// validation compares against.
	hasRead bool
	readVer uint64

	// obsolete marks a read that came from a rolled-back Or branch. The
	// read still belongs to the wait-set, but it no longer feeds the
	// body's result and is therefore not validated at commit. obsolete
	// implies hasRead.
	obsolete bool

	// hasWrite records a pending write; val then holds the pending value.
	// Without hasWrite, val caches the value seen at first read.
	hasWrite bool
	val      interface{}
}

func (e *logItem) Less(than btree.Item) bool {
	return e.v.id < than.(*logItem).v.id
}

// Txn is the private log of one transaction attempt, ordered by cell
// identity. All cell access inside a body goes through it; cells themselves
// are only consulted on first access and at commit. A Txn must not be used
// from more than one goroutine and must not outlive the body it was passed
// to.
type Txn struct {
	log *btree.BTree
}

func newTxn() *Txn {
	return &Txn{log: btree.New(logBTreeDegree)}
}

func (t *Txn) lookup(v *TVar) *logItem {
	if it := t.log.Get(&logItem{v: v}); it != nil {
		return it.(*logItem)
	}
	return nil
}

// Read returns the cell's value as seen by this attempt. A cell already in
// the log is served from the log, so the body always sees its own pending
// writes and a self-consistent view. The first access loads the cell's
// committed state and records the version for commit-time validation.
//
// Read never blocks and never fails. The value may turn out to be stale;
// that is detected at commit, not here.
func (t *Txn) Read(v *TVar) interface{} {
	if it := t.lookup(v); it != nil {
		if it.hasWrite || !it.obsolete {
			return it.val
		}
		// The body now depends on a value carried over from a
		// rolled-back branch, so the read must validate again.
		up := *it
		up.obsolete = false
		t.log.ReplaceOrInsert(&up)
		return up.val
	}
	st := v.loadState()
	t.log.ReplaceOrInsert(&logItem{
		v:       v,
		hasRead: true,
		readVer: st.version,
		val:     st.value,
	})
	return st.value
}

// Write records a pending write of val to the cell. The write becomes
// visible to other transactions only if this attempt commits; within this
// attempt, subsequent Reads return val. A previously recorded read version
// is preserved so commit validation still covers it.
//
// Write never blocks and never fails.
func (t *Txn) Write(v *TVar, val interface{}) {
	if it := t.lookup(v); it != nil {
		up := *it
		up.hasWrite = true
		up.val = val
		t.log.ReplaceOrInsert(&up)
		return
	}
	t.log.ReplaceOrInsert(&logItem{v: v, hasWrite: true, val: val})
}

// Or combines two alternative paths. It runs first; if first signals retry,
// its log additions are rolled back and second runs in its place. If second
// also signals retry, the whole transaction retries, waiting on the reads
// of both branches. A non-retry error from either branch aborts as usual.
//
// Or works entirely on this attempt's log and never re-enters the driver,
// which is what makes it composable: helpers built on it take a *Txn and
// may themselves be combined with Or.
func (t *Txn) Or(first, second TxFunc) (interface{}, error) {
	backup := t.log.Clone()

	res, err := first(t)
	if !isRetry(err) {
		return res, err
	}

	// Roll back to the pre-branch log and give second a chance.
	branch := t.log
	t.log = backup
	res, err = second(t)
	if err != nil && !isRetry(err) {
		return nil, err
	}

	// Keep the first branch's reads for the wait-set. Whatever second
	// decided, a change to a cell the first branch looked at could
	// change the outcome of the whole Or.
	t.absorbReads(branch)
	return res, err
}

// absorbReads folds the reads of a rolled-back branch log into this log as
// obsolete entries. Pending writes of the branch are dropped; entries the
// current log already has win.
func (t *Txn) absorbReads(branch *btree.BTree) {
	branch.Ascend(func(i btree.Item) bool {
		it := i.(*logItem)
		if !it.hasRead {
			return true
		}
		if t.log.Has(i) {
			return true
		}
		t.log.ReplaceOrInsert(&logItem{
			v:        it.v,
			hasRead:  true,
			readVer:  it.readVer,
			obsolete: true,
			val:      it.val,
		})
		return true
	})
}

// waitSet returns every log entry carrying a read, obsolete ones included.
// These are the cells whose change can unblock this transaction after an
// explicit retry.
func (t *Txn) waitSet() []*logItem {
	var ws []*logItem
	t.log.Ascend(func(i btree.Item) bool {
		if it := i.(*logItem); it.hasRead {
			ws = append(ws, it)
		}
		return true
	})
	return ws
}

// reset discards the log for the next attempt.
func (t *Txn) reset() {
	t.log = btree.New(logBTreeDegree)
}
