package stm

import (
	"bytes"
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/sertel/go-stm/waitlist"
)

// txnState is the driver's state machine. An attempt is always in exactly
// one state; the retry loop below is the only place transitions happen.
type txnState int

const (
	stateRunning txnState = iota
	stateBlocked
	stateCommitted
	stateAborted
)

// waiters is the process-wide blocking registry shared by all cells.
var waiters = waitlist.New()

// Backoff applied after repeated commit conflicts. Randomized so that two
// transactions losing to each other in lockstep drift apart, the same way
// raft randomizes its election timeout.
const (
	backoffAfter   = 2 // conflicts before backoff kicks in
	backoffBase    = time.Microsecond
	backoffMaxStep = 10
)

// Atomically runs f as one transaction: either all of its writes become
// visible together, or none do. On commit-time conflict f re-runs with a
// fresh log until it commits; when f signals Retry, the calling goroutine
// blocks until one of the cells f read has changed, then f re-runs. Both
// are invisible to the caller.
//
// A non-retry error returned by f aborts the transaction: nothing is
// published and the error is returned unchanged. A panic in f likewise
// unwinds with nothing published.
//
// f must be transaction-safe: no side effects (it may run many times) and
// no nested call to Atomically (detected and rejected with a panic).
// Helpers that need transactional state take a *Txn parameter instead.
func Atomically(f TxFunc) (interface{}, error) {
	return AtomicallyContext(context.Background(), f)
}

// AtomicallyContext is Atomically with cancellation. The context is
// consulted between attempts and while blocked on a retry; once f's writes
// are being committed the transaction can no longer be cancelled. On
// cancellation nothing is published and the context's error is returned.
func AtomicallyContext(ctx context.Context, f TxFunc) (interface{}, error) {
	exit := enterGoroutine()
	defer exit()
	return run(ctx, f, nil)
}

// run owns the retry loop shared by the nondeterministic and deterministic
// drivers. waitTurn, when non-nil, gates the commit step; it is the only
// difference between the two modes.
func run(ctx context.Context, f TxFunc, waitTurn func()) (interface{}, error) {
	txn := newTxn()
	conflicts := 0
	state := stateRunning
	for {
		switch state {
		case stateRunning:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := f(txn)
			switch {
			case err == nil:
				if waitTurn != nil {
					waitTurn()
				}
				written, ok := txn.commit()
				if !ok {
					conflicts++
					txnCounter.WithLabelValues("conflict").Inc()
					log.Debug("stm commit conflict, rerunning body",
						zap.Int("conflicts", conflicts))
					backoff(conflicts)
					txn.reset()
					continue
				}
				txnCounter.WithLabelValues("commit").Inc()
				if len(written) > 0 {
					waiters.Notify(written)
				}
				state = stateCommitted
				return res, nil
			case isRetry(err):
				txnCounter.WithLabelValues("retry").Inc()
				state = stateBlocked
			default:
				state = stateAborted
				return nil, err
			}
		case stateBlocked:
			if err := block(ctx, txn); err != nil {
				return nil, err
			}
			txnCounter.WithLabelValues("wake").Inc()
			txn.reset()
			state = stateRunning
		}
	}
}

// block parks the attempt until a cell in its wait-set changes. The waiter
// is registered before the re-check of the recorded versions, so a change
// that slips in between the body's reads and the registration is caught by
// the re-check instead of being lost. A wakeup proves nothing; the rerun
// re-reads and re-validates from scratch.
func block(ctx context.Context, txn *Txn) error {
	ws := txn.waitSet()
	if len(ws) == 0 {
		// Nothing was read, so no commit can ever wake this
		// transaction. Only cancellation gets it out.
		<-ctx.Done()
		return ctx.Err()
	}
	ids := make([]uint64, len(ws))
	for i, it := range ws {
		ids[i] = it.v.id
	}
	w := waiters.Register(ids)
	defer waiters.Unregister(ids, w)
	for _, it := range ws {
		if it.v.version() != it.readVer {
			return nil
		}
	}
	return w.WaitContext(ctx)
}

func backoff(conflicts int) {
	if conflicts <= backoffAfter {
		return
	}
	step := conflicts - backoffAfter
	if step > backoffMaxStep {
		step = backoffMaxStep
	}
	time.Sleep(time.Duration(rand.Int63n(int64(backoffBase) << uint(step))))
}

// activeGoroutines holds the id of every goroutine currently inside a
// transaction attempt. Go has no goroutine-local storage, so the id stands
// in for the usual thread-local in-transaction flag.
var activeGoroutines sync.Map

// enterGoroutine marks the calling goroutine as running a transaction and
// returns the matching unmark func. A goroutine already marked is making a
// nested top-level call, which would silently break the one-commit-per-
// transaction contract, so it is rejected hard.
func enterGoroutine() func() {
	id := goroutineID()
	if _, nested := activeGoroutines.LoadOrStore(id, struct{}{}); nested {
		panic(ErrNestedTransaction)
	}
	return func() {
		activeGoroutines.Delete(id)
	}
}

// goroutineID parses the caller's goroutine id out of runtime.Stack, whose
// first line reads "goroutine N [running]:". There is no cheaper supported
// way to get it.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		panic("stm: cannot parse runtime.Stack header")
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		panic("stm: cannot parse goroutine id: " + err.Error())
	}
	return id
}
