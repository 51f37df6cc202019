package stm

/*
Package stm provides software transactional memory: shared state is kept in
transactional cells (TVar) and only ever touched inside atomic blocks, which
the engine commits as a unit or re-runs until it can.

Unlike locks, transactions compose. Two correct atomic blocks remain correct
when sequenced inside a third, with no lock ordering to get wrong and no
window between them for other goroutines to exploit. The engine achieves
this optimistically: a body runs without holding anything, every cell access
is recorded in a private log, and at the end the log is validated against
the cells and published atomically. If another transaction committed an
overlapping change in the meantime, the log is thrown away and the body runs
again.

Basic usage:

	account := stm.NewTVar(100)

	v, err := stm.Atomically(func(t *stm.Txn) (interface{}, error) {
		balance := t.Read(account).(int)
		t.Write(account, balance-30)
		return balance - 30, nil
	})

A body that cannot make progress yet returns stm.Retry(); the goroutine then
blocks until one of the cells the body read changes, and the body runs
again. Txn.Or tries an alternative path when the first one retries, and
Optionally turns an inner retry into a "did not run" result.

Transaction safety

Bodies may run any number of times, so they must be transaction-safe:

  - No side effects. IO, channel operations, or mutating anything other
    than cells will be repeated on every rerun. Return a closure for the
    caller to run if an effect depends on the transaction's outcome.
  - No locks or other blocking inside a body; they interact badly with the
    engine's own blocking and commit locking.
  - No nested Atomically. A helper that needs transactional state takes a
    *Txn parameter and returns through TxFunc, so callers compose it into
    their own transaction. A nested top-level call is detected at run time
    and panics.
  - Do not mutate a value after writing it to a cell; cells share values by
    reference, not by copy.

A panic or error inside a body is safe: the attempt is discarded without
committing, the cells keep their previous values, and the panic or error
reaches the caller of Atomically unchanged.

Keep bodies small. The longer a body runs and the more cells it touches, the
more likely it loses a commit race and runs again. Starvation of a long
transaction under sustained contention is possible; a short randomized
backoff between reruns reduces it but cannot rule it out.

Deterministic execution

Speculative parallelism is inherently nondeterministic: which of two racing
transactions commits first depends on scheduling. For debugging and for
predictable replay this package also offers a deterministic mode, where the
caller declares a total commit order up front:

	dtm := stm.NewDTM()
	h1 := dtm.Register()
	h2 := dtm.Register()
	dtm.Freeze()

	go stm.DetAtomically(h1, f)
	go stm.DetAtomically(h2, g)

f and g execute in parallel, but their commits happen in registration order
no matter which goroutine finishes first. Each handle is consumed by exactly
one DetAtomically call on its own goroutine; running two handles of one DTM
on the same goroutine deadlocks at the commit gate. The price of this mode
is exactly that restriction: transactions cannot share a goroutine, so the
usual trick of multiplexing many small transactions onto few threads does
not apply.
*/
