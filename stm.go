package stm

// Retry signals that the transaction cannot proceed with the state it has
// seen and should block until one of the cells it read changes. Use it as
// the body's return value:
//
//	stm.Atomically(func(t *stm.Txn) (interface{}, error) {
//		if t.Read(ready) == false {
//			return stm.Retry()
//		}
//		...
//	})
//
// Retry is a control signal, not an error; it never reaches the caller of
// Atomically.
func Retry() (interface{}, error) {
	return nil, errRetry
}

// Guard returns nil when cond holds and the retry signal otherwise, so a
// body can insist on a condition in one line:
//
//	if err := stm.Guard(balance >= amount); err != nil {
//		return nil, err
//	}
func Guard(cond bool) error {
	if cond {
		return nil
	}
	return errRetry
}

// Optionally attempts f within the current transaction. If f signals retry,
// its log additions are rolled back and Optionally reports ok == false
// instead of blocking the enclosing transaction. A real error from f aborts
// as usual.
func Optionally(t *Txn, f TxFunc) (val interface{}, ok bool, err error) {
	type opt struct {
		val interface{}
		ok  bool
	}
	res, err := t.Or(
		func(t *Txn) (interface{}, error) {
			v, err := f(t)
			if err != nil {
				return nil, err
			}
			return opt{val: v, ok: true}, nil
		},
		func(*Txn) (interface{}, error) {
			return opt{}, nil
		},
	)
	if err != nil {
		return nil, false, err
	}
	o := res.(opt)
	return o.val, o.ok, nil
}
