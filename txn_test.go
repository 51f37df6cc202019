package stm

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnRead(t *testing.T) {
	txn := newTxn()
	v := NewTVar([]int{1, 2, 3, 4})

	assert.Equal(t, []int{1, 2, 3, 4}, txn.Read(v))
	// The read is in the log now.
	assert.Equal(t, 1, txn.log.Len())
}

func TestTxnWriteRead(t *testing.T) {
	txn := newTxn()
	v := NewTVar([]int{1, 2})

	txn.Write(v, []int{1, 2, 3, 4})

	// Subsequent reads see the pending write.
	assert.Equal(t, []int{1, 2, 3, 4}, txn.Read(v))
	// The committed value is untouched.
	assert.Equal(t, []int{1, 2}, v.ReadAtomic())
}

func TestTxnReadPreservesVersion(t *testing.T) {
	txn := newTxn()
	v := NewTVar(1)

	txn.Read(v)
	txn.Write(v, 2)

	it := txn.lookup(v)
	require.NotNil(t, it)
	assert.True(t, it.hasRead)
	assert.True(t, it.hasWrite)
	assert.Equal(t, uint64(0), it.readVer)
}

func TestOrFirstSucceeds(t *testing.T) {
	v := NewTVar(42)

	x, err := Atomically(func(txn *Txn) (interface{}, error) {
		return txn.Or(
			func(txn *Txn) (interface{}, error) {
				return txn.Read(v), nil
			},
			func(txn *Txn) (interface{}, error) {
				return -1, nil
			})
	})
	require.NoError(t, err)
	assert.Equal(t, 42, x)
}

func TestOrSecondRuns(t *testing.T) {
	v := NewTVar(42)

	x, err := Atomically(func(txn *Txn) (interface{}, error) {
		return txn.Or(
			func(txn *Txn) (interface{}, error) {
				return Retry()
			},
			func(txn *Txn) (interface{}, error) {
				return txn.Read(v), nil
			})
	})
	require.NoError(t, err)
	assert.Equal(t, 42, x)
}

// A write from a branch that retried must not commit.
func TestOrRollsBackFirstBranch(t *testing.T) {
	v := NewTVar(42)

	x, err := Atomically(func(txn *Txn) (interface{}, error) {
		return txn.Or(
			func(txn *Txn) (interface{}, error) {
				txn.Write(v, 23)
				return Retry()
			},
			func(txn *Txn) (interface{}, error) {
				return txn.Read(v), nil
			})
	})
	require.NoError(t, err)
	assert.Equal(t, 42, x)
	assert.Equal(t, 42, v.ReadAtomic())
}

func TestOrNestedFirst(t *testing.T) {
	v := NewTVar(42)

	x, err := Atomically(func(txn *Txn) (interface{}, error) {
		return txn.Or(
			func(txn *Txn) (interface{}, error) {
				return txn.Or(
					func(*Txn) (interface{}, error) { return Retry() },
					func(*Txn) (interface{}, error) { return Retry() },
				)
			},
			func(txn *Txn) (interface{}, error) {
				return txn.Read(v), nil
			})
	})
	require.NoError(t, err)
	assert.Equal(t, 42, x)
}

func TestOrNestedSecond(t *testing.T) {
	v := NewTVar(42)

	x, err := Atomically(func(txn *Txn) (interface{}, error) {
		return txn.Or(
			func(*Txn) (interface{}, error) {
				return Retry()
			},
			func(txn *Txn) (interface{}, error) {
				return txn.Or(
					func(txn *Txn) (interface{}, error) { return txn.Read(v), nil },
					func(*Txn) (interface{}, error) { return Retry() },
				)
			})
	})
	require.NoError(t, err)
	assert.Equal(t, 42, x)
}

// A rolled-back branch's reads stay in the wait-set as obsolete entries,
// excluded from commit validation.
func TestOrKeepsFirstBranchReads(t *testing.T) {
	a := NewTVar(1)
	b := NewTVar(2)

	_, err := Atomically(func(txn *Txn) (interface{}, error) {
		res, err := txn.Or(
			func(txn *Txn) (interface{}, error) {
				txn.Read(a)
				return Retry()
			},
			func(txn *Txn) (interface{}, error) {
				txn.Read(b)
				return nil, nil
			})
		require.NoError(t, err)

		// Once Or has settled on the second branch, the first
		// branch's read is back in the log as an obsolete entry and
		// both cells belong to the wait-set.
		ws := txn.waitSet()
		require.Len(t, ws, 2)
		it := txn.lookup(a)
		require.NotNil(t, it)
		assert.True(t, it.obsolete)
		return res, err
	})
	require.NoError(t, err)
}

func TestOrPropagatesFault(t *testing.T) {
	boom := errors.New("boom")

	_, err := Atomically(func(txn *Txn) (interface{}, error) {
		return txn.Or(
			func(*Txn) (interface{}, error) { return nil, boom },
			func(*Txn) (interface{}, error) { return 42, nil },
		)
	})
	assert.Equal(t, boom, errors.Cause(err))
}

func TestGuard(t *testing.T) {
	assert.NoError(t, Guard(true))
	assert.True(t, isRetry(Guard(false)))
}

func TestOptionallySucceeds(t *testing.T) {
	x, err := Atomically(func(txn *Txn) (interface{}, error) {
		v, ok, err := Optionally(txn, func(*Txn) (interface{}, error) {
			return 42, nil
		})
		require.NoError(t, err)
		require.True(t, ok)
		return v, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, x)
}

func TestOptionallyReportsRetry(t *testing.T) {
	ran := false
	_, err := Atomically(func(txn *Txn) (interface{}, error) {
		_, ok, err := Optionally(txn, func(*Txn) (interface{}, error) {
			return Retry()
		})
		require.NoError(t, err)
		require.False(t, ok)
		ran = true
		return nil, nil
	})
	require.NoError(t, err)
	// The enclosing transaction completed instead of blocking.
	assert.True(t, ran)
}
