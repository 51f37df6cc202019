package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTVar(t *testing.T) {
	v := NewTVar(42)
	assert.Equal(t, 42, v.ReadAtomic())
	assert.Equal(t, uint64(0), v.version())
}

func TestTVarIdentityOrder(t *testing.T) {
	a := NewTVar(0)
	b := NewTVar(0)
	// Creation order is the commit-token acquisition order.
	assert.True(t, a.id < b.id)
}

func TestCommitBumpsVersion(t *testing.T) {
	v := NewTVar(0)

	for i := 1; i <= 3; i++ {
		_, err := Atomically(func(txn *Txn) (interface{}, error) {
			txn.Write(v, i)
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), v.version())
	}
	assert.Equal(t, 3, v.ReadAtomic())
}

// A read-only transaction must not move the version.
func TestReadOnlyCommitKeepsVersion(t *testing.T) {
	v := NewTVar(7)

	x, err := Atomically(func(txn *Txn) (interface{}, error) {
		return txn.Read(v), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, x)
	assert.Equal(t, uint64(0), v.version())
}
