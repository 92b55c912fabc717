package applayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTx struct {
	TxData
	name string
}

func newTestStore(names ...string) *Store[*testTx] {
	s := NewStore[*testTx]()
	for _, n := range names {
		s.Add(&testTx{name: n})
	}
	return s
}

func TestStoreIDsAreDenseAndNeverReused(t *testing.T) {
	s := newTestStore("a", "b", "c")
	assert.Equal(t, uint64(3), s.Count())

	_, ok := s.Remove(1)
	require.True(t, ok)
	id := s.Add(&testTx{name: "d"})

	assert.Equal(t, uint64(3), id)
	assert.Equal(t, uint64(4), s.Count())
	assert.Equal(t, 3, s.Len())

	_, ok = s.Get(1)
	assert.False(t, ok)
	tx, ok := s.Get(3)
	require.True(t, ok)
	assert.Equal(t, "d", tx.name)
	assert.Equal(t, uint64(3), tx.ID())
	assert.Equal(t, uint64(4), tx.InternalID())
}

func TestStoreIterateCursor(t *testing.T) {
	s := newTestStore("a", "b", "c", "d")

	var cursor uint64
	var seen []string
	var minID uint64
	for {
		tx, id, hasNext, ok := s.Iterate(minID, &cursor)
		if !ok {
			break
		}
		seen = append(seen, tx.name)
		minID = id + 1
		if !hasNext {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, seen)
}

func TestStoreIterateRobustToRemoval(t *testing.T) {
	s := newTestStore("a", "b", "c", "d", "e")

	var cursor uint64
	tx, id, hasNext, ok := s.Iterate(0, &cursor)
	require.True(t, ok)
	assert.Equal(t, "a", tx.name)
	assert.True(t, hasNext)

	// the host frees transactions out of order between calls
	s.Remove(0)
	s.Remove(2)

	tx, id, _, ok = s.Iterate(id+1, &cursor)
	require.True(t, ok)
	assert.Equal(t, "b", tx.name)
	saved := cursor

	tx, id, hasNext, ok = s.Iterate(id+1, &cursor)
	require.True(t, ok)
	assert.Equal(t, "d", tx.name)
	assert.Equal(t, uint64(3), id)
	assert.True(t, hasNext)

	// restart from an earlier cursor
	tx, _, _, ok = s.Iterate(0, &saved)
	require.True(t, ok)
	assert.Equal(t, "b", tx.name)

	_, _, _, ok = s.Iterate(5, &cursor)
	assert.False(t, ok)
}

func TestStoreLastClearedOnRemove(t *testing.T) {
	s := newTestStore("a", "b")
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.name)

	assert.True(t, s.SetEvent(7))
	assert.True(t, last.Events().Has(7))

	s.Remove(0)
	_, ok = s.Last()
	assert.True(t, ok, "removing an older tx keeps the last reference")

	s.Remove(1)
	_, ok = s.Last()
	assert.False(t, ok)
	assert.False(t, s.SetEvent(7), "event without a tx is dropped")
}

func TestStoreClear(t *testing.T) {
	s := newTestStore("a", "b")
	s.Clear()
	assert.Equal(t, 0, s.Len())
	_, ok := s.Last()
	assert.False(t, ok)
	assert.Equal(t, uint64(2), s.Add(&testTx{}))
}

func TestTxDataAccessors(t *testing.T) {
	var d TxData
	_, ok := d.DetectState()
	assert.False(t, ok)
	d.SetDetectState(DetectHandle(0xdead))
	h, ok := d.DetectState()
	assert.True(t, ok)
	assert.Equal(t, DetectHandle(0xdead), h)
	d.ClearDetectState()
	_, ok = d.DetectState()
	assert.False(t, ok)

	d.Config.SetLogFlags(0x01)
	d.Config.AddLogFlags(0x04)
	assert.True(t, d.Config.HasLogFlags(0x05))

	d.Logged.Set(0x2)
	assert.True(t, d.Logged.Has(0x2))
	assert.False(t, d.Logged.Has(0x1))
}
