package applayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventTableBijective(t *testing.T) {
	tbl := NewEventTable("test", "malformed_data", "weak_encryption", "unsolicited_response")
	for i, name := range tbl.Names() {
		id, ok := tbl.ID(name)
		assert.True(t, ok)
		assert.Equal(t, i, id)
		back, ok := tbl.Name(id)
		assert.True(t, ok)
		assert.Equal(t, name, back)
	}
	_, ok := tbl.ID("nope")
	assert.False(t, ok)
	_, ok = tbl.Name(3)
	assert.False(t, ok)
	_, ok = tbl.Name(-1)
	assert.False(t, ok)
}

func TestEventTableDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() { NewEventTable("test", "a", "a") })
	assert.Panics(t, func() { NewEventTable("test", "a").MustID("b") })
}

func TestEventSetKeepsOrderAndDuplicates(t *testing.T) {
	tbl := NewEventTable("test", "a", "b")
	var s EventSet
	s.Add(1)
	s.Add(0)
	s.Add(1)
	assert.Equal(t, []int{1, 0, 1}, s.IDs())
	assert.Equal(t, []string{"b", "a", "b"}, s.Names(tbl))
	assert.Equal(t, 3, s.Len())
}
