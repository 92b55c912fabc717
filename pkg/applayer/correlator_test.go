package applayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/applayer/internal/core"
)

func TestCorrelatorFIFO(t *testing.T) {
	c := NewCorrelator[*testTx]()
	first, second := &testTx{name: "first"}, &testTx{name: "second"}
	c.Expect(core.ToServer, 7, first)
	c.Expect(core.ToServer, 7, second)
	assert.Equal(t, 2, c.Len())

	k, ok := first.CorrelationKey()
	require.True(t, ok)
	assert.Equal(t, uint64(7), k)
	assert.Equal(t, core.ToServer, first.CorrelationDir())

	peeked, ok := c.Peek(core.ToServer, 7)
	require.True(t, ok)
	assert.Equal(t, "first", peeked.name)
	assert.Equal(t, 2, c.Len(), "peek does not resolve")

	got, ok := c.Resolve(core.ToServer, 7)
	require.True(t, ok)
	assert.Same(t, first, got)
	_, ok = first.CorrelationKey()
	assert.False(t, ok, "key cleared on match")

	got, ok = c.Resolve(core.ToServer, 7)
	require.True(t, ok)
	assert.Same(t, second, got)

	_, ok = c.Resolve(core.ToServer, 7)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelatorDirectionsAreSeparate(t *testing.T) {
	c := NewCorrelator[*testTx]()
	client, server := &testTx{name: "client"}, &testTx{name: "server"}
	c.Expect(core.ToServer, 7, client)
	c.Expect(core.ToClient, 7, server)

	// an answer sent to the client resolves what the client opened
	got, ok := c.Resolve(core.ToClient.Reverse(), 7)
	require.True(t, ok)
	assert.Same(t, client, got)

	_, ok = c.Peek(core.ToServer, 7)
	assert.False(t, ok)
	got, ok = c.Resolve(core.ToServer.Reverse(), 7)
	require.True(t, ok)
	assert.Same(t, server, got)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelatorForget(t *testing.T) {
	c := NewCorrelator[*testTx]()
	a, b := &testTx{name: "a"}, &testTx{name: "b"}
	c.Expect(core.ToClient, 1, a)
	c.Expect(core.ToClient, 1, b)

	c.Forget(a)
	_, ok := a.CorrelationKey()
	assert.False(t, ok)
	got, ok := c.Resolve(core.ToClient, 1)
	require.True(t, ok)
	assert.Same(t, b, got)

	// forgetting a tx that is not pending is a no-op
	c.Forget(&testTx{})
	assert.Equal(t, 0, c.Len())
}

func TestCorrelatorClear(t *testing.T) {
	c := NewCorrelator[*testTx]()
	c.Expect(core.ToServer, 1, &testTx{})
	c.Expect(core.ToClient, 2, &testTx{})
	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Peek(core.ToServer, 1)
	assert.False(t, ok)
}
