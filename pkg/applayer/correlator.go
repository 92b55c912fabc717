package applayer

import "firestige.xyz/applayer/internal/core"

// Correlator matches a follow-up message with the pending transaction
// opened by an earlier message.
//
// Pending transactions are keyed by the direction that opened them and the
// key, so each side of a flow has its own key space: a client and a server
// may both have exchange 7 in flight. Each slot is a FIFO, so retransmitted
// or reused keys are resolved oldest first. A pending transaction leaves
// the correlator when it is resolved, when the host removes it (Forget) or
// when the flow is torn down (Clear).
type Correlator[T Tx] struct {
	pending map[corrSlot][]T
	n       int
}

type corrSlot struct {
	dir core.Direction
	key uint64
}

func NewCorrelator[T Tx]() *Correlator[T] {
	return &Correlator[T]{pending: make(map[corrSlot][]T)}
}

// Expect registers tx, opened by a message in direction dir, as waiting
// for key.
func (c *Correlator[T]) Expect(dir core.Direction, key uint64, tx T) {
	tx.Base().SetCorrelationKey(dir, key)
	slot := corrSlot{dir, key}
	c.pending[slot] = append(c.pending[slot], tx)
	c.n++
}

// Peek returns the oldest transaction opened in direction dir and waiting
// for key, without resolving it.
func (c *Correlator[T]) Peek(dir core.Direction, key uint64) (T, bool) {
	q := c.pending[corrSlot{dir, key}]
	if len(q) == 0 {
		var zero T
		return zero, false
	}
	return q[0], true
}

// Resolve removes and returns the oldest transaction opened in direction
// dir and waiting for key, and clears its correlation key. An answer
// travelling in direction d resolves with d.Reverse().
func (c *Correlator[T]) Resolve(dir core.Direction, key uint64) (T, bool) {
	var zero T
	slot := corrSlot{dir, key}
	q := c.pending[slot]
	if len(q) == 0 {
		return zero, false
	}
	tx := q[0]
	q[0] = zero
	if len(q) == 1 {
		delete(c.pending, slot)
	} else {
		c.pending[slot] = q[1:]
	}
	c.n--
	tx.Base().ClearCorrelationKey()
	return tx, true
}

// Forget drops tx from the correlator, if it is pending.
func (c *Correlator[T]) Forget(tx T) {
	d := tx.Base()
	key, ok := d.CorrelationKey()
	if !ok {
		return
	}
	slot := corrSlot{d.CorrelationDir(), key}
	q := c.pending[slot]
	for i := range q {
		if q[i].Base() != d {
			continue
		}
		q = append(q[:i], q[i+1:]...)
		if len(q) == 0 {
			delete(c.pending, slot)
		} else {
			c.pending[slot] = q
		}
		c.n--
		d.ClearCorrelationKey()
		return
	}
}

// Len returns the number of pending transactions.
func (c *Correlator[T]) Len() int { return c.n }

// Clear drops all pending transactions.
func (c *Correlator[T]) Clear() {
	clear(c.pending)
	c.n = 0
}
