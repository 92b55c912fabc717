package applayer

import "sort"

// Store holds the live transactions of one flow in creation order.
//
// Ids are assigned on Add, start at 0 externally and are never reused, so
// Count keeps growing even when transactions are removed.
type Store[T Tx] struct {
	txs     []T
	seq     uint64
	last    T
	hasLast bool
}

// NewStore returns an empty store.
func NewStore[T Tx]() *Store[T] {
	return &Store[T]{}
}

// Add assigns the next id to tx, appends it and makes it the last transaction.
func (s *Store[T]) Add(tx T) uint64 {
	s.seq++
	tx.Base().id = s.seq
	s.txs = append(s.txs, tx)
	s.last = tx
	s.hasLast = true
	return s.seq - 1
}

// index finds the position of the transaction with the given internal id,
// or the position of the first one after it.
func (s *Store[T]) index(internal uint64) (int, bool) {
	i := sort.Search(len(s.txs), func(i int) bool {
		return s.txs[i].Base().id >= internal
	})
	return i, i < len(s.txs) && s.txs[i].Base().id == internal
}

// Get returns the transaction with external id.
func (s *Store[T]) Get(id uint64) (T, bool) {
	i, ok := s.index(id + 1)
	if !ok {
		var zero T
		return zero, false
	}
	return s.txs[i], true
}

// Remove deletes the transaction with external id and returns it.
// If it was the last transaction, later events have nothing to attach to.
func (s *Store[T]) Remove(id uint64) (T, bool) {
	var zero T
	i, ok := s.index(id + 1)
	if !ok {
		return zero, false
	}
	tx := s.txs[i]
	copy(s.txs[i:], s.txs[i+1:])
	s.txs[len(s.txs)-1] = zero
	s.txs = s.txs[:len(s.txs)-1]
	if s.hasLast && s.last.Base() == tx.Base() {
		s.last = zero
		s.hasLast = false
	}
	return tx, true
}

// Count returns the number of transactions ever created.
func (s *Store[T]) Count() uint64 { return s.seq }

// Len returns the number of live transactions.
func (s *Store[T]) Len() int { return len(s.txs) }

// Last returns the most recently created transaction if it is still live.
func (s *Store[T]) Last() (T, bool) { return s.last, s.hasLast }

// SetEvent raises an event on the last transaction. It returns false when
// there is none.
func (s *Store[T]) SetEvent(id int) bool {
	if !s.hasLast {
		return false
	}
	s.last.Base().SetEvent(id)
	return true
}

// Iterate returns the first live transaction whose external id is at least
// minID and not before *cursor. The cursor is updated to the internal id of
// the returned transaction so iteration can be resumed from it even after
// other transactions were removed.
func (s *Store[T]) Iterate(minID uint64, cursor *uint64) (tx T, id uint64, hasNext bool, ok bool) {
	start := minID + 1
	if cursor != nil && *cursor > start {
		start = *cursor
	}
	i, _ := s.index(start)
	if i >= len(s.txs) {
		return tx, 0, false, false
	}
	tx = s.txs[i]
	internal := tx.Base().id
	if cursor != nil {
		*cursor = internal
	}
	return tx, internal - 1, len(s.txs)-i > 1, true
}

// Each calls fn for each live transaction in id order until fn returns false.
func (s *Store[T]) Each(fn func(T) bool) {
	for _, tx := range s.txs {
		if !fn(tx) {
			return
		}
	}
}

// Clear drops every transaction. Ids keep counting from where they were.
func (s *Store[T]) Clear() {
	var zero T
	clear(s.txs)
	s.txs = s.txs[:0]
	s.last = zero
	s.hasLast = false
}
