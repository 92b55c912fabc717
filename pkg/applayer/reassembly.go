package applayer

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/applayer/internal/core"
)

const (
	// RecordHeaderLen is the size of the big-endian record length prefix.
	RecordHeaderLen = 4

	// DefaultMaxRecordBuffer caps the bytes held for one incomplete record.
	DefaultMaxRecordBuffer = 100000
)

// RecordReassembler rebuilds length-prefixed records from one direction of
// a byte stream delivered in arbitrary chunks.
type RecordReassembler struct {
	max     int
	pending []byte
}

// NewRecordReassembler returns a reassembler that refuses to buffer more
// than max bytes. max <= 0 selects DefaultMaxRecordBuffer.
func NewRecordReassembler(max int) *RecordReassembler {
	if max <= 0 {
		max = DefaultMaxRecordBuffer
	}
	return &RecordReassembler{max: max}
}

// Buffered returns the number of bytes held for an incomplete record.
func (r *RecordReassembler) Buffered() int { return len(r.pending) }

// Reset drops buffered bytes.
func (r *RecordReassembler) Reset() { r.pending = nil }

// Feed appends chunk to the stream and calls fn for every record it
// completes, in order, without the length prefix. Zero-length records are
// skipped. The record slice is only valid during the call.
//
// needed is the number of bytes still missing for the record in progress,
// 0 when the stream ends on a record boundary. Bytes of an incomplete
// record are copied and kept. An error from fn is returned as is. Holding
// more than the cap for an incomplete record fails with
// core.ErrReassemblyOverflow.
func (r *RecordReassembler) Feed(chunk []byte, fn func(record []byte) error) (needed int, err error) {
	data := chunk
	if len(r.pending) > 0 {
		if total := len(r.pending) + len(chunk); total > r.max {
			r.pending = nil
			return 0, fmt.Errorf("%w: %d bytes buffered", core.ErrReassemblyOverflow, total)
		}
		data = append(r.pending, chunk...)
		r.pending = nil
	}

	for len(data) > 0 {
		if len(data) < RecordHeaderLen {
			r.keep(data)
			return RecordHeaderLen - len(data), nil
		}
		// length captured before the slice below moves data forward
		n := int(binary.BigEndian.Uint32(data[:RecordHeaderLen]))
		if len(data)-RecordHeaderLen < n {
			if RecordHeaderLen+n > r.max {
				return 0, fmt.Errorf("%w: record of %d bytes", core.ErrReassemblyOverflow, n)
			}
			r.keep(data)
			return RecordHeaderLen + n - len(data), nil
		}
		record := data[RecordHeaderLen : RecordHeaderLen+n]
		data = data[RecordHeaderLen+n:]
		if n == 0 {
			continue
		}
		if err := fn(record); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (r *RecordReassembler) keep(b []byte) {
	r.pending = append(make([]byte, 0, len(b)), b...)
}
