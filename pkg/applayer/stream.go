package applayer

import (
	"errors"
	"fmt"

	"firestige.xyz/applayer/internal/core"
)

// IncompleteError is returned by a DecodeFunc when the head of its input
// is a valid but partial message.
type IncompleteError struct {
	// Needed is the best-effort number of additional bytes required.
	Needed int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete message: need %d more bytes", e.Needed)
}

// NeedMore returns an *IncompleteError for n additional bytes.
func NeedMore(n int) error { return &IncompleteError{Needed: n} }

// DecodeFunc decodes one message from the head of buf and returns the
// number of bytes it used, which must be in 1..len(buf).
type DecodeFunc func(buf []byte) (int, error)

// ParseStream drives decode over input until it is used up.
//
// A partial message at the tail yields an Incomplete result whose Needed
// counts from the first unused byte. Any other decode error, or a decoder
// that makes no progress, yields Error.
func ParseStream(input []byte, decode DecodeFunc) core.Result {
	consumed := 0
	for consumed < len(input) {
		rest := input[consumed:]
		n, err := decode(rest)
		if err != nil {
			var inc *IncompleteError
			if errors.As(err, &inc) {
				need := max(inc.Needed, 1)
				return core.ResultIncomplete(consumed, len(rest)+need)
			}
			return core.ResultError()
		}
		if n <= 0 || n > len(rest) {
			return core.ResultError()
		}
		consumed += n
	}
	return core.ResultOK(len(input))
}
