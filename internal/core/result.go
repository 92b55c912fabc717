package core

import "fmt"

// Status is the status of a parse call.
type Status int8

const (
	StatusOK         Status = 0
	StatusIncomplete Status = 1
	StatusError      Status = -1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusIncomplete:
		return "incomplete"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int8(s))
}

// Result is what a parser returns for one chunk of input.
//
// OK means the whole input was consumed. Error is fatal for the flow
// direction. Incomplete means Consumed bytes were used and Needed bytes,
// counted from the Consumed offset, must be available before the parser
// can make progress again.
type Result struct {
	Status   Status
	Consumed uint32
	Needed   uint32
}

// ResultOK returns an OK result for an input of n bytes.
func ResultOK(n int) Result {
	return Result{Status: StatusOK, Consumed: uint32(n)}
}

// ResultError returns a fatal error result.
func ResultError() Result {
	return Result{Status: StatusError}
}

// ResultIncomplete returns an Incomplete result.
func ResultIncomplete(consumed, needed int) Result {
	return Result{Status: StatusIncomplete, Consumed: uint32(consumed), Needed: uint32(needed)}
}

func (r Result) IsOK() bool         { return r.Status == StatusOK }
func (r Result) IsError() bool      { return r.Status == StatusError }
func (r Result) IsIncomplete() bool { return r.Status == StatusIncomplete }

// Check validates r against the length of the input it was produced for.
func (r Result) Check(inputLen int) error {
	switch r.Status {
	case StatusOK:
		if int(r.Consumed) != inputLen {
			return fmt.Errorf("%w: ok consumed %d of %d", ErrContract, r.Consumed, inputLen)
		}
	case StatusIncomplete:
		if int(r.Consumed) > inputLen {
			return fmt.Errorf("%w: consumed %d > input %d", ErrContract, r.Consumed, inputLen)
		}
		if int(r.Consumed)+int(r.Needed) <= inputLen {
			return fmt.Errorf("%w: needed %d already available after %d of %d",
				ErrContract, r.Needed, r.Consumed, inputLen)
		}
	case StatusError:
	default:
		return fmt.Errorf("%w: unknown status %d", ErrContract, r.Status)
	}
	return nil
}

func (r Result) String() string {
	if r.Status == StatusIncomplete {
		return fmt.Sprintf("incomplete(consumed=%d, needed=%d)", r.Consumed, r.Needed)
	}
	return r.Status.String()
}
