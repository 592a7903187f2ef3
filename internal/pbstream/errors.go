package pbstream

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyStream      = errors.New("empty stream")
	ErrMalformedEscape  = errors.New("malformed escape sequence")
	ErrInvalidHeader    = errors.New("invalid stream header")
	ErrCorruptSample    = errors.New("corrupt sample")
	ErrTimeOverflow     = errors.New("timestamp out of representable range")
	ErrOutOfOrderSample = errors.New("sample out of order")

	// ErrElementCountMismatch is a corrupt sample whose waveform length
	// differs from the header element count.
	ErrElementCountMismatch = fmt.Errorf("%w: element count mismatch", ErrCorruptSample)
)

// IssueKind classifies a per-line problem recorded in Diagnostics.
type IssueKind string

const (
	IssueMalformedEscape      IssueKind = "malformed_escape"
	IssueCorruptSample        IssueKind = "corrupt_sample"
	IssueElementCountMismatch IssueKind = "element_count_mismatch"
	IssueTimeOverflow         IssueKind = "time_overflow"
	IssueOutOfOrder           IssueKind = "out_of_order"
	IssueTypeChange           IssueKind = "type_change"
)

// issueKindOf maps a sample-level error to the kind it is reported under.
func issueKindOf(err error) IssueKind {
	switch {
	case errors.Is(err, ErrMalformedEscape):
		return IssueMalformedEscape
	case errors.Is(err, ErrElementCountMismatch):
		return IssueElementCountMismatch
	case errors.Is(err, ErrTimeOverflow):
		return IssueTimeOverflow
	case errors.Is(err, ErrOutOfOrderSample):
		return IssueOutOfOrder
	default:
		return IssueCorruptSample
	}
}
