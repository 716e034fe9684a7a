package compressor

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every config validation failure.
var ErrInvalidConfig = errors.New("invalid compression config")

// ErrEncodeTimeout is wrapped when a single encode exceeds its deadline.
var ErrEncodeTimeout = errors.New("encode timed out")

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindRead
	KindDecode
	KindResize
	KindEncode
)

// String returns the tag reported to callers.
func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindDecode:
		return "decode"
	case KindResize:
		return "resize"
	case KindEncode:
		return "encode"
	default:
		return "unknown"
	}
}

// Error is a tagged pipeline failure. Every one of them aborts the run.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
