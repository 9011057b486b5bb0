// Package errs implements the runtime's error taxonomy: a flat set of
// error kinds with push propagation, where each layer wraps a lower-level
// failure with its own context kind, producing a stack a debug printer can
// render. Built on github.com/pkg/errors rather than a hand-rolled stack
// type.
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is a coarse error category, not a specific message.
type Kind string

const (
	// Resource exhaustion
	KindSlotEmpty       Kind = "SLOT_EMPTY"
	KindNoMemory        Kind = "NO_MEMORY"
	KindSlabDepleted    Kind = "SLAB_DEPLETED"
	KindArgPageOverflow Kind = "ARGSPG_OVERFLOW"
	KindNoAvailablePID  Kind = "NO_AVAILABLE_PID"

	// Kernel invocation failure
	KindVnodeMap       Kind = "VNODE_MAP"
	KindVnodeCreate    Kind = "VNODE_CREATE"
	KindCapCopy        Kind = "CAP_COPY"
	KindDispatcherInvoke Kind = "DISPATCHER_INVOKE"

	// Protocol violation
	KindInvalidPayload Kind = "INVALID_PAYLOAD"
	KindMalformedELF   Kind = "ELF_MAP"
	KindNonTerminating Kind = "NON_TERMINATING_STRING"
	KindNotMapped      Kind = "NOT_MAPPED" // double-map of the same page

	// Routing failure
	KindPIDNotFound   Kind = "PID_NOT_FOUND"
	KindCapRefused    Kind = "CAP_TRANSFER_REFUSED"
	KindFindModule    Kind = "FIND_MODULE"

	// Transient
	KindTransient Kind = "TRANSIENT_RETRY"
)

// kindErr is the node pushed onto the error chain at each layer.
type kindErr struct {
	kind  Kind
	cause error
}

func (e *kindErr) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.cause.Error())
}

func (e *kindErr) Unwrap() error { return e.cause }
func (e *kindErr) Cause() error  { return e.cause } // github.com/pkg/errors Causer interface

// Wrap pushes kind onto err's context stack. If err is nil, Wrap returns
// nil: pushing context onto "no error" is a no-op, so callers can wrap
// unconditionally on the return path.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.WithMessage(err, msg)
	return &kindErr{kind: kind, cause: wrapped}
}

// New creates a fresh error carrying just kind, for the first failure in a
// chain (no lower-level cause to push onto).
func New(kind Kind, msg string) error {
	return &kindErr{kind: kind, cause: errors.New(msg)}
}

// Kinds walks the chain built by Wrap/New and returns the ordered list of
// kinds from outermost (most recent push) to innermost.
func Kinds(err error) []Kind {
	var out []Kind
	for err != nil {
		if ke, ok := err.(*kindErr); ok {
			out = append(out, ke.kind)
			err = ke.cause
			continue
		}
		// Unwrap through pkg/errors' WithMessage/WithStack nodes looking
		// for the next kindErr in the chain.
		err = errors.Unwrap(err)
	}
	return out
}

// Is reports whether any kind in err's chain equals kind.
func Is(err error, kind Kind) bool {
	for _, k := range Kinds(err) {
		if k == kind {
			return true
		}
	}
	return false
}

// DebugString renders the full context stack as a single line, each frame
// prefixed with its context kind.
func DebugString(err error) string {
	if err == nil {
		return "<nil>"
	}
	kinds := Kinds(err)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, " -> ") + ": " + rootMessage(err)
}

func rootMessage(err error) string {
	for {
		cause := errors.Cause(err)
		if ke, ok := cause.(*kindErr); ok {
			if ke.cause == nil {
				return string(ke.kind)
			}
			err = ke.cause
			continue
		}
		return cause.Error()
	}
}
