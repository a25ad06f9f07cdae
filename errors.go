package memlanes

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the kind of a memlanes failure. Codes are stable and
// may be matched via [errors.Is] against the corresponding Err* value, or by
// extracting the *[Error] with [errors.As].
type ErrorCode int32

const (
	// CodeNotInitialized indicates use of a zero-value or nil instance that
	// requires construction via its factory.
	CodeNotInitialized ErrorCode = iota + 1

	// CodeInitFailure indicates a constructor failed, e.g. storage could not
	// be obtained from the OS.
	CodeInitFailure

	// CodeMissingOrInvalidArgument indicates a nil, negative, or out-of-range
	// argument, detected before any state was touched.
	CodeMissingOrInvalidArgument

	// CodeSizeOutOfRange indicates a capacity or allocation size outside the
	// supported range.
	CodeSizeOutOfRange

	// CodeAllocFailure indicates a general allocation failure.
	CodeAllocFailure

	// CodeNewLaneAllocFail indicates a freshly created lane failed to serve
	// the allocation that triggered its creation.
	CodeNewLaneAllocFail

	// CodeMaxLanesCountReached indicates lane creation would exceed
	// HighwaySettings.MaxLanesCount.
	CodeMaxLanesCountReached

	// CodeMaxTotalAllocBytesReached indicates lane creation would exceed
	// HighwaySettings.MaxTotalAllocatedBytes.
	CodeMaxTotalAllocBytesReached

	// CodeLaneNegativeReset indicates a lane's live-fragment count was
	// decremented below zero: a double dispose, or a dispose raced across a
	// cycle boundary. Fatal; indicates application-level misuse.
	CodeLaneNegativeReset

	// CodeAttemptToAccessWrongLaneCycle indicates a fragment was accessed
	// after its lane reset (the fragment's bytes may have been reused).
	// Fatal; indicates application-level misuse.
	CodeAttemptToAccessWrongLaneCycle

	// CodeAttemptToAccessDisposedLane indicates a fragment was accessed after
	// its lane's storage was released. Fatal.
	CodeAttemptToAccessDisposedLane

	// CodeAttemptToAccessClosedLane indicates a fragment was accessed while
	// its lane was (soft) closed.
	CodeAttemptToAccessClosedLane

	// CodeIncorrectDisposalMode indicates an operation that requires a
	// specific HighwaySettings.DisposalMode, e.g. Highway.FreeGhosts outside
	// TrackGhosts mode.
	CodeIncorrectDisposalMode

	// CodeLockAcquisition indicates a lock or permit could not be acquired
	// within its configured timeout.
	CodeLockAcquisition

	// CodeSignalAwaitTimeout indicates a wait for a condition (e.g. the
	// concurrent-operation drain during Tesseract.Clutch) timed out.
	CodeSignalAwaitTimeout

	// CodeWrongGear indicates a Tesseract operation invoked in a gear that
	// does not permit it. Transient; retry after Clutch.
	CodeWrongGear

	// CodeObjectDisposed indicates a method call on a disposed highway.
	CodeObjectDisposed
)

// String returns the stable name of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeNotInitialized:
		return `NotInitialized`
	case CodeInitFailure:
		return `InitFailure`
	case CodeMissingOrInvalidArgument:
		return `MissingOrInvalidArgument`
	case CodeSizeOutOfRange:
		return `SizeOutOfRange`
	case CodeAllocFailure:
		return `AllocFailure`
	case CodeNewLaneAllocFail:
		return `NewLaneAllocFail`
	case CodeMaxLanesCountReached:
		return `MaxLanesCountReached`
	case CodeMaxTotalAllocBytesReached:
		return `MaxTotalAllocBytesReached`
	case CodeLaneNegativeReset:
		return `LaneNegativeReset`
	case CodeAttemptToAccessWrongLaneCycle:
		return `AttemptToAccessWrongLaneCycle`
	case CodeAttemptToAccessDisposedLane:
		return `AttemptToAccessDisposedLane`
	case CodeAttemptToAccessClosedLane:
		return `AttemptToAccessClosedLane`
	case CodeIncorrectDisposalMode:
		return `IncorrectDisposalMode`
	case CodeLockAcquisition:
		return `LockAcquisition`
	case CodeSignalAwaitTimeout:
		return `SignalAwaitTimeout`
	case CodeWrongGear:
		return `WrongGear`
	case CodeObjectDisposed:
		return `ObjectDisposed`
	default:
		return fmt.Sprintf(`ErrorCode(%d)`, int32(c))
	}
}

// Error is the error type returned by this package. Two Error values match
// under [errors.Is] iff their codes are equal, so the canonical Err* values
// below may be used as match targets.
type Error struct {
	// Cause is the underlying error, if any, exposed via Unwrap.
	Cause error
	// Message describes the specific failure.
	Message string
	// Code is the stable failure kind.
	Code ErrorCode
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf(`memlanes: %s: %s: %v`, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf(`memlanes: %s: %s`, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Code == e.Code
}

// Canonical match targets for [errors.Is].
var (
	ErrNotInitialized                = &Error{Code: CodeNotInitialized, Message: `not initialized`}
	ErrInitFailure                   = &Error{Code: CodeInitFailure, Message: `init failure`}
	ErrMissingOrInvalidArgument      = &Error{Code: CodeMissingOrInvalidArgument, Message: `missing or invalid argument`}
	ErrSizeOutOfRange                = &Error{Code: CodeSizeOutOfRange, Message: `size out of range`}
	ErrAllocFailure                  = &Error{Code: CodeAllocFailure, Message: `alloc failure`}
	ErrNewLaneAllocFail              = &Error{Code: CodeNewLaneAllocFail, Message: `new lane alloc fail`}
	ErrMaxLanesCountReached          = &Error{Code: CodeMaxLanesCountReached, Message: `max lanes count reached`}
	ErrMaxTotalAllocBytesReached     = &Error{Code: CodeMaxTotalAllocBytesReached, Message: `max total allocated bytes reached`}
	ErrLaneNegativeReset             = &Error{Code: CodeLaneNegativeReset, Message: `lane allocations decremented below zero`}
	ErrAttemptToAccessWrongLaneCycle = &Error{Code: CodeAttemptToAccessWrongLaneCycle, Message: `fragment accessed across a lane reset`}
	ErrAttemptToAccessDisposedLane   = &Error{Code: CodeAttemptToAccessDisposedLane, Message: `fragment accessed on a disposed lane`}
	ErrAttemptToAccessClosedLane     = &Error{Code: CodeAttemptToAccessClosedLane, Message: `fragment accessed on a closed lane`}
	ErrIncorrectDisposalMode         = &Error{Code: CodeIncorrectDisposalMode, Message: `incorrect disposal mode`}
	ErrLockAcquisition               = &Error{Code: CodeLockAcquisition, Message: `lock acquisition failed`}
	ErrSignalAwaitTimeout            = &Error{Code: CodeSignalAwaitTimeout, Message: `signal await timed out`}
	ErrWrongGear                     = &Error{Code: CodeWrongGear, Message: `operation not permitted in the current gear`}
	ErrObjectDisposed                = &Error{Code: CodeObjectDisposed, Message: `object disposed`}
)

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func newErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
