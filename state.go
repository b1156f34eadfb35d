package taskqueue

import (
	"sync/atomic"
)

// PortStatus is the lifecycle state of a [Port].
//
// State Machine:
//
//	PortActive -> PortCanceled       [Port.Cancel, Port.Terminate]
//	PortCanceled -> PortTerminating  [Port.Terminate]
//	PortTerminating -> PortTerminated [drain of pending callbacks completes]
//
// The status only ever advances; it never regresses, and every transition
// is performed with a single CAS so concurrent callers racing to cancel or
// terminate a port agree on exactly one winner per edge.
type PortStatus uint32

const (
	// PortActive is the status of a newly constructed port: it accepts
	// submissions and dispatches them according to its policy.
	PortActive PortStatus = 0
	// PortCanceled means the port has been asked to drop queued-but-not-
	// yet-dispatched callbacks, each invoked once with canceled=true
	// instead of being dispatched normally. Submissions made
	// after cancellation still fail with [ErrClosed].
	PortCanceled PortStatus = 1
	// PortTerminating means Terminate has been called: new submissions
	// are rejected and the port is draining any callback currently
	// executing.
	PortTerminating PortStatus = 2
	// PortTerminated is the final state: the port has stopped dispatching
	// and its dispatch goroutine, if any, has exited.
	PortTerminated PortStatus = 3
)

// String returns a human-readable representation of the status.
func (s PortStatus) String() string {
	switch s {
	case PortActive:
		return "Active"
	case PortCanceled:
		return "Canceled"
	case PortTerminating:
		return "Terminating"
	case PortTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// portState is a lock-free, monotonically-advancing status field with
// cache-line padding to avoid false sharing with adjacent hot fields.
type portState struct { // betteralign:ignore
	_ [sizeOfCacheLineHalf]byte                              //nolint:unused
	v atomic.Uint32                                          // PortStatus value
	_ [sizeOfCacheLine - sizeOfCacheLineHalf - sizeOfAtomicUint32]byte //nolint:unused
}

func (s *portState) load() PortStatus {
	return PortStatus(s.v.Load())
}

// advance moves the status forward to to, as long as the current value is
// strictly less than to; it is a no-op (returning false) if the port has
// already reached to or a later status. It never regresses.
func (s *portState) advance(to PortStatus) bool {
	for {
		cur := PortStatus(s.v.Load())
		if cur >= to {
			return false
		}
		if s.v.CompareAndSwap(uint32(cur), uint32(to)) {
			return true
		}
	}
}

// opState is the lifecycle state of a single async operation driven through
// an [AsyncProvider].
//
// State Machine:
//
//	opInitial -> opScheduled    [Schedule submits DoWork to the work port]
//	opScheduled -> opPending    [DoWork opcode runs, provider returns ErrPending]
//	opScheduled -> opCompleted  [DoWork opcode runs and completes synchronously]
//	opPending -> opCompleted    [provider calls Complete from outside DoWork]
//	opCompleted -> opResultConsumed [GetResult opcode runs]
//	opResultConsumed -> opCleanedUp  [Cleanup opcode runs, exactly once]
//
// Cancel may be observed from opInitial, opScheduled, or opPending; it does
// not itself advance this field; it sets a separate cancel-requested flag
// that DoWork observes cooperatively, matching the spec's cooperative
// cancellation model.
type opState uint32

const (
	opInitial opState = iota
	opScheduled
	opPending
	opCompleted
	opResultConsumed
	opCleanedUp
)

func (s opState) String() string {
	switch s {
	case opInitial:
		return "Initial"
	case opScheduled:
		return "Scheduled"
	case opPending:
		return "Pending"
	case opCompleted:
		return "Completed"
	case opResultConsumed:
		return "ResultConsumed"
	case opCleanedUp:
		return "CleanedUp"
	default:
		return "Unknown"
	}
}

// asyncState is the atomic carrier for opState plus a sticky cancel flag,
// packed into a single uint64 so both fields can be read in one load: the
// low 32 bits hold the opState, the next bit holds the cancel flag.
type asyncState struct { // betteralign:ignore
	_ [sizeOfCacheLineHalf]byte                              //nolint:unused
	v atomic.Uint64                                          // opState | (canceled << 32)
	_ [sizeOfCacheLine - sizeOfCacheLineHalf - sizeOfAtomicUint64]byte //nolint:unused
}

const asyncCanceledBit = uint64(1) << 32

func (s *asyncState) load() (st opState, canceled bool) {
	raw := s.v.Load()
	return opState(raw & 0xffffffff), raw&asyncCanceledBit != 0
}

// tryAdvance performs a CAS from the exact (from, canceled) pair to
// (to, canceled), preserving the cancel flag.
func (s *asyncState) tryAdvance(from, to opState) bool {
	for {
		raw := s.v.Load()
		if opState(raw&0xffffffff) != from {
			return false
		}
		next := raw&asyncCanceledBit | uint64(to)
		if s.v.CompareAndSwap(raw, next) {
			return true
		}
	}
}

// requestCancel sets the cancel flag without disturbing the opState; it is
// idempotent and safe to call from any goroutine at any time.
func (s *asyncState) requestCancel() {
	for {
		raw := s.v.Load()
		if raw&asyncCanceledBit != 0 {
			return
		}
		if s.v.CompareAndSwap(raw, raw|asyncCanceledBit) {
			return
		}
	}
}
