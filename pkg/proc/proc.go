package proc

import "sync"

// InvalidAddress means "no address": it is never the address of anything
// in the target.
const InvalidAddress = ^uint64(0)

// Process gives access to one examined process. Attaching, resuming and
// stepping the process are the surrounding debugger's business; this is
// only the surface the introspection layer consumes.
type Process interface {
	MemoryReadWriter
	MemoryAllocator
	// Alive returns whether we are still attached to a live target.
	Alive() bool
	// PtrSize returns the size in bytes of a pointer in the target.
	PtrSize() int
	// Common returns the process state shared by every introspection
	// component.
	Common() *CommonProcess
}

// Thread is one thread of the examined process.
type Thread interface {
	MemoryReadWriter
	ThreadID() int
	// SafeToCallFunctions returns false when the thread is stopped at a
	// point where resuming it for a function call would corrupt its
	// state, for example in the middle of an unwind or while another
	// injected call is being set up on it.
	SafeToCallFunctions() bool
}

// CommonProcess holds introspection state with process lifetime, shared
// by all components examining the same target. It is created when the
// debugger attaches and dropped on detach.
type CommonProcess struct {
	fncallEnabled bool

	// callMu serializes inferior calls process-wide. Per-component
	// locking would still allow two query kinds to resume the target at
	// the same time; only one thread of the inferior can be driven
	// through a call at once.
	callMu sync.Mutex
}

// NewCommonProcess returns a CommonProcess for a freshly attached
// target. fncallEnabled records whether the backend supports driving the
// target through function calls at all.
func NewCommonProcess(fncallEnabled bool) *CommonProcess {
	return &CommonProcess{fncallEnabled: fncallEnabled}
}

// FnCallEnabled returns whether the backend supports inferior calls.
func (c *CommonProcess) FnCallEnabled() bool {
	return c.fncallEnabled
}
