package proc

import (
	"errors"
	"fmt"
	"time"

	"github.com/spelunk-dbg/spelunk/pkg/logflags"
)

// This file implements the inferior call layer: FunctionCaller marshals
// an argument frame into the target and drives one thread of the target
// through a bounded synchronous call via the external CallInjector
// port.
//
// At most one inferior call per process is in flight at any time, no
// matter how many components issue them; ExecuteFunction serializes on
// the CommonProcess call mutex.

// defaultCallTimeout is applied when CallOptions carries no timeout.
const defaultCallTimeout = 500 * time.Millisecond

var (
	errFuncCallUnsupportedBackend = errors.New("backend does not support function calls")
	errFuncCallInvalidEntry       = errors.New("function call entry address is invalid")
)

// CallOutcome is the way an inferior call ended.
type CallOutcome int

const (
	// CallCompleted means the routine ran to completion and its results
	// are valid.
	CallCompleted CallOutcome = iota
	// CallTimedOut means the timeout expired; the target was unwound
	// but its state, and any result buffer, is indeterminate.
	CallTimedOut
	// CallCrashed means the routine faulted.
	CallCrashed
	// CallInterrupted means a suppressed stop (breakpoint, signal) cut
	// the call short.
	CallInterrupted
)

func (o CallOutcome) String() string {
	switch o {
	case CallCompleted:
		return "completed"
	case CallTimedOut:
		return "timed out"
	case CallCrashed:
		return "crashed"
	case CallInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("CallOutcome(%d)", int(o))
}

// CallOptions bounds and shapes one inferior call.
type CallOptions struct {
	// Timeout bounds the call; zero means defaultCallTimeout.
	Timeout time.Duration
	// IgnoreBreakpoints suppresses breakpoints hit while the call runs.
	IgnoreBreakpoints bool
	// UnwindOnError restores the thread when the call fails.
	UnwindOnError bool
	// StopOthers keeps every other thread suspended during the call.
	StopOthers bool
	// TryAllThreads retries the call with all threads resumed if it
	// does not finish with only the calling thread running.
	TryAllThreads bool
}

// CallInjector is the execution-control port: it resumes thread at
// entry with the argument frame at argsAddr and blocks until the call
// ends one way or another. rawResult holds the routine's by-value
// return bytes, when the backend captures them.
type CallInjector interface {
	CallFunction(thread Thread, entry uint64, argsAddr uint64, opts CallOptions) (outcome CallOutcome, rawResult []byte, err error)
}

// FunctionCaller binds an installed routine to its fixed argument shape
// and executes bounded synchronous calls against it.
type FunctionCaller struct {
	p        Process
	injector CallInjector
	entry    uint64
	shape    ArgShape
}

// NewFunctionCaller builds a caller for the routine installed at entry.
func NewFunctionCaller(p Process, injector CallInjector, entry uint64, shape ArgShape) (*FunctionCaller, error) {
	if injector == nil || !p.Common().FnCallEnabled() {
		return nil, errFuncCallUnsupportedBackend
	}
	if entry == 0 || entry == InvalidAddress {
		return nil, errFuncCallInvalidEntry
	}
	return &FunctionCaller{p: p, injector: injector, entry: entry, shape: shape}, nil
}

// WriteArguments checks args against the routine's shape, marshals them
// and uploads them into a freshly allocated frame in the target. The
// caller owns the returned frame and deallocates it after the call.
func (c *FunctionCaller) WriteArguments(args []CallArg) (uint64, error) {
	if err := c.shape.check(args); err != nil {
		return InvalidAddress, err
	}
	frame := encodeArgFrame(args)
	addr, err := c.p.AllocateMemory(uint64(len(frame)), MemoryReadable|MemoryWritable)
	if err != nil {
		return InvalidAddress, fmt.Errorf("could not allocate argument frame: %v", err)
	}
	n, err := c.p.WriteMemory(addr, frame)
	if err != nil || n != len(frame) {
		c.p.DeallocateMemory(addr)
		if err == nil {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(frame))
		}
		return InvalidAddress, fmt.Errorf("could not write argument frame: %v", err)
	}
	return addr, nil
}

// ExecuteFunction drives thread through one call of the routine. It
// holds the process-wide call lock for the duration: separate
// FunctionCallers on the same process never overlap.
func (c *FunctionCaller) ExecuteFunction(thread Thread, argsAddr uint64, opts CallOptions) (CallOutcome, []byte, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}

	common := c.p.Common()
	common.callMu.Lock()
	defer common.callMu.Unlock()

	fncallLog("function call initiated entry=%#x args=%#x timeout=%v", c.entry, argsAddr, opts.Timeout)

	outcome, raw, err := c.injector.CallFunction(thread, c.entry, argsAddr, opts)

	fncallLog("function call finished entry=%#x outcome=%v err=%v", c.entry, outcome, err)
	return outcome, raw, err
}

func fncallLog(fmtstr string, args ...interface{}) {
	logflags.FnCallLogger().Debugf(fmtstr, args...)
}
