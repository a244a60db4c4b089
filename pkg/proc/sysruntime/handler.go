// Package sysruntime extracts concurrency-runtime state from the
// examined process: the runtime library's queues, their pending work
// items and per-thread item information. None of this is recoverable
// from the binary image or from raw memory walks; only the target's own
// runtime library can compute it, so each query installs a small
// routine into the target once and calls it synchronously on demand.
//
// All query kinds share one generic engine and differ only in routine
// source text, exported name, argument shape and result shape.
package sysruntime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spelunk-dbg/spelunk/pkg/config"
	"github.com/spelunk-dbg/spelunk/pkg/logflags"
	"github.com/spelunk-dbg/spelunk/pkg/proc"
)

// scratchBufferSize is the size of the per-handler return buffer
// allocated in the target. The largest result shape uses 24 bytes.
const scratchBufferSize = 32

var (
	// ErrUnsafeCallContext means the chosen thread cannot be driven
	// through a function call right now. Retryable at a later stop.
	ErrUnsafeCallContext = errors.New("not safe to call functions on this thread")
	// ErrRoutineInstall means compiling or uploading the introspection
	// routine failed. The failure is permanent for the handler: the
	// target evidently lacks what the routine needs, and re-paying the
	// install cost on every call would not change that.
	ErrRoutineInstall = errors.New("could not install introspection routine")
	// ErrBufferAlloc means the return buffer could not be allocated in
	// the target. Retryable.
	ErrBufferAlloc = errors.New("could not allocate return buffer in the target")
	// ErrDecode means the routine completed but its result could not be
	// read back. No partial result is returned. Retryable.
	ErrDecode = errors.New("could not decode query result")
)

// CallIncompleteError means the inferior call ended some way other than
// completing: timeout, crash or a suppressed stop. The scratch buffer's
// contents are untrustworthy afterwards. The handler stays usable, but
// callers should consider disabling the feature instead of retrying
// indefinitely, since the target's state is indeterminate too.
type CallIncompleteError struct {
	Outcome proc.CallOutcome
	Err     error
}

func (e *CallIncompleteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inferior call %s: %v", e.Outcome, e.Err)
	}
	return fmt.Sprintf("inferior call %s", e.Outcome)
}

func (e *CallIncompleteError) Unwrap() error { return e.Err }

// Page identifies a result buffer that the target-side runtime library
// allocated for a previous query. Ownership rolls forward: the page is
// passed back on the query kind's next call and the routine frees it in
// the target before computing its new result, so repeated queries never
// leak and the debugger does no free bookkeeping of its own. The zero
// Page means "nothing to free" and encodes as a null pointer.
type Page struct {
	Addr uint64
	Size uint64
}

// IsValid reports whether the page names a real buffer.
func (p Page) IsValid() bool {
	return p.Addr != 0 && p.Addr != proc.InvalidAddress
}

// QueryResult is the fixed-shape record a query returns: the result
// page in the target plus, for the kinds that report one, an entry
// count.
type QueryResult struct {
	Buffer Page
	Count  uint64
}

// routineSpec is what distinguishes one query kind from another.
type routineSpec struct {
	// name is the exported name of the routine inside the target.
	name string
	// source is the fixed source text the routine is compiled from.
	source string
	// shape is the routine's full argument list.
	shape proc.ArgShape
	// hasCount is set when the result record carries a count at +16.
	hasCount bool
}

// handler is the generic query engine. One exists per (process, query
// kind), created on attach and torn down on detach.
type handler struct {
	p         proc.Process
	installer proc.UtilityInstaller
	injector  proc.CallInjector
	conf      *config.Config
	spec      routineSpec

	// fnMu guards routine installation. Separate from bufMu so that a
	// first-time install on one goroutine never blocks a result decode
	// of an already installed handler.
	fnMu          sync.Mutex
	code          proc.UtilityFunction
	caller        *proc.FunctionCaller
	installFailed bool

	// bufMu guards the scratch return buffer: at most one in-flight
	// call, and decode of its result, at a time.
	bufMu      sync.Mutex
	retBufAddr uint64
}

func newHandler(p proc.Process, installer proc.UtilityInstaller, injector proc.CallInjector, conf *config.Config, spec routineSpec) *handler {
	return &handler{
		p:          p,
		installer:  installer,
		injector:   injector,
		conf:       conf,
		spec:       spec,
		retBufAddr: proc.InvalidAddress,
	}
}

// setupRoutine compiles and installs the routine and builds its caller,
// at most once per handler. Any failure permanently disables the
// handler.
func (h *handler) setupRoutine() (*proc.FunctionCaller, error) {
	h.fnMu.Lock()
	defer h.fnMu.Unlock()

	if h.installFailed {
		return nil, fmt.Errorf("%w: %s", ErrRoutineInstall, h.spec.name)
	}
	if h.caller != nil {
		return h.caller, nil
	}

	code, err := h.installer.GetUtilityFunction(h.spec.source, h.spec.name)
	if err != nil {
		h.installFailed = true
		sysruntimeLog("failed to compile %s: %v", h.spec.name, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrRoutineInstall, h.spec.name, err)
	}
	if err := code.Install(); err != nil {
		h.installFailed = true
		sysruntimeLog("failed to install %s: %v", h.spec.name, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrRoutineInstall, h.spec.name, err)
	}
	caller, err := proc.NewFunctionCaller(h.p, h.injector, code.EntryAddress(), h.spec.shape)
	if err != nil {
		h.installFailed = true
		sysruntimeLog("could not get caller for %s: %v", h.spec.name, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrRoutineInstall, h.spec.name, err)
	}

	h.code = code
	h.caller = caller
	return caller, nil
}

// invoke runs one query: {return buffer, debug flag, domain arguments,
// prior page address, prior page size} in fixed order.
func (h *handler) invoke(thread proc.Thread, domainArgs []proc.CallArg, prior Page) (QueryResult, error) {
	if !thread.SafeToCallFunctions() {
		sysruntimeLog("not safe to call functions on thread %d", thread.ThreadID())
		return QueryResult{}, ErrUnsafeCallContext
	}

	caller, err := h.setupRoutine()
	if err != nil {
		return QueryResult{}, err
	}

	h.bufMu.Lock()
	defer h.bufMu.Unlock()

	if h.retBufAddr == proc.InvalidAddress {
		addr, err := h.p.AllocateMemory(scratchBufferSize, proc.MemoryReadable|proc.MemoryWritable)
		if err != nil || addr == proc.InvalidAddress {
			sysruntimeLog("failed to allocate return buffer for %s: %v", h.spec.name, err)
			return QueryResult{}, fmt.Errorf("%w: %v", ErrBufferAlloc, err)
		}
		h.retBufAddr = addr
	}

	debug := int32(0)
	if h.conf != nil && h.conf.RoutineDebug {
		debug = 1
	}
	pageToFree := uint64(0)
	if prior.IsValid() {
		pageToFree = prior.Addr
	}

	args := make([]proc.CallArg, 0, len(domainArgs)+4)
	args = append(args, proc.PointerArg("return_buffer", h.retBufAddr))
	args = append(args, proc.IntArg("debug", debug))
	args = append(args, domainArgs...)
	args = append(args, proc.PointerArg("page_to_free", pageToFree))
	args = append(args, proc.Uint64Arg("page_to_free_size", prior.Size))

	argsAddr, err := caller.WriteArguments(args)
	if err != nil {
		return QueryResult{}, err
	}
	defer h.p.DeallocateMemory(argsAddr)

	opts := proc.CallOptions{
		Timeout:           h.conf.CallTimeout(),
		IgnoreBreakpoints: true,
		UnwindOnError:     true,
		StopOthers:        true,
		TryAllThreads:     false,
	}
	outcome, _, err := caller.ExecuteFunction(thread, argsAddr, opts)
	if err != nil || outcome != proc.CallCompleted {
		sysruntimeLog("unable to call %s: outcome %s, error %v", h.spec.name, outcome, err)
		return QueryResult{}, &CallIncompleteError{Outcome: outcome, Err: err}
	}

	res, err := h.decodeResult()
	if err != nil {
		return QueryResult{}, err
	}
	sysruntimeLog("%s(page_to_free=%#x, size=%d) returned page %#x size %d count %d",
		h.spec.name, pageToFree, prior.Size, res.Buffer.Addr, res.Buffer.Size, res.Count)
	return res, nil
}

// decodeResult reads the result record at fixed offsets 0/+8/+16 of the
// scratch buffer. bufMu must be held.
func (h *handler) decodeResult() (QueryResult, error) {
	mem := proc.CacheMemory(h.p, h.retBufAddr, 24)

	ptr, err := proc.ReadUintRaw(mem, h.retBufAddr, 8)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if ptr == proc.InvalidAddress {
		return QueryResult{}, fmt.Errorf("%w: routine reported no result", ErrDecode)
	}
	size, err := proc.ReadUintRaw(mem, h.retBufAddr+8, 8)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	res := QueryResult{Buffer: Page{Addr: ptr, Size: size}}
	if h.spec.hasCount {
		count, err := proc.ReadUintRaw(mem, h.retBufAddr+16, 8)
		if err != nil {
			return QueryResult{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		res.Count = count
	}
	return res, nil
}

// detach frees the scratch buffer. The handler must not be used
// afterwards.
func (h *handler) detach() {
	if h.p == nil || !h.p.Alive() {
		return
	}
	// Even if we don't get the lock, deallocate the buffer: a shutting
	// down process no longer needs mutual exclusion.
	if h.bufMu.TryLock() {
		defer h.bufMu.Unlock()
	}
	if h.retBufAddr != proc.InvalidAddress {
		h.p.DeallocateMemory(h.retBufAddr)
		h.retBufAddr = proc.InvalidAddress
	}
}

func sysruntimeLog(fmtstr string, args ...interface{}) {
	logflags.SystemRuntimeLogger().Debugf(fmtstr, args...)
}
