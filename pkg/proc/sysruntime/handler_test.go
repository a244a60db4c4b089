package sysruntime

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/spelunk-dbg/spelunk/pkg/config"
	"github.com/spelunk-dbg/spelunk/pkg/proc"
)

// fakeProcess backs target memory with a sparse map; unmapped reads
// return zeroes unless an address is marked unreadable.
type fakeProcess struct {
	mem         map[uint64]byte
	unreadable  map[uint64]bool
	common      *proc.CommonProcess
	nextAlloc   uint64
	allocated   map[uint64]uint64
	deallocated []uint64
	failAlloc   bool
	dead        bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		mem:        make(map[uint64]byte),
		unreadable: make(map[uint64]bool),
		common:     proc.NewCommonProcess(true),
		nextAlloc:  0x100000,
		allocated:  make(map[uint64]uint64),
	}
}

func (p *fakeProcess) setUint64(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i, b := range buf {
		p.mem[addr+uint64(i)] = b
	}
}

func (p *fakeProcess) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		if p.unreadable[addr+uint64(i)] {
			return i, errors.New("unreadable memory")
		}
		buf[i] = p.mem[addr+uint64(i)]
	}
	return len(buf), nil
}

func (p *fakeProcess) WriteMemory(addr uint64, data []byte) (int, error) {
	for i, b := range data {
		p.mem[addr+uint64(i)] = b
	}
	return len(data), nil
}

func (p *fakeProcess) AllocateMemory(size uint64, perms proc.MemoryPermissions) (uint64, error) {
	if p.failAlloc {
		return proc.InvalidAddress, errors.New("allocation refused")
	}
	addr := p.nextAlloc
	p.nextAlloc += 0x1000
	p.allocated[addr] = size
	return addr, nil
}

func (p *fakeProcess) DeallocateMemory(addr uint64) error {
	delete(p.allocated, addr)
	p.deallocated = append(p.deallocated, addr)
	return nil
}

func (p *fakeProcess) Alive() bool                 { return !p.dead }
func (p *fakeProcess) PtrSize() int                { return 8 }
func (p *fakeProcess) Common() *proc.CommonProcess { return p.common }

type fakeThread struct {
	*fakeProcess
	id   int
	safe bool
}

func (t *fakeThread) ThreadID() int             { return t.id }
func (t *fakeThread) SafeToCallFunctions() bool { return t.safe }

type fakeUtilityFunction struct {
	entry      uint64
	installErr error
	installed  bool
}

func (f *fakeUtilityFunction) Install() error {
	if f.installErr != nil {
		return f.installErr
	}
	f.installed = true
	return nil
}

func (f *fakeUtilityFunction) EntryAddress() uint64 { return f.entry }

type fakeInstaller struct {
	compileErr error
	installErr error
	entry      uint64
	compiles   int
	lastName   string
	lastSource string
}

func (ins *fakeInstaller) GetUtilityFunction(source, name string) (proc.UtilityFunction, error) {
	ins.compiles++
	ins.lastSource = source
	ins.lastName = name
	if ins.compileErr != nil {
		return nil, ins.compileErr
	}
	return &fakeUtilityFunction{entry: ins.entry, installErr: ins.installErr}, nil
}

type capturedCall struct {
	entry    uint64
	argsAddr uint64
	opts     proc.CallOptions
	slots    []uint64
}

// fakeInjector decodes the argument frame of every call and, when
// scripted to, writes a result record into the return buffer the frame
// points at.
type fakeInjector struct {
	p        *fakeProcess
	outcome  proc.CallOutcome
	err      error
	nextPage Page
	nextCnt  uint64
	noResult bool
	numArgs  int
	calls    []capturedCall
}

func (inj *fakeInjector) CallFunction(thread proc.Thread, entry, argsAddr uint64, opts proc.CallOptions) (proc.CallOutcome, []byte, error) {
	slots := make([]uint64, inj.numArgs)
	for i := range slots {
		v, err := proc.ReadUintRaw(inj.p, argsAddr+uint64(i*8), 8)
		if err != nil {
			return proc.CallCrashed, nil, err
		}
		slots[i] = v
	}
	inj.calls = append(inj.calls, capturedCall{entry: entry, argsAddr: argsAddr, opts: opts, slots: slots})

	if inj.outcome == proc.CallCompleted && !inj.noResult {
		retbuf := slots[0]
		inj.p.setUint64(retbuf, inj.nextPage.Addr)
		inj.p.setUint64(retbuf+8, inj.nextPage.Size)
		inj.p.setUint64(retbuf+16, inj.nextCnt)
	}
	return inj.outcome, nil, inj.err
}

func newQueuesFixture() (*fakeProcess, *fakeThread, *fakeInstaller, *fakeInjector, *GetQueuesHandler) {
	p := newFakeProcess()
	thread := &fakeThread{fakeProcess: p, id: 1, safe: true}
	installer := &fakeInstaller{entry: 0x4000}
	injector := &fakeInjector{p: p, outcome: proc.CallCompleted, numArgs: 4}
	g := NewGetQueuesHandler(p, installer, injector, nil)
	return p, thread, installer, injector, g
}

func TestGetCurrentQueuesDecode(t *testing.T) {
	_, thread, installer, injector, g := newQueuesFixture()
	injector.nextPage = Page{Addr: 0x1000, Size: 0x20}
	injector.nextCnt = 0x3

	res, err := g.GetCurrentQueues(thread, Page{})
	if err != nil {
		t.Fatalf("GetCurrentQueues: %v", err)
	}
	if res.Buffer.Addr != 0x1000 || res.Buffer.Size != 0x20 || res.Count != 3 {
		t.Errorf("result = {%#x, %#x, %d}; want {0x1000, 0x20, 3}", res.Buffer.Addr, res.Buffer.Size, res.Count)
	}
	if installer.lastName != getCurrentQueuesRoutineName {
		t.Errorf("installed routine %q; want %q", installer.lastName, getCurrentQueuesRoutineName)
	}
}

func TestInvokeIdempotence(t *testing.T) {
	p, thread, installer, injector, g := newQueuesFixture()
	injector.nextPage = Page{Addr: 0x1000, Size: 0x20}

	if _, err := g.GetCurrentQueues(thread, Page{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := g.GetCurrentQueues(thread, Page{}); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if installer.compiles != 1 {
		t.Errorf("routine compiled %d times; want 1", installer.compiles)
	}
	if len(injector.calls) != 2 {
		t.Fatalf("injector ran %d calls; want 2", len(injector.calls))
	}
	if injector.calls[0].entry != injector.calls[1].entry {
		t.Errorf("routine entry changed between calls")
	}
	if injector.calls[0].slots[0] != injector.calls[1].slots[0] {
		t.Errorf("scratch buffer address changed between calls: %#x then %#x",
			injector.calls[0].slots[0], injector.calls[1].slots[0])
	}
	// one scratch buffer still allocated, argument frames released
	scratch := injector.calls[0].slots[0]
	if _, ok := p.allocated[scratch]; !ok {
		t.Errorf("scratch buffer not kept across calls")
	}
	for _, c := range injector.calls {
		found := false
		for _, d := range p.deallocated {
			if d == c.argsAddr {
				found = true
			}
		}
		if !found {
			t.Errorf("argument frame %#x never deallocated", c.argsAddr)
		}
	}
}

func TestRollingBufferProtocol(t *testing.T) {
	_, thread, _, injector, g := newQueuesFixture()
	injector.nextPage = Page{Addr: 0xaa00, Size: 0x40}

	res1, err := g.GetCurrentQueues(thread, Page{})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	// the first call has nothing to free
	if pageArg := injector.calls[0].slots[2]; pageArg != 0 {
		t.Errorf("first call page_to_free = %#x; want 0", pageArg)
	}
	if sizeArg := injector.calls[0].slots[3]; sizeArg != 0 {
		t.Errorf("first call page_to_free_size = %#x; want 0", sizeArg)
	}

	injector.nextPage = Page{Addr: 0xbb00, Size: 0x80}
	if _, err := g.GetCurrentQueues(thread, res1.Buffer); err != nil {
		t.Fatalf("second call: %v", err)
	}
	// the second call hands back the first call's page
	if pageArg := injector.calls[1].slots[2]; pageArg != 0xaa00 {
		t.Errorf("second call page_to_free = %#x; want 0xaa00", pageArg)
	}
	if sizeArg := injector.calls[1].slots[3]; sizeArg != 0x40 {
		t.Errorf("second call page_to_free_size = %#x; want 0x40", sizeArg)
	}
}

func TestInvokeUnsafeThread(t *testing.T) {
	_, thread, installer, _, g := newQueuesFixture()
	thread.safe = false

	if _, err := g.GetCurrentQueues(thread, Page{}); !errors.Is(err, ErrUnsafeCallContext) {
		t.Errorf("error = %v; want ErrUnsafeCallContext", err)
	}
	if installer.compiles != 0 {
		t.Errorf("unsafe call touched installation state")
	}
}

func TestInstallFailureIsPermanent(t *testing.T) {
	_, thread, installer, _, g := newQueuesFixture()
	installer.compileErr = errors.New("no clang for you")

	if _, err := g.GetCurrentQueues(thread, Page{}); !errors.Is(err, ErrRoutineInstall) {
		t.Fatalf("error = %v; want ErrRoutineInstall", err)
	}
	// the second call short-circuits without retrying installation
	installer.compileErr = nil
	if _, err := g.GetCurrentQueues(thread, Page{}); !errors.Is(err, ErrRoutineInstall) {
		t.Fatalf("second error = %v; want ErrRoutineInstall", err)
	}
	if installer.compiles != 1 {
		t.Errorf("installation retried: %d compiles", installer.compiles)
	}
}

func TestUploadFailureIsPermanent(t *testing.T) {
	_, thread, installer, _, g := newQueuesFixture()
	installer.installErr = errors.New("upload refused")

	if _, err := g.GetCurrentQueues(thread, Page{}); !errors.Is(err, ErrRoutineInstall) {
		t.Fatalf("error = %v; want ErrRoutineInstall", err)
	}
	installer.installErr = nil
	if _, err := g.GetCurrentQueues(thread, Page{}); !errors.Is(err, ErrRoutineInstall) {
		t.Fatalf("second error = %v; want ErrRoutineInstall", err)
	}
	if installer.compiles != 1 {
		t.Errorf("installation retried: %d compiles", installer.compiles)
	}
}

func TestTimeoutLeavesHandlerUsable(t *testing.T) {
	_, thread, installer, injector, g := newQueuesFixture()
	injector.outcome = proc.CallTimedOut

	_, err := g.GetCurrentQueues(thread, Page{})
	var incomplete *CallIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("error = %v; want CallIncompleteError", err)
	}
	if incomplete.Outcome != proc.CallTimedOut {
		t.Errorf("outcome = %v; want %v", incomplete.Outcome, proc.CallTimedOut)
	}

	injector.outcome = proc.CallCompleted
	injector.nextPage = Page{Addr: 0x1000, Size: 0x20}
	if _, err := g.GetCurrentQueues(thread, Page{}); err != nil {
		t.Errorf("handler unusable after timeout: %v", err)
	}
	if installer.compiles != 1 {
		t.Errorf("timeout caused reinstallation")
	}
}

func TestBufferAllocFailureIsRetryable(t *testing.T) {
	p, thread, _, injector, g := newQueuesFixture()
	p.failAlloc = true

	if _, err := g.GetCurrentQueues(thread, Page{}); !errors.Is(err, ErrBufferAlloc) {
		t.Fatalf("error = %v; want ErrBufferAlloc", err)
	}

	p.failAlloc = false
	injector.nextPage = Page{Addr: 0x1000, Size: 0x20}
	if _, err := g.GetCurrentQueues(thread, Page{}); err != nil {
		t.Errorf("handler unusable after allocation failure: %v", err)
	}
}

func TestDecodeFailure(t *testing.T) {
	t.Run("unreadable buffer", func(t *testing.T) {
		p, thread, _, injector, g := newQueuesFixture()
		injector.noResult = true
		injector.outcome = proc.CallCompleted
		// the scratch buffer will be the first allocation
		p.unreadable[p.nextAlloc] = true
		if _, err := g.GetCurrentQueues(thread, Page{}); !errors.Is(err, ErrDecode) {
			t.Errorf("error = %v; want ErrDecode", err)
		}
	})

	t.Run("invalid result pointer", func(t *testing.T) {
		_, thread, _, injector, g := newQueuesFixture()
		injector.nextPage = Page{Addr: proc.InvalidAddress, Size: 0}
		if _, err := g.GetCurrentQueues(thread, Page{}); !errors.Is(err, ErrDecode) {
			t.Errorf("error = %v; want ErrDecode", err)
		}
	})
}

func TestInvokeCallOptions(t *testing.T) {
	p := newFakeProcess()
	thread := &fakeThread{fakeProcess: p, id: 1, safe: true}
	installer := &fakeInstaller{entry: 0x4000}
	injector := &fakeInjector{p: p, outcome: proc.CallCompleted, numArgs: 4, nextPage: Page{Addr: 0x1000, Size: 8}}
	conf := &config.Config{CallTimeoutMillis: 200, RoutineDebug: true}
	g := NewGetQueuesHandler(p, installer, injector, conf)

	if _, err := g.GetCurrentQueues(thread, Page{}); err != nil {
		t.Fatalf("GetCurrentQueues: %v", err)
	}
	opts := injector.calls[0].opts
	if opts.Timeout != 200*time.Millisecond {
		t.Errorf("timeout = %v; want 200ms", opts.Timeout)
	}
	if !opts.IgnoreBreakpoints || !opts.UnwindOnError || !opts.StopOthers {
		t.Errorf("opts = %+v; want breakpoints ignored, unwind on error, others stopped", opts)
	}
	if opts.TryAllThreads {
		t.Errorf("TryAllThreads set; the call must resume only the calling thread")
	}
	if debugArg := injector.calls[0].slots[1]; debugArg != 1 {
		t.Errorf("debug argument = %d; want 1 with routine-debug configured", debugArg)
	}
}

func TestGetPendingItemsQueueArgument(t *testing.T) {
	p := newFakeProcess()
	thread := &fakeThread{fakeProcess: p, id: 1, safe: true}
	installer := &fakeInstaller{entry: 0x4000}
	injector := &fakeInjector{p: p, outcome: proc.CallCompleted, numArgs: 5, nextPage: Page{Addr: 0x1000, Size: 8}, nextCnt: 2}
	g := NewGetPendingItemsHandler(p, installer, injector, nil)

	res, err := g.GetPendingItems(thread, 0xfeed0000, Page{})
	if err != nil {
		t.Fatalf("GetPendingItems: %v", err)
	}
	if res.Count != 2 {
		t.Errorf("count = %d; want 2", res.Count)
	}
	if queueArg := injector.calls[0].slots[2]; queueArg != 0xfeed0000 {
		t.Errorf("queue argument = %#x; want 0xfeed0000", queueArg)
	}
	if installer.lastName != getPendingItemsRoutineName {
		t.Errorf("installed routine %q; want %q", installer.lastName, getPendingItemsRoutineName)
	}
}

func TestGetThreadItemInfo(t *testing.T) {
	p := newFakeProcess()
	thread := &fakeThread{fakeProcess: p, id: 1, safe: true}
	installer := &fakeInstaller{entry: 0x4000}
	injector := &fakeInjector{p: p, outcome: proc.CallCompleted, numArgs: 5, nextPage: Page{Addr: 0x2000, Size: 0x10}, nextCnt: 99}
	g := NewGetThreadItemInfoHandler(p, installer, injector, nil)

	res, err := g.GetThreadItemInfo(thread, 0x1234, Page{})
	if err != nil {
		t.Fatalf("GetThreadItemInfo: %v", err)
	}
	if tidArg := injector.calls[0].slots[2]; tidArg != 0x1234 {
		t.Errorf("thread_id argument = %#x; want 0x1234", tidArg)
	}
	if res.Buffer.Addr != 0x2000 || res.Buffer.Size != 0x10 {
		t.Errorf("buffer = {%#x, %#x}; want {0x2000, 0x10}", res.Buffer.Addr, res.Buffer.Size)
	}
	// this result shape carries no count
	if res.Count != 0 {
		t.Errorf("count = %d; want 0", res.Count)
	}
}

func TestDetach(t *testing.T) {
	p, thread, _, injector, g := newQueuesFixture()
	injector.nextPage = Page{Addr: 0x1000, Size: 0x20}

	if _, err := g.GetCurrentQueues(thread, Page{}); err != nil {
		t.Fatalf("GetCurrentQueues: %v", err)
	}
	scratch := injector.calls[0].slots[0]

	g.Detach()
	found := false
	for _, d := range p.deallocated {
		if d == scratch {
			found = true
		}
	}
	if !found {
		t.Errorf("scratch buffer %#x not deallocated on detach", scratch)
	}
}

func TestDetachDeadProcess(t *testing.T) {
	p, thread, _, injector, g := newQueuesFixture()
	injector.nextPage = Page{Addr: 0x1000, Size: 0x20}
	if _, err := g.GetCurrentQueues(thread, Page{}); err != nil {
		t.Fatalf("GetCurrentQueues: %v", err)
	}
	deallocs := len(p.deallocated)

	p.dead = true
	g.Detach()
	if len(p.deallocated) != deallocs {
		t.Errorf("detach touched a dead process")
	}
}

func TestDetachWithoutCalls(t *testing.T) {
	p, _, _, _, g := newQueuesFixture()
	g.Detach()
	if len(p.deallocated) != 0 {
		t.Errorf("detach deallocated %v without any allocation", p.deallocated)
	}
}
