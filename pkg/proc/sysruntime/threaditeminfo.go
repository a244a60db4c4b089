package sysruntime

import (
	"github.com/spelunk-dbg/spelunk/pkg/config"
	"github.com/spelunk-dbg/spelunk/pkg/proc"
)

const getThreadItemInfoRoutineName = "__spelunk_backtrace_recording_get_thread_item_info"

const getThreadItemInfoRoutineSource = `
extern "C"
{
    /*
     * mach defines
     */

    typedef unsigned int uint32_t;
    typedef unsigned long long uint64_t;
    typedef uint32_t mach_port_t;
    typedef mach_port_t vm_map_t;
    typedef int kern_return_t;
    typedef uint64_t mach_vm_address_t;
    typedef uint64_t mach_vm_size_t;

    mach_port_t mach_task_self ();
    kern_return_t mach_vm_deallocate (vm_map_t target, mach_vm_address_t address, mach_vm_size_t size);

    typedef void *pthread_t;
    extern int printf(const char *format, ...);
    extern pthread_t pthread_self(void);

    /*
     * libBacktraceRecording defines
     */

    typedef uint32_t queue_list_scope_t;
    typedef void *dispatch_queue_t;
    typedef void *introspection_dispatch_queue_info_t;
    typedef void *introspection_dispatch_item_info_ref;

    extern void __introspection_dispatch_thread_get_item_info (uint64_t  thread_id,
                                                 introspection_dispatch_item_info_ref *returned_queues_buffer,
                                                 uint64_t *returned_queues_buffer_size);

    /*
     * return type define
     */

    struct get_thread_item_info_return_values
    {
        uint64_t item_info_buffer_ptr;    /* the address of the items buffer from libBacktraceRecording */
        uint64_t item_info_buffer_size;   /* the size of the items buffer from libBacktraceRecording */
    };

    void  __spelunk_backtrace_recording_get_thread_item_info
                                               (struct get_thread_item_info_return_values *return_buffer,
                                                int debug,
                                                uint64_t thread_id,
                                                void *page_to_free,
                                                uint64_t page_to_free_size)
{
    void *pthread_id = pthread_self ();
    if (debug)
      printf ("entering get_thread_item_info with args return_buffer == %p, debug == %d, thread id == 0x%llx, page_to_free == %p, page_to_free_size == 0x%llx\n", return_buffer, debug, (uint64_t) thread_id, page_to_free, page_to_free_size);
    if (page_to_free != 0)
    {
        mach_vm_deallocate (mach_task_self(), (mach_vm_address_t) page_to_free, (mach_vm_size_t) page_to_free_size);
    }

    __introspection_dispatch_thread_get_item_info (thread_id,
                                                  (void**)&return_buffer->item_info_buffer_ptr,
                                                  &return_buffer->item_info_buffer_size);
}
}
`

// GetThreadItemInfoHandler fetches the work item a given thread of the
// target is currently running. One per examined process. The result
// record has no count.
type GetThreadItemInfoHandler struct {
	h *handler
}

// NewGetThreadItemInfoHandler builds the per-thread item query for p.
// conf may be nil for defaults.
func NewGetThreadItemInfoHandler(p proc.Process, installer proc.UtilityInstaller, injector proc.CallInjector, conf *config.Config) *GetThreadItemInfoHandler {
	return &GetThreadItemInfoHandler{h: newHandler(p, installer, injector, conf, routineSpec{
		name:   getThreadItemInfoRoutineName,
		source: getThreadItemInfoRoutineSource,
		shape: proc.ArgShape{
			{Name: "return_buffer", Kind: proc.ArgPointer},
			{Name: "debug", Kind: proc.ArgInt},
			{Name: "thread_id", Kind: proc.ArgUint64},
			{Name: "page_to_free", Kind: proc.ArgPointer},
			{Name: "page_to_free_size", Kind: proc.ArgUint64},
		},
	})}
}

// GetThreadItemInfo fetches item information for the thread with the
// given runtime thread id. prior follows the same rolling-ownership
// contract as GetQueuesHandler.GetCurrentQueues.
func (g *GetThreadItemInfoHandler) GetThreadItemInfo(thread proc.Thread, threadID uint64, prior Page) (QueryResult, error) {
	return g.h.invoke(thread, []proc.CallArg{proc.Uint64Arg("thread_id", threadID)}, prior)
}

// Detach frees the handler's scratch memory in the target. Best effort.
func (g *GetThreadItemInfoHandler) Detach() {
	g.h.detach()
}
