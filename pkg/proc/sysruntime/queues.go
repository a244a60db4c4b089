package sysruntime

import (
	"github.com/spelunk-dbg/spelunk/pkg/config"
	"github.com/spelunk-dbg/spelunk/pkg/proc"
)

const getCurrentQueuesRoutineName = "__spelunk_backtrace_recording_get_current_queues"

const getCurrentQueuesRoutineSource = `
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

    /*
     * libBacktraceRecording defines
     */

    typedef uint32_t queue_list_scope_t;
    typedef void *introspection_dispatch_queue_info_t;

    extern uint64_t __introspection_dispatch_get_queues (queue_list_scope_t scope,
                                                 introspection_dispatch_queue_info_t *returned_queues_buffer,
                                                 uint64_t *returned_queues_buffer_size);
    extern int printf(const char *format, ...);

    /*
     * return type define
     */

    struct get_current_queues_return_values
    {
        uint64_t queues_buffer_ptr;    /* the address of the queues buffer from libBacktraceRecording */
        uint64_t queues_buffer_size;   /* the size of the queues buffer from libBacktraceRecording */
        uint64_t count;                /* the number of queues included in the queues buffer */
    };

    void  __spelunk_backtrace_recording_get_current_queues
                                               (struct get_current_queues_return_values *return_buffer,
                                                int debug,
                                                void *page_to_free,
                                                uint64_t page_to_free_size)
{
    if (debug)
      printf ("entering get_current_queues with args %p, %d, 0x%p, 0x%llx\n", return_buffer, debug, page_to_free, page_to_free_size);
    if (page_to_free != 0)
    {
        mach_vm_deallocate (mach_task_self(), (mach_vm_address_t) page_to_free, (mach_vm_size_t) page_to_free_size);
    }

    return_buffer->count = __introspection_dispatch_get_queues (
                                                      /* QUEUES_WITH_ANY_ITEMS */ 2,
                                                      (void**)&return_buffer->queues_buffer_ptr,
                                                      &return_buffer->queues_buffer_size);
    if (debug)
        printf("result was count %lld\n", return_buffer->count);
}
}
`

// GetQueuesHandler lists the queues the target's runtime library is
// currently tracking. One per examined process.
type GetQueuesHandler struct {
	h *handler
}

// NewGetQueuesHandler builds the queue-listing query for p. conf may be
// nil for defaults.
func NewGetQueuesHandler(p proc.Process, installer proc.UtilityInstaller, injector proc.CallInjector, conf *config.Config) *GetQueuesHandler {
	return &GetQueuesHandler{h: newHandler(p, installer, injector, conf, routineSpec{
		name:   getCurrentQueuesRoutineName,
		source: getCurrentQueuesRoutineSource,
		shape: proc.ArgShape{
			{Name: "return_buffer", Kind: proc.ArgPointer},
			{Name: "debug", Kind: proc.ArgInt},
			{Name: "page_to_free", Kind: proc.ArgPointer},
			{Name: "page_to_free_size", Kind: proc.ArgUint64},
		},
		hasCount: true,
	})}
}

// GetCurrentQueues runs the queue listing on thread. prior must be the
// page returned by this handler's previous call, or the zero Page on
// the first call; the routine frees it in the target before computing
// the new listing.
func (g *GetQueuesHandler) GetCurrentQueues(thread proc.Thread, prior Page) (QueryResult, error) {
	return g.h.invoke(thread, nil, prior)
}

// Detach frees the handler's scratch memory in the target. Best effort.
func (g *GetQueuesHandler) Detach() {
	g.h.detach()
}
