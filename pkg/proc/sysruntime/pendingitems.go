package sysruntime

import (
	"github.com/spelunk-dbg/spelunk/pkg/config"
	"github.com/spelunk-dbg/spelunk/pkg/proc"
)

const getPendingItemsRoutineName = "__spelunk_backtrace_recording_get_pending_items"

const getPendingItemsRoutineSource = `
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
    typedef void *dispatch_queue_t;
    typedef void *introspection_dispatch_queue_info_t;
    typedef void *introspection_dispatch_item_info_ref;

    extern uint64_t __introspection_dispatch_queue_get_pending_items (dispatch_queue_t queue,
                                                 introspection_dispatch_item_info_ref *returned_queues_buffer,
                                                 uint64_t *returned_queues_buffer_size);
    extern int printf(const char *format, ...);

    /*
     * return type define
     */

    struct get_pending_items_return_values
    {
        uint64_t pending_items_buffer_ptr;    /* the address of the items buffer from libBacktraceRecording */
        uint64_t pending_items_buffer_size;   /* the size of the items buffer from libBacktraceRecording */
        uint64_t count;                /* the number of items included in the queues buffer */
    };

    void  __spelunk_backtrace_recording_get_pending_items
                                               (struct get_pending_items_return_values *return_buffer,
                                                int debug,
                                                uint64_t /* dispatch_queue_t */ queue,
                                                void *page_to_free,
                                                uint64_t page_to_free_size)
{
    if (debug)
      printf ("entering get_pending_items with args return_buffer == %p, debug == %d, queue == 0x%llx, page_to_free == %p, page_to_free_size == 0x%llx\n", return_buffer, debug, queue, page_to_free, page_to_free_size);
    if (page_to_free != 0)
    {
        mach_vm_deallocate (mach_task_self(), (mach_vm_address_t) page_to_free, (mach_vm_size_t) page_to_free_size);
    }

    return_buffer->count = __introspection_dispatch_queue_get_pending_items (
                                                      (void*) queue,
                                                      (void**)&return_buffer->pending_items_buffer_ptr,
                                                      &return_buffer->pending_items_buffer_size);
    if (debug)
        printf("result was count %lld\n", return_buffer->count);
}
}
`

// GetPendingItemsHandler lists the work items enqueued on one queue of
// the target and not yet running. One per examined process.
type GetPendingItemsHandler struct {
	h *handler
}

// NewGetPendingItemsHandler builds the pending-item query for p. conf
// may be nil for defaults.
func NewGetPendingItemsHandler(p proc.Process, installer proc.UtilityInstaller, injector proc.CallInjector, conf *config.Config) *GetPendingItemsHandler {
	return &GetPendingItemsHandler{h: newHandler(p, installer, injector, conf, routineSpec{
		name:   getPendingItemsRoutineName,
		source: getPendingItemsRoutineSource,
		shape: proc.ArgShape{
			{Name: "return_buffer", Kind: proc.ArgPointer},
			{Name: "debug", Kind: proc.ArgInt},
			{Name: "queue", Kind: proc.ArgPointer},
			{Name: "page_to_free", Kind: proc.ArgPointer},
			{Name: "page_to_free_size", Kind: proc.ArgUint64},
		},
		hasCount: true,
	})}
}

// GetPendingItems lists the pending work items of the queue at
// queueAddr. prior follows the same rolling-ownership contract as
// GetQueuesHandler.GetCurrentQueues.
func (g *GetPendingItemsHandler) GetPendingItems(thread proc.Thread, queueAddr uint64, prior Page) (QueryResult, error) {
	return g.h.invoke(thread, []proc.CallArg{proc.PointerArg("queue", queueAddr)}, prior)
}

// Detach frees the handler's scratch memory in the target. Best effort.
func (g *GetPendingItemsHandler) Detach() {
	g.h.detach()
}
