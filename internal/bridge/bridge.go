// Package bridge dispatches native functions called from script code.
//
// Scripts call Host.call(id, ...args). The id selects a Handler from a
// Registry. A handler answers in one of three ways: Return gives the script
// a value, Throw raises an exception in the script, and Defer suspends the
// calling script until a Reply is resolved from any goroutine.
package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/jsvm"
)

// Handler implements one native function.
type Handler func(c *Call) Result

// Result is what a Handler hands back to the bridge.
type Result struct {
	value    jsvm.Value
	err      error
	deferred bool
}

// Registry maps function ids to handlers. It is built by the host and
// passed to the engine; there is no process-wide registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint32]Handler)}
}

// Register binds id to fn. Ids are never silently replaced.
func (r *Registry) Register(id uint32, fn Handler) error {
	if fn == nil {
		return fmt.Errorf("registering function %#x: nil handler", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[id]; exists {
		return fmt.Errorf("function %#x: %w", id, core.ErrDuplicateFunction)
	}
	r.handlers[id] = fn
	return nil
}

// Unregister removes id. Scripts calling it afterwards get an
// unregistered-function exception.
func (r *Registry) Unregister(id uint32) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

func (r *Registry) Lookup(id uint32) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[id]
	return fn, ok
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Deliverer applies a reply to a suspended VM. It consumes the VM
// reference the Reply holds.
type Deliverer interface {
	DeliverReply(h *jsvm.Handle, token uint64, v jsvm.Value, err error)
}

// Dispatcher connects a Registry to the VMs of one engine.
type Dispatcher struct {
	registry     *Registry
	deliverer    Deliverer
	replyTimeout time.Duration
}

var _ jsvm.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher returns a jsvm.Dispatcher. A positive replyTimeout rejects
// deferred calls that stay unanswered that long.
func NewDispatcher(r *Registry, d Deliverer, replyTimeout time.Duration) *Dispatcher {
	return &Dispatcher{registry: r, deliverer: d, replyTimeout: replyTimeout}
}

// Dispatch runs the handler for id. A deferred result moves the VM to
// WaitBlock before control returns to the script.
func (d *Dispatcher) Dispatch(h *jsvm.Handle, id uint32, args []jsvm.Value) (out jsvm.Outcome) {
	fn, ok := d.registry.Lookup(id)
	if !ok {
		return jsvm.Outcome{Err: fmt.Errorf("function %#x: %w", id, core.ErrUnregisteredFunction)}
	}

	c := &Call{VM: h, ID: id, Args: args, d: d}
	defer func() {
		if r := recover(); r != nil {
			c.cancel()
			out = jsvm.Outcome{Err: fmt.Errorf("function %#x panicked: %v", id, r)}
		}
	}()

	res := fn(c)
	if !res.deferred {
		c.cancel()
		return jsvm.Outcome{Value: res.value, Err: res.err}
	}
	if c.reply == nil {
		return jsvm.Outcome{Err: fmt.Errorf("function %#x: deferred result without Defer", id)}
	}
	if err := h.Suspend(); err != nil {
		c.cancel()
		return jsvm.Outcome{Err: err}
	}
	c.reply.arm(d.replyTimeout)
	return jsvm.Outcome{Deferred: true, Token: c.reply.token}
}

// Call is one invocation of a native function.
type Call struct {
	VM   *jsvm.Handle
	ID   uint32
	Args []jsvm.Value

	d     *Dispatcher
	reply *Reply
}

// Arg returns argument i, or undefined when the script passed fewer.
func (c *Call) Arg(i int) jsvm.Value {
	if i < 0 || i >= len(c.Args) {
		return c.VM.NewUndefined()
	}
	return c.Args[i]
}

// Return answers the call with v.
func (c *Call) Return(v jsvm.Value) Result { return Result{value: v} }

// Throw raises err as an exception in the calling script.
func (c *Call) Throw(err error) Result { return Result{err: err} }

// Defer suspends the calling script. The returned Reply must be resolved
// or rejected exactly once, from any goroutine; the handler must return
// the Result unchanged.
func (c *Call) Defer() (Result, *Reply) {
	if c.reply == nil {
		c.VM.Retain()
		c.reply = &Reply{vm: c.VM, token: c.VM.NewToken(), d: c.d.deliverer}
	}
	return Result{deferred: true}, c.reply
}

// cancel retires a Reply that never went live.
func (c *Call) cancel() {
	if c.reply != nil && c.reply.done.CompareAndSwap(false, true) {
		c.VM.Release()
	}
}

// Reply answers one deferred call. It keeps the VM alive until used.
type Reply struct {
	vm    *jsvm.Handle
	token uint64
	d     Deliverer
	done  atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

// VM returns the suspended VM; build reply values with its constructors.
func (r *Reply) VM() *jsvm.Handle { return r.vm }

// Token identifies the suspended call within its VM.
func (r *Reply) Token() uint64 { return r.token }

// Resolve resumes the script with v.
func (r *Reply) Resolve(v jsvm.Value) error { return r.settle(v, nil) }

// Reject resumes the script by throwing err.
func (r *Reply) Reject(err error) error {
	if err == nil {
		err = fmt.Errorf("rejected")
	}
	return r.settle(jsvm.Value{}, err)
}

func (r *Reply) settle(v jsvm.Value, err error) error {
	if !r.done.CompareAndSwap(false, true) {
		return core.ErrAlreadyReplied
	}
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	r.d.DeliverReply(r.vm, r.token, v, err)
	return nil
}

func (r *Reply) arm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = time.AfterFunc(timeout, func() {
		_ = r.settle(jsvm.Value{}, fmt.Errorf("after %v: %w", timeout, core.ErrReplyTimeout))
	})
}
