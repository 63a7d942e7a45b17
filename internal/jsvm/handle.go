// Package jsvm owns individual QuickJS virtual machines.
//
// A Handle wraps one engine context together with the state the host needs
// to drive it from a worker pool: an atomic execution status, a count of
// deferred native calls, a reference count, a bounded queue of tasks
// parked while the VM is suspended, and an arena of native objects that
// script code refers to by integer id.
//
// Script-visible values never leave the engine as engine objects. They are
// copied into Go-side Values tagged with the owning VM, so a Value built
// for one VM is rejected by every other.
package jsvm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"unique"

	"github.com/cryguy/vmhost/internal/arena"
	"github.com/cryguy/vmhost/internal/core"
	"modernc.org/quickjs"
)

// Outcome is what a native function produced for one call.
type Outcome struct {
	Value    Value
	Err      error
	Deferred bool
	Token    uint64 // identifies the suspended call when Deferred
}

// Dispatcher resolves Host.call(id, ...) from script code. It runs on the
// goroutine executing the script and must not call back into h except
// through Suspend, NewToken and the value constructors.
type Dispatcher interface {
	Dispatch(h *Handle, id uint32, args []Value) Outcome
}

// Options configure a new Handle.
type Options struct {
	Name        string
	MemoryLimit int64
	QueueDepth  int
	Dispatcher  Dispatcher
}

// Exception is a value thrown by script code.
type Exception struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *Exception) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

type stackEntry struct {
	fn    string
	isFn  bool
	value Value
}

type settlement struct {
	id  uint32
	val Value
	err error
}

var nextID atomic.Uint64

// Handle is one script execution context.
type Handle struct {
	id   uint64
	name unique.Handle[string]

	vm      *quickjs.VM
	in      internals
	mu      sync.Mutex // held while the engine runs
	closeMu sync.Mutex // guards closed against Interrupt
	closed  bool

	status  atomic.Uint32
	pending atomic.Int32
	refs    atomic.Int32
	tokens  atomic.Uint64
	dead    atomic.Bool

	destroyOnce sync.Once
	gone        chan struct{}
	cause       atomic.Pointer[error]

	ran     atomic.Bool
	loadErr atomic.Pointer[error]

	dispatcher Dispatcher
	objects    *arena.Arena
	stack      []stackEntry

	pmu    sync.Mutex
	parked []func(error)
	depth  int

	wmu      sync.Mutex
	watchers map[uint32]func(Value, error)
	settled  []settlement
}

// New creates a VM and installs the prelude. The returned handle holds one
// reference.
func New(opts Options) (*Handle, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if opts.MemoryLimit > 0 {
		vm.SetMemoryLimit(uintptr(opts.MemoryLimit))
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}

	h := &Handle{
		id:         nextID.Add(1),
		name:       unique.Make(opts.Name),
		vm:         vm,
		gone:       make(chan struct{}),
		dispatcher: opts.Dispatcher,
		objects:    arena.New(),
		depth:      depth,
		watchers:   make(map[uint32]func(Value, error)),
	}
	h.refs.Store(1)

	if in, err := extractInternals(vm); err == nil {
		h.in = in
	} else {
		log.Printf("jsvm: vm %d: direct engine access unavailable, using slow paths: %v", h.id, err)
	}

	if err := vm.RegisterFunc("__vm_native", h.native, false); err != nil {
		vm.Close()
		return nil, fmt.Errorf("registering __vm_native: %w", err)
	}
	if err := vm.RegisterFunc("__vm_settled", h.onSettled, false); err != nil {
		vm.Close()
		return nil, fmt.Errorf("registering __vm_settled: %w", err)
	}
	v, err := vm.EvalValue(prelude, quickjs.EvalGlobal)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("installing prelude: %w", err)
	}
	v.Free()
	return h, nil
}

func (h *Handle) ID() uint64 { return h.id }
func (h *Handle) Name() string { return h.name.Value() }

func (h *Handle) String() string {
	if n := h.Name(); n != "" {
		return fmt.Sprintf("vm %d (%s)", h.id, n)
	}
	return fmt.Sprintf("vm %d", h.id)
}

// NewToken returns an id for a deferred call, unique within this VM.
func (h *Handle) NewToken() uint64 { return h.tokens.Add(1) }

// --- lifecycle ---

// Retain adds a reference.
func (h *Handle) Retain() { h.refs.Add(1) }

// Release drops a reference. The VM is destroyed when the last reference
// goes and it is idle; a VM that still runs or waits on a deferred call
// is destroyed by Settle once it gets back to Init.
func (h *Handle) Release() {
	if h.refs.Add(-1) > 0 {
		return
	}
	if h.Status() == StatusInit && h.pending.Load() == 0 {
		h.Destroy(nil)
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int { return int(h.refs.Load()) }

// Destroy tears the VM down regardless of references. The engine context
// is closed exactly once: here if the engine is idle, otherwise when the
// running operation returns. Parked tasks and promise watchers fail with
// the cause, or ErrVMGone when cause is nil.
func (h *Handle) Destroy(cause error) {
	h.destroyOnce.Do(func() {
		if cause != nil {
			h.cause.Store(&cause)
		}
		h.dead.Store(true)
		close(h.gone)
		if h.mu.TryLock() {
			h.shut()
			h.mu.Unlock()
		} else {
			h.Interrupt()
		}

		reason := cause
		if reason == nil {
			reason = core.ErrVMGone
		} else {
			reason = fmt.Errorf("%w: %w", core.ErrVMGone, cause)
		}
		h.pmu.Lock()
		parked := h.parked
		h.parked = nil
		h.pmu.Unlock()
		for _, fn := range parked {
			fn(reason)
		}
		h.wmu.Lock()
		watchers := h.watchers
		h.watchers = make(map[uint32]func(Value, error))
		h.wmu.Unlock()
		for _, fn := range watchers {
			fn(Value{}, reason)
		}
	})
}

// shut closes the engine context. Caller holds h.mu.
func (h *Handle) shut() {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.vm.Close()
	h.objects.Clear()
}

// Gone is closed when the VM has been destroyed.
func (h *Handle) Gone() <-chan struct{} { return h.gone }

// Alive reports whether the VM has not been destroyed.
func (h *Handle) Alive() bool { return !h.dead.Load() }

// Cause returns the error the VM was destroyed with, if any.
func (h *Handle) Cause() error {
	if p := h.cause.Load(); p != nil {
		return *p
	}
	return nil
}

// Interrupt aborts running script code. Safe from any goroutine; the VM
// should be destroyed afterwards.
func (h *Handle) Interrupt() {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if !h.closed {
		h.vm.Interrupt()
	}
}

func (h *Handle) enter() error {
	h.mu.Lock()
	if h.dead.Load() {
		h.shut()
		h.mu.Unlock()
		return core.ErrVMGone
	}
	return nil
}

func (h *Handle) leave() {
	if h.dead.Load() {
		h.shut()
	}
	h.mu.Unlock()
	h.flushSettled()
}

// --- parked tasks ---

// Park queues fn to run once the VM is idle again. fn receives nil when it
// is time to run and an error if the VM is destroyed first.
func (h *Handle) Park(fn func(error)) error {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	if h.dead.Load() {
		return core.ErrVMGone
	}
	if len(h.parked) >= h.depth {
		return core.ErrQueueFull
	}
	h.parked = append(h.parked, fn)
	return nil
}

// Unpark removes the oldest parked task.
func (h *Handle) Unpark() (func(error), bool) {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	if len(h.parked) == 0 {
		return nil, false
	}
	fn := h.parked[0]
	h.parked[0] = nil
	h.parked = h.parked[1:]
	return fn, true
}

// Parked returns the number of parked tasks.
func (h *Handle) Parked() int {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	return len(h.parked)
}

// --- engine calls ---

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (h *Handle) eval(js string) (any, error) {
	res, err := h.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return nil, err
	}
	return res, nil
}

type descriptor struct {
	V json.RawMessage `json:"v"`
	T *Exception      `json:"t"`
}

// result decodes the {"v":...} / {"t":...} envelope the prelude returns.
func (h *Handle) result(op string, res any) (Value, error) {
	s, ok := res.(string)
	if !ok {
		return Value{}, fmt.Errorf("%s: unexpected engine result %T", op, res)
	}
	var d descriptor
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return Value{}, fmt.Errorf("%s: %w", op, err)
	}
	if d.T != nil {
		return Value{}, &core.ScriptError{Op: op, Err: d.T}
	}
	if len(d.V) == 0 {
		return h.NewUndefined(), nil
	}
	return h.decode(string(d.V))
}

func (h *Handle) engineErr(op string, err error) error {
	if h.dead.Load() {
		return fmt.Errorf("%s: %w", op, core.ErrVMGone)
	}
	return &core.ScriptError{Op: op, Err: err}
}

// Load evaluates a compiled program and runs the promise jobs it queued.
// Completion and failure are also recorded for IsRan and LoadErr.
func (h *Handle) Load(p *Program) error {
	err := h.load(p)
	if err != nil {
		h.loadErr.Store(&err)
	}
	h.ran.Store(true)
	return err
}

func (h *Handle) load(p *Program) error {
	if err := h.enter(); err != nil {
		return err
	}
	defer h.leave()
	v, err := h.vm.EvalValue(p.Code, quickjs.EvalGlobal)
	if err != nil {
		return h.engineErr("load "+p.Name, err)
	}
	v.Free()
	h.pumpJobs()
	return nil
}

// IsRan reports whether the last Load has finished.
func (h *Handle) IsRan() bool { return h.ran.Load() }

// LoadErr returns the error of a finished Load, if any.
func (h *Handle) LoadErr() error {
	if p := h.loadErr.Load(); p != nil {
		return *p
	}
	return nil
}

// FailLoad records that a scheduled Load will never run.
func (h *Handle) FailLoad(err error) {
	h.loadErr.Store(&err)
	h.ran.Store(true)
}

// ResetLoad clears IsRan before a new Load is scheduled.
func (h *Handle) ResetLoad() {
	h.ran.Store(false)
	h.loadErr.Store(nil)
}

// Eval evaluates an expression in global scope and returns its value.
func (h *Handle) Eval(src string) (Value, error) {
	if err := h.enter(); err != nil {
		return Value{}, err
	}
	defer h.leave()
	res, err := h.eval("__vmEval(" + jsString(src) + ")")
	if err != nil {
		return Value{}, h.engineErr("eval", err)
	}
	v, err := h.result("eval", res)
	h.pumpJobs()
	return v, err
}

// SetGlobal assigns v to a global variable.
func (h *Handle) SetGlobal(name string, v Value) error {
	if v.owner != h.id {
		return core.ErrForeignValue
	}
	data, err := encodeValue(v)
	if err != nil {
		return err
	}
	if err := h.enter(); err != nil {
		return err
	}
	defer h.leave()
	if _, err := h.eval(fmt.Sprintf("__vmSet(%s, %s)", jsString(name), jsString(string(data)))); err != nil {
		return h.engineErr("set "+name, err)
	}
	return nil
}

// Global reads a global variable; dotted names walk nested objects.
func (h *Handle) Global(name string) (Value, error) {
	if err := h.enter(); err != nil {
		return Value{}, err
	}
	defer h.leave()
	res, err := h.eval("__vmGet(" + jsString(name) + ")")
	if err != nil {
		return Value{}, h.engineErr("get "+name, err)
	}
	return h.result("get "+name, res)
}

// --- two-step invoke ---

// GetJSFunction looks up a script function and pushes it on the argument
// stack. Arguments pushed after it are passed by Call.
func (h *Handle) GetJSFunction(name string) error {
	if err := h.enter(); err != nil {
		return err
	}
	res, err := h.eval("__vmHas(" + jsString(name) + ")")
	h.leave()
	if err != nil {
		return h.engineErr("lookup "+name, err)
	}
	if ok, _ := res.(bool); !ok {
		return fmt.Errorf("%s: %w", name, core.ErrFunctionNotFound)
	}
	h.stack = append(h.stack, stackEntry{fn: name, isFn: true})
	return nil
}

// Push appends arguments to the stack. Values owned by another VM are
// skipped and reported with ErrForeignValue.
func (h *Handle) Push(vals ...Value) error {
	var err error
	for _, v := range vals {
		if v.owner != h.id {
			err = core.ErrForeignValue
			continue
		}
		h.stack = append(h.stack, stackEntry{value: v})
	}
	return err
}

// StackLen returns the number of entries on the argument stack.
func (h *Handle) StackLen() int { return len(h.stack) }

// ResetStack discards everything on the argument stack.
func (h *Handle) ResetStack() { h.stack = h.stack[:0] }

// Call pops argc arguments and the function beneath them and invokes it.
// A promise result is returned as a KindPromise value for Watch.
func (h *Handle) Call(argc int) (Value, error) {
	if argc < 0 || len(h.stack) < argc+1 {
		return Value{}, core.ErrStackUnderflow
	}
	base := len(h.stack) - argc - 1
	fnEntry := h.stack[base]
	if !fnEntry.isFn {
		return Value{}, core.ErrStackUnderflow
	}
	args := make([]Value, argc)
	for i := range args {
		args[i] = h.stack[base+1+i].value
	}
	h.stack = h.stack[:base]

	data, err := encodeValues(args)
	if err != nil {
		return Value{}, err
	}
	if err := h.enter(); err != nil {
		return Value{}, err
	}
	defer h.leave()
	op := "call " + fnEntry.fn
	res, err := h.eval(fmt.Sprintf("__vmInvoke(%s, %s)", jsString(fnEntry.fn), jsString(string(data))))
	if err != nil {
		return Value{}, h.engineErr(op, err)
	}
	v, err := h.result(op, res)
	h.pumpJobs()
	return v, err
}

// --- promises, resume, callbacks ---

// Watch calls fn once the promise behind v settles. fn runs on the
// goroutine that pumps the VM's jobs, after the engine is released.
func (h *Handle) Watch(v Value, fn func(Value, error)) error {
	if v.owner != h.id {
		return core.ErrForeignValue
	}
	if v.kind != KindPromise {
		fn(v, nil)
		return nil
	}
	h.wmu.Lock()
	h.watchers[v.ref] = fn
	h.wmu.Unlock()

	if err := h.enter(); err != nil {
		h.unwatch(v.ref)
		return err
	}
	defer h.leave()
	res, err := h.eval(fmt.Sprintf("__vmWatch(%d)", v.ref))
	if err != nil {
		h.unwatch(v.ref)
		return h.engineErr("watch", err)
	}
	if ok, _ := res.(bool); !ok {
		h.unwatch(v.ref)
		return fmt.Errorf("watch: promise %d: %w", v.ref, core.ErrTypeMismatch)
	}
	h.pumpJobs()
	return nil
}

func (h *Handle) unwatch(id uint32) {
	h.wmu.Lock()
	delete(h.watchers, id)
	h.wmu.Unlock()
}

// Resume wakes the script continuation suspended under token with v, or
// with err thrown into it, and runs it until it completes or suspends
// again. Resuming an unknown token is a protocol error.
func (h *Handle) Resume(token uint64, v Value, err error) error {
	if v.owner != h.id {
		v = h.NewUndefined()
	}
	data, encErr := encodeValue(v)
	if encErr != nil {
		return encErr
	}
	errJSON := "null"
	if err != nil {
		b, _ := json.Marshal(exceptionOf(err))
		errJSON = string(b)
	}
	if e := h.enter(); e != nil {
		return e
	}
	defer h.leave()
	res, evalErr := h.eval(fmt.Sprintf("__vmResume(%d, %s, %s)", token, jsString(string(data)), jsString(errJSON)))
	if evalErr != nil {
		return h.engineErr("resume", evalErr)
	}
	if ok, _ := res.(bool); !ok {
		return h.violation("resume", StatusSingleTask, fmt.Errorf("token %d: %w", token, core.ErrAlreadyReplied))
	}
	h.pending.Add(-1)
	h.pumpJobs()
	return nil
}

// Callback invokes the function script code registered with
// Host.callback(index, fn). Its return value is discarded.
func (h *Handle) Callback(index uint32, args ...Value) error {
	for i, a := range args {
		if a.owner != h.id {
			args[i] = h.NewUndefined()
		}
	}
	data, err := encodeValues(args)
	if err != nil {
		return err
	}
	if err := h.enter(); err != nil {
		return err
	}
	defer h.leave()
	op := fmt.Sprintf("callback %d", index)
	res, err := h.eval(fmt.Sprintf("__vmCallback(%d, %s)", index, jsString(string(data))))
	if err != nil {
		return h.engineErr(op, err)
	}
	v, err := h.result(op, res)
	if err == nil && v.kind == KindPromise {
		_, _ = h.eval(fmt.Sprintf("__vmDrop(%d)", v.ref))
	}
	h.pumpJobs()
	return err
}

func exceptionOf(err error) *Exception {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	return &Exception{Name: "HostError", Message: err.Error()}
}

// --- Go functions called from the prelude ---

type nativeRequest struct {
	ID   uint32            `json:"i"`
	Args []json.RawMessage `json:"a"`
}

// native runs Host.call. It executes inside the engine, with h.mu held.
func (h *Handle) native(req string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			reply = errorReply(fmt.Errorf("native call panicked: %v", r))
		}
	}()
	var nr nativeRequest
	if err := json.Unmarshal([]byte(req), &nr); err != nil {
		return errorReply(fmt.Errorf("decoding native call: %w", err))
	}
	args := make([]Value, len(nr.Args))
	for i, raw := range nr.Args {
		v, err := h.decode(string(raw))
		if err != nil {
			return errorReply(err)
		}
		args[i] = v
	}
	if h.dispatcher == nil {
		return errorReply(fmt.Errorf("function %#x: %w", nr.ID, core.ErrUnregisteredFunction))
	}
	out := h.dispatcher.Dispatch(h, nr.ID, args)
	switch {
	case out.Err != nil:
		return errorReply(out.Err)
	case out.Deferred:
		return fmt.Sprintf(`{"d":%d}`, out.Token)
	}
	if out.Value.owner != h.id {
		return `{"v":{"$u":1}}`
	}
	data, err := encodeValue(out.Value)
	if err != nil {
		return errorReply(err)
	}
	return `{"v":` + string(data) + `}`
}

func errorReply(err error) string {
	b, _ := json.Marshal(map[string]*Exception{"e": exceptionOf(err)})
	return string(b)
}

type settledMsg struct {
	W uint32          `json:"w"`
	V json.RawMessage `json:"v"`
	T *Exception      `json:"t"`
}

// onSettled records a promise settlement. Watchers run in flushSettled
// once the engine is released.
func (h *Handle) onSettled(msg string) string {
	var m settledMsg
	if err := json.Unmarshal([]byte(msg), &m); err != nil {
		log.Printf("jsvm: %s: bad settlement: %v", h, err)
		return ""
	}
	s := settlement{id: m.W}
	if m.T != nil {
		s.err = &core.ScriptError{Op: "await", Err: m.T}
	} else if v, err := h.decode(string(m.V)); err != nil {
		s.err = err
	} else {
		s.val = v
	}
	h.wmu.Lock()
	h.settled = append(h.settled, s)
	h.wmu.Unlock()
	return ""
}

func (h *Handle) flushSettled() {
	for {
		h.wmu.Lock()
		if len(h.settled) == 0 {
			h.wmu.Unlock()
			return
		}
		batch := h.settled
		h.settled = nil
		fns := make([]func(Value, error), len(batch))
		for i, s := range batch {
			fns[i] = h.watchers[s.id]
			delete(h.watchers, s.id)
		}
		h.wmu.Unlock()
		for i, s := range batch {
			if fns[i] != nil {
				fns[i](s.val, s.err)
			}
		}
	}
}
