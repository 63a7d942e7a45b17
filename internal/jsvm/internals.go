package jsvm

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cryguy/vmhost/internal/buffer"
	"github.com/cryguy/vmhost/internal/core"
	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// internals holds the C handles hidden inside a quickjs.VM: the context,
// its runtime and the TLS the transpiled C code runs on. The job pump and
// the in-place ArrayBuffer view need them. Field names are looked up by
// reflection so a layout change in the wrapper turns into ok == false
// instead of a bad pointer.
type internals struct {
	tls *libc.TLS
	ctx uintptr
	rt  uintptr
	ok  bool
}

func fieldOffset(t reflect.Type, name string) (uintptr, error) {
	f, ok := t.FieldByName(name)
	if !ok {
		return 0, fmt.Errorf("%s has no field %s", t, name)
	}
	return f.Offset, nil
}

func extractInternals(vm *quickjs.VM) (in internals, err error) {
	defer func() {
		if p := recover(); p != nil {
			in, err = internals{}, fmt.Errorf("reading %T: %v", vm, p)
		}
	}()

	base := uintptr(unsafe.Pointer(vm))
	ctxOff, err := fieldOffset(reflect.TypeOf(vm).Elem(), "cContext")
	if err != nil {
		return internals{}, err
	}
	rtOff, err := fieldOffset(reflect.TypeOf(vm).Elem(), "runtime")
	if err != nil {
		return internals{}, err
	}

	in.ctx = *(*uintptr)(unsafe.Pointer(base + ctxOff))
	rt := *(*uintptr)(unsafe.Pointer(base + rtOff))
	if in.ctx == 0 || rt == 0 {
		return internals{}, fmt.Errorf("vm %p not initialized", vm)
	}
	// runtime is {cRuntime uintptr; tls *libc.TLS}.
	in.rt = *(*uintptr)(unsafe.Pointer(rt))
	in.tls = *(**libc.TLS)(unsafe.Pointer(rt + unsafe.Sizeof(uintptr(0))))
	if in.rt == 0 || in.tls == nil {
		return internals{}, fmt.Errorf("vm %p has no C runtime", vm)
	}

	glob := lib.XJS_GetGlobalObject(in.tls, in.ctx)
	lib.XFreeValue(in.tls, in.ctx, glob)

	in.ok = true
	return in, nil
}

// pumpJobs runs pending promise jobs until the queue is empty. Resumed
// continuations of suspended native calls run here. Caller holds h.mu.
func (h *Handle) pumpJobs() int {
	if !h.in.ok {
		return 0
	}
	count := 0
	for {
		if lib.XJS_ExecutePendingJob(h.in.tls, h.in.rt, 0) <= 0 {
			return count
		}
		count++
	}
}

// WithArrayBuffer gives fn typed access to the ArrayBuffer stored in the
// global name. With the engine internals available the buffer aliases
// engine memory; otherwise fn works on a copy that is written back when it
// returns. fn must not call other methods on h.
func (h *Handle) WithArrayBuffer(name string, fn func(*buffer.Buffer) error) error {
	if err := h.enter(); err != nil {
		return err
	}
	defer h.leave()
	if !h.in.ok {
		return h.withBufferCopy(name, fn)
	}

	cName, err := libc.CString(name)
	if err != nil {
		return fmt.Errorf("allocating property name: %w", err)
	}
	glob := lib.XJS_GetGlobalObject(h.in.tls, h.in.ctx)
	jsVal := lib.XJS_GetPropertyStr(h.in.tls, h.in.ctx, glob, cName)
	lib.XFreeValue(h.in.tls, h.in.ctx, glob)
	libc.Xfree(h.in.tls, cName)
	defer lib.XFreeValue(h.in.tls, h.in.ctx, jsVal)

	var size lib.Tsize_t
	dataPtr := lib.XJS_GetArrayBuffer(h.in.tls, h.in.ctx, uintptr(unsafe.Pointer(&size)), jsVal)
	if dataPtr == 0 {
		// Not an ArrayBuffer, or detached. A zero-length buffer still has
		// a valid pointer in QuickJS, so this is a type error.
		h.clearException()
		return fmt.Errorf("global %q: %w", name, core.ErrTypeMismatch)
	}
	return fn(buffer.New(unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), int(size))))
}

func (h *Handle) withBufferCopy(name string, fn func(*buffer.Buffer) error) error {
	res, err := h.eval(fmt.Sprintf("__vmGet(%s)", jsString(name)))
	if err != nil {
		return err
	}
	v, err := h.result("read "+name, res)
	if err != nil {
		return err
	}
	data, ok := v.Bytes()
	if !ok {
		return fmt.Errorf("global %q: %w", name, core.ErrTypeMismatch)
	}
	if err := fn(buffer.New(data)); err != nil {
		return err
	}
	enc, err := encodeValue(h.NewBuffer(data))
	if err != nil {
		return err
	}
	// enc is {"$x":"..."}; __vmPatch wants the bare hex string.
	hexStr := string(enc[len(`{"$x":`) : len(enc)-1])
	_, err = h.eval(fmt.Sprintf("__vmPatch(%s, %s)", jsString(name), hexStr))
	return err
}

// clearException drops the exception JS_GetArrayBuffer leaves behind on a
// type error so the next evaluation does not observe it.
func (h *Handle) clearException() {
	exc := lib.XJS_GetException(h.in.tls, h.in.ctx)
	lib.XFreeValue(h.in.tls, h.in.ctx, exc)
}
