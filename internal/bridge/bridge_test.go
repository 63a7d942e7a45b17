package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/jsvm"
)

type delivery struct {
	token uint64
	value jsvm.Value
	err   error
}

type recorder struct {
	mu   sync.Mutex
	got  []delivery
	wake chan struct{}
}

func newRecorder() *recorder { return &recorder{wake: make(chan struct{}, 16)} }

func (r *recorder) DeliverReply(h *jsvm.Handle, token uint64, v jsvm.Value, err error) {
	r.mu.Lock()
	r.got = append(r.got, delivery{token, v, err})
	r.mu.Unlock()
	h.Release()
	r.wake <- struct{}{}
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func newVM(t *testing.T) *jsvm.Handle {
	t.Helper()
	h, err := jsvm.New(jsvm.Options{Name: t.Name()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Destroy(nil) })
	return h
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	fn := func(c *Call) Result { return c.Return(c.VM.NewNull()) }
	if err := r.Register(1, fn); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(1, fn); !errors.Is(err, core.ErrDuplicateFunction) {
		t.Fatalf("second Register = %v, want ErrDuplicateFunction", err)
	}
	r.Unregister(1)
	if err := r.Register(1, fn); err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestDispatch_Unregistered(t *testing.T) {
	d := NewDispatcher(NewRegistry(), newRecorder(), 0)
	out := d.Dispatch(newVM(t), 0xdead, nil)
	if !errors.Is(out.Err, core.ErrUnregisteredFunction) {
		t.Fatalf("Err = %v, want ErrUnregisteredFunction", out.Err)
	}
}

func TestDispatch_ReturnAndThrow(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(1, func(c *Call) Result {
		n, _ := c.Arg(0).Int32()
		return c.Return(c.VM.NewInt32(n + 1))
	})
	_ = r.Register(2, func(c *Call) Result { return c.Throw(errors.New("no")) })
	_ = r.Register(3, func(c *Call) Result { panic("handler bug") })
	d := NewDispatcher(r, newRecorder(), 0)
	h := newVM(t)

	out := d.Dispatch(h, 1, []jsvm.Value{h.NewInt32(41)})
	if n, _ := out.Value.Int32(); n != 42 || out.Err != nil || out.Deferred {
		t.Errorf("Return outcome = %+v", out)
	}
	if out := d.Dispatch(h, 2, nil); out.Err == nil || out.Err.Error() != "no" {
		t.Errorf("Throw outcome = %+v", out)
	}
	if out := d.Dispatch(h, 3, nil); out.Err == nil {
		t.Error("panicking handler did not surface an error")
	}
	if missing := (&Call{VM: h}).Arg(5); !missing.IsUndefined() {
		t.Error("missing argument is not undefined")
	}
}

func TestDispatch_DeferSuspendsAndReplyIsOneShot(t *testing.T) {
	r := NewRegistry()
	replies := make(chan *Reply, 1)
	_ = r.Register(1, func(c *Call) Result {
		res, reply := c.Defer()
		replies <- reply
		return res
	})
	rec := newRecorder()
	d := NewDispatcher(r, rec, 0)
	h := newVM(t)

	if err := h.Begin(); err != nil {
		t.Fatal(err)
	}
	out := d.Dispatch(h, 1, nil)
	if !out.Deferred || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if h.Status() != jsvm.StatusWaitBlock {
		t.Fatalf("status after Defer = %s, want wait-block", h.Status())
	}
	if h.Refs() != 2 {
		t.Fatalf("refs = %d, the reply should hold one", h.Refs())
	}

	reply := <-replies
	if reply.Token() != out.Token || reply.VM() != h {
		t.Fatal("reply does not match the outcome")
	}
	if err := reply.Resolve(h.NewUint32(0xffffffff)); err != nil {
		t.Fatal(err)
	}
	if err := reply.Reject(errors.New("late")); !errors.Is(err, core.ErrAlreadyReplied) {
		t.Fatalf("second answer = %v, want ErrAlreadyReplied", err)
	}
	got := rec.deliveries()
	if len(got) != 1 || got[0].token != out.Token {
		t.Fatalf("deliveries = %+v", got)
	}
	if n, _ := got[0].value.Uint32(); n != 0xffffffff {
		t.Errorf("delivered %v", n)
	}
	if h.Refs() != 1 {
		t.Errorf("refs after delivery = %d", h.Refs())
	}
}

func TestDispatch_ReplyTimeout(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(1, func(c *Call) Result {
		res, _ := c.Defer()
		return res
	})
	rec := newRecorder()
	d := NewDispatcher(r, rec, 10*time.Millisecond)
	h := newVM(t)
	_ = h.Begin()
	d.Dispatch(h, 1, nil)

	select {
	case <-rec.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("reply timeout never fired")
	}
	got := rec.deliveries()
	if len(got) != 1 || !errors.Is(got[0].err, core.ErrReplyTimeout) {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestDispatch_DeferOutsideTaskFails(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(1, func(c *Call) Result {
		res, _ := c.Defer()
		return res
	})
	d := NewDispatcher(r, newRecorder(), 0)
	h := newVM(t)

	out := d.Dispatch(h, 1, nil)
	var pe *core.ProtocolError
	if !errors.As(out.Err, &pe) {
		t.Fatalf("Err = %v, want *core.ProtocolError", out.Err)
	}
	if h.Refs() != 1 {
		t.Errorf("refs = %d, failed defer leaked a reference", h.Refs())
	}
}

func TestDispatch_DeferThenReturnCancelsReply(t *testing.T) {
	r := NewRegistry()
	var kept *Reply
	_ = r.Register(1, func(c *Call) Result {
		_, kept = c.Defer()
		return c.Return(c.VM.NewNull())
	})
	rec := newRecorder()
	d := NewDispatcher(r, rec, 0)
	h := newVM(t)
	_ = h.Begin()

	if out := d.Dispatch(h, 1, nil); out.Deferred {
		t.Fatal("outcome deferred although handler returned a value")
	}
	if err := kept.Resolve(h.NewNull()); !errors.Is(err, core.ErrAlreadyReplied) {
		t.Errorf("Resolve on cancelled reply = %v", err)
	}
	if len(rec.deliveries()) != 0 || h.Refs() != 1 {
		t.Errorf("cancelled reply delivered or leaked: %d deliveries, %d refs", len(rec.deliveries()), h.Refs())
	}
}
