package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/vmhost/internal/bridge"
	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/jsvm"
)

func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.Workers = 4
	cfg.ExecutionTimeout = 2000
	return cfg
}

func newTestEngine(t *testing.T, cfg core.Config, r *bridge.Registry) *Engine {
	t.Helper()
	e := New(cfg, r)
	t.Cleanup(e.Shutdown)
	return e
}

func spawn(t *testing.T, e *Engine, source string) *jsvm.Handle {
	t.Helper()
	h, err := e.Spawn(t.Name())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { h.Destroy(nil) })
	if source == "" {
		return h
	}
	p, err := jsvm.Compile(t.Name()+".js", source)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.LoadAndWait(ctx, h, p); err != nil {
		t.Fatalf("LoadAndWait: %v", err)
	}
	return h
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

// deferring registers id as a handler that defers every call and hands the
// reply to the test.
func deferring(t *testing.T, r *bridge.Registry, id uint32) <-chan *bridge.Reply {
	t.Helper()
	replies := make(chan *bridge.Reply, 8)
	if err := r.Register(id, func(c *bridge.Call) bridge.Result {
		res, reply := c.Defer()
		replies <- reply
		return res
	}); err != nil {
		t.Fatal(err)
	}
	return replies
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngine_DeferredCallResolvedFromAnotherGoroutine(t *testing.T) {
	r := bridge.NewRegistry()
	replies := deferring(t, r, 0x1)
	e := newTestEngine(t, testConfig(), r)
	h := spawn(t, e, `
		var result;
		async function call(x, y, z) { result = await Host.call(0x1, x, y, z); return result; }`)

	go func() {
		reply := <-replies
		if err := reply.Resolve(reply.VM().NewUint32(0xffffffff)); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	v, err := e.Invoke(ctx(t), h, "call", func(h *jsvm.Handle) []jsvm.Value {
		return []jsvm.Value{h.NewInt32(1), h.NewInt32(2), h.NewInt32(3)}
	}, "call")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if n, ok := v.Uint32(); !ok || n != 4294967295 {
		t.Fatalf("call returned %v (%s)", n, v.Kind())
	}

	var global jsvm.Value
	if err := e.Do(ctx(t), h, func(h *jsvm.Handle) error {
		var err error
		global, err = h.Global("result")
		return err
	}, "read result"); err != nil {
		t.Fatal(err)
	}
	if f, _ := global.Float64(); f != 4294967295 {
		t.Errorf("global result = %v", f)
	}
	if h.Status() != jsvm.StatusInit || h.Refs() != 1 {
		t.Errorf("after reply: status %s refs %d", h.Status(), h.Refs())
	}
}

func TestEngine_RejectedCallIsCatchable(t *testing.T) {
	r := bridge.NewRegistry()
	replies := deferring(t, r, 1)
	e := newTestEngine(t, testConfig(), r)
	h := spawn(t, e, `
		async function call() {
			try { await Host.call(1); return "resolved"; }
			catch (e) { return e.name + ":" + e.message; }
		}`)

	go func() { _ = (<-replies).Reject(errors.New("backend down")) }()

	v, err := e.Invoke(ctx(t), h, "call", nil, "call")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.Text(); !strings.Contains(s, "backend down") {
		t.Errorf("call returned %q", s)
	}
}

func TestEngine_ReplyTimeout(t *testing.T) {
	r := bridge.NewRegistry()
	deferring(t, r, 1)
	cfg := testConfig()
	cfg.ReplyTimeout = 20
	e := newTestEngine(t, cfg, r)
	h := spawn(t, e, `
		async function call() {
			try { await Host.call(1); return "resolved"; }
			catch (e) { return e.message; }
		}`)

	v, err := e.Invoke(ctx(t), h, "call", nil, "call")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.Text(); !strings.Contains(s, "timed out") {
		t.Errorf("call returned %q, want a timeout message", s)
	}
}

func TestEngine_ReplyToIdleVMIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ReplyRetries = 2
	e := newTestEngine(t, cfg, nil)
	h := spawn(t, e, "")

	h.Retain()
	e.DeliverReply(h, 99, h.NewNull(), nil)

	select {
	case <-h.Gone():
	case <-time.After(5 * time.Second):
		t.Fatal("vm survived a reply it was never waiting for")
	}
	var pe *core.ProtocolError
	if !errors.As(h.Cause(), &pe) {
		t.Fatalf("cause = %v, want *core.ProtocolError", h.Cause())
	}
	if pe.Expected != "wait-block" {
		t.Errorf("protocol error = %+v", pe)
	}
}

func TestEngine_WrongTokenDestroysVM(t *testing.T) {
	r := bridge.NewRegistry()
	replies := deferring(t, r, 1)
	e := newTestEngine(t, testConfig(), r)
	h := spawn(t, e, `async function call() { return await Host.call(1); }`)

	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(ctx(t), h, "call", nil, "call")
		done <- err
	}()
	reply := <-replies
	waitFor(t, "suspension", func() bool { return h.Status() == jsvm.StatusWaitBlock })

	h.Retain()
	e.DeliverReply(h, reply.Token()+1000, h.NewNull(), nil)

	if err := <-done; !errors.Is(err, core.ErrVMGone) {
		t.Fatalf("Invoke = %v, want ErrVMGone", err)
	}
	var pe *core.ProtocolError
	if !errors.As(h.Cause(), &pe) {
		t.Errorf("cause = %v", h.Cause())
	}
	if err := reply.Resolve(h.NewNull()); err != nil {
		t.Errorf("late Resolve on a dead vm: %v", err)
	}
}

func TestEngine_ParkedTasksRunAfterResumeInOrder(t *testing.T) {
	r := bridge.NewRegistry()
	replies := deferring(t, r, 1)
	e := newTestEngine(t, testConfig(), r)
	h := spawn(t, e, `
		var log = [];
		async function slow() { log.push("slow-start"); await Host.call(1); log.push("slow-end"); }
		function a() { log.push("a"); }
		function b() { log.push("b"); }
		function joined() { return log.join(","); }`)

	var wg sync.WaitGroup
	run := func(name string) {
		defer wg.Done()
		if _, err := e.Invoke(ctx(t), h, name, nil, name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	wg.Add(1)
	go run("slow")
	reply := <-replies
	waitFor(t, "suspension", func() bool { return h.Status() == jsvm.StatusWaitBlock })

	wg.Add(1)
	go run("a")
	waitFor(t, "a to park", func() bool { return h.Parked() == 1 })
	wg.Add(1)
	go run("b")
	waitFor(t, "b to park", func() bool { return h.Parked() == 2 })

	if err := reply.Resolve(h.NewNull()); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	v, err := e.Invoke(ctx(t), h, "joined", nil, "joined")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.Text(); s != "slow-start,slow-end,a,b" {
		t.Errorf("log = %q", s)
	}
}

func TestEngine_ExecutionTimeoutDestroysVM(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionTimeout = 50
	e := newTestEngine(t, cfg, nil)
	h := spawn(t, e, `function spin() { for (;;) {} }`)

	_, err := e.Invoke(ctx(t), h, "spin", nil, "spin")
	if !errors.Is(err, core.ErrExecutionTimeout) {
		t.Fatalf("Invoke = %v, want ErrExecutionTimeout", err)
	}
	if h.Alive() {
		t.Error("vm still alive after timeout")
	}
	waitFor(t, "engine to forget the vm", func() bool {
		_, ok := e.Lookup(h.ID())
		return !ok
	})
}

func TestEngine_CallbackWhileSuspendedRunsUnderMultiTask(t *testing.T) {
	r := bridge.NewRegistry()
	replies := deferring(t, r, 1)
	observed := make(chan jsvm.Status, 1)
	_ = r.Register(2, func(c *bridge.Call) bridge.Result {
		observed <- c.VM.Status()
		return c.Return(c.VM.NewNull())
	})
	e := newTestEngine(t, testConfig(), r)
	h := spawn(t, e, `
		Host.callback(7, function (x) { Host.call(2, x); });
		async function slow() { return await Host.call(1); }`)

	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(ctx(t), h, "slow", nil, "slow")
		done <- err
	}()
	reply := <-replies
	waitFor(t, "suspension", func() bool { return h.Status() == jsvm.StatusWaitBlock })

	if err := e.DeliverCallback(h, 7, func(h *jsvm.Handle) []jsvm.Value {
		return []jsvm.Value{h.NewInt32(1)}
	}, "cb"); err != nil {
		t.Fatal(err)
	}
	select {
	case st := <-observed:
		if st != jsvm.StatusMultiTask {
			t.Errorf("callback ran under %s, want multi-task", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
	waitFor(t, "callback to finish", func() bool { return h.Status() == jsvm.StatusWaitBlock })

	_ = reply.Resolve(h.NewNull())
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestEngine_LoadReportsScriptErrors(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	h := spawn(t, e, "")

	ok := jsvm.MustCompile("ok.js", `var loaded = true;`)
	if err := e.LoadAndWait(ctx(t), h, ok); err != nil {
		t.Fatalf("LoadAndWait: %v", err)
	}
	if !h.IsRan() {
		t.Error("IsRan false after a successful load")
	}

	bad := jsvm.MustCompile("bad.js", `throw new TypeError("broken at load");`)
	if !e.Load(h, bad) {
		t.Fatal("Load rejected")
	}
	err := e.WaitRan(ctx(t), h)
	if err == nil || !strings.Contains(err.Error(), "broken at load") {
		t.Errorf("WaitRan = %v", err)
	}
}

func TestEngine_UnregisteredFunctionThrows(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	h := spawn(t, e, `
		function call() {
			try { Host.call(0xdead); return "called"; }
			catch (e) { return e.message; }
		}`)

	v, err := e.Invoke(ctx(t), h, "call", nil, "call")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.Text(); !strings.Contains(s, "not registered") {
		t.Errorf("call returned %q", s)
	}
}

func TestEngine_ShutdownDestroysVMs(t *testing.T) {
	e := New(testConfig(), nil)
	h, err := e.Spawn("a")
	if err != nil {
		t.Fatal(err)
	}
	if e.Live() != 1 {
		t.Fatalf("Live = %d", e.Live())
	}
	e.Shutdown()
	if h.Alive() {
		t.Error("vm survived Shutdown")
	}
	if _, err := e.Spawn("b"); !errors.Is(err, core.ErrPoolClosed) {
		t.Errorf("Spawn after Shutdown = %v", err)
	}
	e.Shutdown()
}
