package factory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/engine"
	"github.com/cryguy/vmhost/internal/jsvm"
)

const rpcSource = `
	var calls = 0;
	function rpc(id, a, b) {
		calls++;
		switch (id) {
		case 1: return a + b;
		case 2: return calls;
		default: throw new Error("unknown rpc " + id);
		}
	}`

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Workers = 4
	e := engine.New(cfg, nil)
	t.Cleanup(e.Shutdown)
	return e
}

func newFactory(t *testing.T, capacity int) *Factory {
	t.Helper()
	f := New(newTestEngine(t), capacity, Options{Name: t.Name()})
	if err := f.Append(jsvm.MustCompile("rpc.js", rpcSource)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.Close)
	return f
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestFactory_ZeroCapacityIsOne(t *testing.T) {
	f := newFactory(t, 0)
	if f.Capacity() != 1 {
		t.Fatalf("Capacity = %d, want 1", f.Capacity())
	}
	if n := f.Produce(); n != 1 {
		t.Fatalf("first Produce = %d, want 1", n)
	}
	if n := f.Produce(); n != 0 {
		t.Fatalf("second Produce = %d, want 0", n)
	}
	if f.Size() != 1 {
		t.Errorf("Size = %d", f.Size())
	}
}

func TestFactory_ProduceStopsAtCapacity(t *testing.T) {
	const capacity = 3
	f := newFactory(t, capacity)
	for i := 1; i <= capacity; i++ {
		if n := f.Produce(); n != i {
			t.Fatalf("Produce #%d = %d", i, n)
		}
	}
	if n := f.Produce(); n != 0 {
		t.Fatalf("Produce past capacity = %d, want 0", n)
	}
	if f.Size() != capacity {
		t.Errorf("Size = %d, want %d", f.Size(), capacity)
	}
}

func TestFactory_ProduceNFillsInParallel(t *testing.T) {
	f := newFactory(t, 4)
	added := f.ProduceN(ctx(t), 6)
	if added != 4 || f.Size() != 4 {
		t.Errorf("ProduceN added %d, size %d, want 4 and 4", added, f.Size())
	}
}

func TestFactory_AppendAfterProduceIsRejected(t *testing.T) {
	f := newFactory(t, 1)
	f.Produce()
	err := f.Append(jsvm.MustCompile("late.js", `var late = 1;`))
	if !errors.Is(err, core.ErrFactorySealed) {
		t.Fatalf("Append after Produce = %v, want ErrFactorySealed", err)
	}
}

func TestFactory_BrokenProgramProducesNothing(t *testing.T) {
	f := New(newTestEngine(t), 2, Options{})
	_ = f.Append(jsvm.MustCompile("broken.js", `throw new Error("nope");`))
	defer f.Close()
	if n := f.Produce(); n != 0 {
		t.Fatalf("Produce with a failing program = %d, want 0", n)
	}
	if f.Size() != 0 {
		t.Errorf("Size = %d", f.Size())
	}
}

func TestFactory_CallReusesPooledVM(t *testing.T) {
	f := newFactory(t, 1)
	f.Produce()

	args := func(h *jsvm.Handle) []jsvm.Value { return []jsvm.Value{h.NewInt32(20), h.NewInt32(22)} }
	v, err := f.Call(ctx(t), 1, args, "add")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := v.Int32(); n != 42 {
		t.Errorf("rpc(1, 20, 22) = %v", n)
	}
	if f.Size() != 1 {
		t.Fatalf("pooled vm was not returned, size %d", f.Size())
	}

	// The same VM answers again, so its call counter keeps going.
	v, err = f.Call(ctx(t), 2, nil, "count")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := v.Int32(); n != 2 {
		t.Errorf("call count on reused vm = %d, want 2", n)
	}
}

func TestFactory_CallFallsBackToTemporaryVM(t *testing.T) {
	f := newFactory(t, 1)

	v, err := f.Call(ctx(t), 2, nil, "count")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := v.Int32(); n != 1 {
		t.Errorf("call count on temporary vm = %d, want 1", n)
	}
	if f.Size() != 0 {
		t.Errorf("temporary vm entered the pool, size %d", f.Size())
	}
}

func TestFactory_CallErrorKeepsPool(t *testing.T) {
	f := newFactory(t, 1)
	f.Produce()
	if _, err := f.Call(ctx(t), 99, nil, "bad"); err == nil {
		t.Fatal("rpc with unknown id succeeded")
	}
	if f.Size() != 1 {
		t.Errorf("vm dropped after a script error, size %d", f.Size())
	}
}

func TestFactory_CloseReleasesWarmVMs(t *testing.T) {
	f := newFactory(t, 2)
	f.ProduceN(ctx(t), 2)
	f.Close()
	if f.Size() != 0 {
		t.Errorf("Size after Close = %d", f.Size())
	}
	if _, err := f.Call(ctx(t), 1, nil, "closed"); !errors.Is(err, core.ErrPoolClosed) {
		t.Errorf("Call after Close = %v", err)
	}
	if f.Produce() != 0 {
		t.Error("Produce after Close added a vm")
	}
}
