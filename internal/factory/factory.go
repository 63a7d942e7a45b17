// Package factory keeps a bounded pool of warm VMs that share one ordered
// program set.
package factory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/engine"
	"github.com/cryguy/vmhost/internal/jsvm"
	"golang.org/x/sync/errgroup"
)

// DefaultEntry is the script function Call invokes.
const DefaultEntry = "rpc"

// Options configure a Factory.
type Options struct {
	Name  string // prefix for VM names
	Entry string // script entry point, DefaultEntry when empty
}

// Factory produces VMs loaded with the same programs. Warm VMs wait in a
// buffered channel; Call never blocks on it.
type Factory struct {
	engine *engine.Engine
	opts   Options

	mu       sync.Mutex
	programs []*jsvm.Program
	sealed   bool

	warm     chan *jsvm.Handle
	closed   atomic.Bool
	produced atomic.Uint64
}

// New creates an empty factory. A capacity below one is raised to one.
func New(e *engine.Engine, capacity int, opts Options) *Factory {
	if capacity < 1 {
		capacity = 1
	}
	if opts.Entry == "" {
		opts.Entry = DefaultEntry
	}
	if opts.Name == "" {
		opts.Name = "factory"
	}
	return &Factory{
		engine: e,
		opts:   opts,
		warm:   make(chan *jsvm.Handle, capacity),
	}
}

// Append adds p to the programs every produced VM loads. Programs can only
// be added before the first Produce or Call; afterwards Append returns
// ErrFactorySealed so that all VMs of a factory run the same code.
func (f *Factory) Append(p *jsvm.Program) error {
	if p == nil {
		return fmt.Errorf("factory %s: nil program", f.opts.Name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return fmt.Errorf("factory %s: appending %s: %w", f.opts.Name, p.Name, core.ErrFactorySealed)
	}
	f.programs = append(f.programs, p)
	return nil
}

func (f *Factory) seal() []*jsvm.Program {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed = true
	return f.programs
}

// Capacity returns the most VMs the pool holds.
func (f *Factory) Capacity() int { return cap(f.warm) }

// Size returns the number of warm VMs.
func (f *Factory) Size() int { return len(f.warm) }

// build creates a VM and loads every program into it.
func (f *Factory) build(ctx context.Context) (*jsvm.Handle, error) {
	programs := f.seal()
	n := f.produced.Add(1)
	h, err := f.engine.Spawn(fmt.Sprintf("%s-%d", f.opts.Name, n))
	if err != nil {
		return nil, err
	}
	if err := f.engine.LoadAndWait(ctx, h, programs...); err != nil {
		h.Destroy(err)
		return nil, err
	}
	return h, nil
}

// Produce builds one VM and adds it to the pool. It returns the pool size
// after the push, or 0 when nothing was added: the pool was full, the
// factory is closed, or the VM failed to build.
func (f *Factory) Produce() int {
	return f.produce(context.Background())
}

func (f *Factory) produce(ctx context.Context) int {
	if f.closed.Load() || f.Size() >= f.Capacity() {
		return 0
	}
	h, err := f.build(ctx)
	if err != nil {
		log.Printf("factory %s: produce: %v", f.opts.Name, err)
		return 0
	}
	select {
	case f.warm <- h:
		if f.closed.Load() {
			f.drain()
			return 0
		}
		return len(f.warm)
	default:
		h.Destroy(nil)
		return 0
	}
}

// ProduceN builds up to n VMs in parallel and returns how many were added.
func (f *Factory) ProduceN(ctx context.Context, n int) int {
	var added atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(f.engine.Config().Workers, 1))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if f.produce(ctx) > 0 {
				added.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(added.Load())
}

// Call invokes the entry point as entry(id, ...args) on a warm VM, or on a
// temporary VM when none is free. A warm VM goes back to the pool after
// the call if it is still healthy; a temporary one is released.
func (f *Factory) Call(ctx context.Context, id uint32, args engine.ArgsBuilder, label string) (jsvm.Value, error) {
	if f.closed.Load() {
		return jsvm.Value{}, fmt.Errorf("factory %s: %w", f.opts.Name, core.ErrPoolClosed)
	}

	h, pooled := f.take()
	if !pooled {
		var err error
		if h, err = f.build(ctx); err != nil {
			return jsvm.Value{}, err
		}
	}

	v, err := f.engine.Invoke(ctx, h, f.opts.Entry, func(h *jsvm.Handle) []jsvm.Value {
		vals := []jsvm.Value{h.NewUint32(id)}
		if args != nil {
			vals = append(vals, args(h)...)
		}
		return vals
	}, label)

	if pooled {
		f.recycle(h)
	} else {
		h.Release()
	}
	return v, err
}

// take pops a live warm VM without waiting.
func (f *Factory) take() (*jsvm.Handle, bool) {
	for {
		select {
		case h := <-f.warm:
			if h.Alive() {
				return h, true
			}
			h.Release()
		default:
			return nil, false
		}
	}
}

func (f *Factory) recycle(h *jsvm.Handle) {
	if !h.Alive() || h.Pending() > 0 || f.closed.Load() {
		h.Release()
		return
	}
	select {
	case f.warm <- h:
	default:
		h.Release()
	}
}

// Close releases the warm VMs. Calls afterwards fail with ErrPoolClosed.
func (f *Factory) Close() {
	if f.closed.CompareAndSwap(false, true) {
		f.drain()
	}
}

func (f *Factory) drain() {
	for {
		select {
		case h := <-f.warm:
			h.Release()
		default:
			return
		}
	}
}
