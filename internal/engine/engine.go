// Package engine drives many VMs from one worker pool.
//
// Every task that touches a VM is pinned to the VM's id, so the pool runs
// at most one of them at a time and in submission order. The status
// protocol in jsvm covers the one case the pool cannot: a script suspended
// on a deferred native call is resumed later by a reply task, possibly
// after other work for the same VM was queued.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/vmhost/internal/bridge"
	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/jsvm"
	"github.com/cryguy/vmhost/internal/taskqueue"
)

// maxReplyBackoff caps the delay between reply re-deliveries.
const maxReplyBackoff = 100 * time.Millisecond

// ArgsBuilder builds call arguments with the target VM's constructors. It
// runs inside the task, once the VM is known.
type ArgsBuilder func(h *jsvm.Handle) []jsvm.Value

// Engine owns the worker pool and the VMs it creates.
type Engine struct {
	cfg        core.Config
	pool       *taskqueue.Pool
	registry   *bridge.Registry
	dispatcher *bridge.Dispatcher
	timeout    time.Duration

	mu     sync.Mutex
	live   map[uint64]*jsvm.Handle
	closed atomic.Bool
}

var _ bridge.Deliverer = (*Engine)(nil)

// New creates an engine. cfg is copied; registry supplies the native
// functions scripts may call.
func New(cfg core.Config, registry *bridge.Registry) *Engine {
	if registry == nil {
		registry = bridge.NewRegistry()
	}
	e := &Engine{
		cfg:      cfg,
		pool:     taskqueue.New(cfg.Workers),
		registry: registry,
		timeout:  time.Duration(cfg.ExecutionTimeout) * time.Millisecond,
		live:     make(map[uint64]*jsvm.Handle),
	}
	e.dispatcher = bridge.NewDispatcher(registry, e, time.Duration(cfg.ReplyTimeout)*time.Millisecond)
	return e
}

func (e *Engine) Config() core.Config { return e.cfg }
func (e *Engine) Registry() *bridge.Registry { return e.registry }
func (e *Engine) Stats() taskqueue.Stats { return e.pool.Stats() }

// Spawn creates a VM bound to this engine's native functions. The caller
// owns the returned reference.
func (e *Engine) Spawn(name string) (*jsvm.Handle, error) {
	if e.closed.Load() {
		return nil, core.ErrPoolClosed
	}
	h, err := jsvm.New(jsvm.Options{
		Name:        name,
		MemoryLimit: e.cfg.MemoryLimit,
		QueueDepth:  e.cfg.QueueDepth,
		Dispatcher:  e.dispatcher,
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.live[h.ID()] = h
	e.mu.Unlock()
	go func() {
		<-h.Gone()
		e.mu.Lock()
		delete(e.live, h.ID())
		e.mu.Unlock()
	}()
	return h, nil
}

// Lookup returns a live VM by id.
func (e *Engine) Lookup(id uint64) (*jsvm.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.live[id]
	return h, ok
}

// Live returns the number of VMs not yet destroyed.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Shutdown destroys every live VM and stops the pool after draining it.
func (e *Engine) Shutdown() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	live := make([]*jsvm.Handle, 0, len(e.live))
	for _, h := range e.live {
		live = append(live, h)
	}
	e.mu.Unlock()
	for _, h := range live {
		h.Destroy(nil)
	}
	e.pool.Close()
}

// --- synchronous tasks ---

func gone(h *jsvm.Handle) error {
	if c := h.Cause(); c != nil {
		return fmt.Errorf("%s: %w: %w", h, core.ErrVMGone, c)
	}
	return fmt.Errorf("%s: %w", h, core.ErrVMGone)
}

// castSync queues fn as a synchronous task on h. done receives fn's error,
// or the reason fn never ran.
func (e *Engine) castSync(h *jsvm.Handle, label string, fn func() error, done func(error)) error {
	return e.pool.Cast(taskqueue.Sync, taskqueue.Normal, h.ID(), func() {
		if !h.Alive() {
			done(gone(h))
			return
		}
		switch h.Status() {
		case jsvm.StatusWaitBlock, jsvm.StatusMultiTask:
			err := h.Park(func(err error) {
				if err != nil {
					done(err)
					return
				}
				e.runSync(h, label, fn, done)
			})
			if err != nil {
				done(fmt.Errorf("%s: %w", h, err))
			}
			return
		}
		e.runSync(h, label, fn, done)
		e.drain(h)
	}, label)
}

func (e *Engine) runSync(h *jsvm.Handle, label string, fn func() error, done func(error)) {
	if err := h.Begin(); err != nil {
		e.fatal(h, err)
		done(err)
		return
	}
	err := e.guard(h, label, fn)
	h.Settle()
	done(err)
}

// drain runs tasks that parked while h was suspended, oldest first, for as
// long as h stays idle. The caller holds h's key.
func (e *Engine) drain(h *jsvm.Handle) {
	for h.Alive() && h.Status() == jsvm.StatusInit {
		next, ok := h.Unpark()
		if !ok {
			return
		}
		next(nil)
	}
}

// guard runs fn under the execution-timeout watchdog. A VM that timed out
// or panicked is destroyed.
func (e *Engine) guard(h *jsvm.Handle, label string, fn func() error) (err error) {
	var timedOut atomic.Bool
	if e.timeout > 0 {
		watchdog := time.AfterFunc(e.timeout, func() {
			timedOut.Store(true)
			h.Interrupt()
		})
		defer watchdog.Stop()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", label, r)
			log.Printf("engine: destroying %s after panic in %q: %v", h, label, r)
			h.Destroy(err)
			return
		}
		if timedOut.Load() {
			err = fmt.Errorf("%s (limit %v): %w", label, e.timeout, core.ErrExecutionTimeout)
			log.Printf("engine: destroying %s: %v", h, err)
			h.Destroy(err)
		}
	}()
	return fn()
}

func (e *Engine) fatal(h *jsvm.Handle, err error) {
	log.Printf("engine: destroying %s after protocol violation: %v", h, err)
	h.Destroy(err)
}

// Do runs fn as a synchronous task on h and waits for it. While h is
// suspended the task parks until h is resumed.
func (e *Engine) Do(ctx context.Context, h *jsvm.Handle, fn func(*jsvm.Handle) error, label string) error {
	done := make(chan error, 1)
	err := e.castSync(h, label, func() error { return fn(h) }, func(err error) { done <- err })
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load schedules p on h and reports whether the load was accepted.
// Completion is observed with IsRan or WaitRan.
func (e *Engine) Load(h *jsvm.Handle, p *jsvm.Program) bool {
	if !h.Alive() {
		return false
	}
	h.ResetLoad()
	err := e.castSync(h, "load "+p.Name, func() error { return h.Load(p) }, func(err error) {
		if err != nil && !h.IsRan() {
			h.FailLoad(err)
		}
	})
	return err == nil
}

// WaitRan polls until the last Load on h has finished and returns its error.
func (e *Engine) WaitRan(ctx context.Context, h *jsvm.Handle) error {
	limit := time.Duration(e.cfg.LoadTimeout) * time.Millisecond
	poll := time.Duration(e.cfg.LoadPoll) * time.Millisecond
	if poll <= 0 {
		poll = time.Millisecond
	}
	deadline := time.Now().Add(limit)
	for !h.IsRan() {
		if !h.Alive() {
			return gone(h)
		}
		if limit > 0 && time.Now().After(deadline) {
			return fmt.Errorf("waiting for load on %s: %w", h, context.DeadlineExceeded)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
	return h.LoadErr()
}

// LoadAndWait loads every program in order and waits for each.
func (e *Engine) LoadAndWait(ctx context.Context, h *jsvm.Handle, programs ...*jsvm.Program) error {
	for _, p := range programs {
		if !e.Load(h, p) {
			return fmt.Errorf("loading %s on %s: %w", p.Name, h, core.ErrPoolClosed)
		}
		if err := e.WaitRan(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// Invoke calls the script function name with arguments from args and
// returns its result. A returned promise is awaited without holding a
// worker; the script may suspend on deferred native calls meanwhile.
func (e *Engine) Invoke(ctx context.Context, h *jsvm.Handle, name string, args ArgsBuilder, label string) (jsvm.Value, error) {
	type result struct {
		v   jsvm.Value
		err error
	}
	ch := make(chan result, 1)
	err := e.Do(ctx, h, func(h *jsvm.Handle) error {
		h.ResetStack()
		if err := h.GetJSFunction(name); err != nil {
			return err
		}
		var vals []jsvm.Value
		if args != nil {
			vals = args(h)
		}
		if err := h.Push(vals...); err != nil {
			h.ResetStack()
			return err
		}
		v, err := h.Call(len(vals))
		if err != nil {
			return err
		}
		return h.Watch(v, func(v jsvm.Value, err error) {
			ch <- result{v, err}
		})
	}, label)
	if err != nil {
		return jsvm.Value{}, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return jsvm.Value{}, ctx.Err()
	case <-h.Gone():
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return jsvm.Value{}, gone(h)
		}
	}
}

// --- replies and callbacks ---

func (e *Engine) backoff(attempt int) time.Duration {
	base := time.Duration(e.cfg.ReplyBackoff) * time.Millisecond
	if base <= 0 {
		base = time.Millisecond
	}
	if attempt > 16 {
		return maxReplyBackoff
	}
	d := base << attempt
	if d > maxReplyBackoff {
		d = maxReplyBackoff
	}
	return d
}

// DeliverReply resumes the script suspended under token on h. It runs as
// an immediate task pinned to h. A VM not yet observed in WaitBlock gets
// the reply re-delivered with backoff; once the retries are spent the VM
// is destroyed with a *core.ProtocolError. The call consumes one reference
// to h.
func (e *Engine) DeliverReply(h *jsvm.Handle, token uint64, v jsvm.Value, err error) {
	if castErr := e.pool.Cast(taskqueue.Immediate, taskqueue.High, h.ID(), e.replyTask(h, token, v, err, 0), "reply"); castErr != nil {
		log.Printf("engine: %s: dropping reply for call %d: %v", h, token, castErr)
		h.Release()
	}
}

func (e *Engine) replyTask(h *jsvm.Handle, token uint64, v jsvm.Value, rerr error, attempt int) func() {
	return func() {
		if !h.Alive() {
			h.Release()
			return
		}
		if !h.Claim() {
			if attempt >= e.cfg.ReplyRetries {
				e.fatal(h, &core.ProtocolError{
					VM:       h.ID(),
					Op:       fmt.Sprintf("reply to call %d", token),
					Expected: jsvm.StatusWaitBlock.String(),
					Observed: h.Status().String(),
					Err:      fmt.Errorf("gave up after %d attempts", attempt+1),
				})
				h.Release()
				return
			}
			e.pool.CastAfter(e.backoff(attempt), taskqueue.Immediate, taskqueue.High, h.ID(),
				e.replyTask(h, token, v, rerr, attempt+1), "reply")
			return
		}
		defer h.Release()
		if err := h.Promote(); err != nil {
			e.fatal(h, err)
			return
		}
		err := e.guard(h, "reply", func() error { return h.Resume(token, v, rerr) })
		var pe *core.ProtocolError
		if errors.As(err, &pe) {
			e.fatal(h, err)
			return
		}
		if err != nil && h.Alive() {
			log.Printf("engine: %s: resuming call %d: %v", h, token, err)
		}
		h.Settle()
		e.drain(h)
	}
}

// DeliverCallback invokes the script callback registered at index. On an
// idle VM it runs as an ordinary task; on a suspended VM it runs
// underneath the suspended task, which stays suspended.
func (e *Engine) DeliverCallback(h *jsvm.Handle, index uint32, args ArgsBuilder, label string) error {
	return e.pool.Cast(taskqueue.Async, taskqueue.Normal, h.ID(), e.callbackTask(h, index, args, label, 0), label)
}

func (e *Engine) callbackTask(h *jsvm.Handle, index uint32, args ArgsBuilder, label string, attempt int) func() {
	return func() {
		if !h.Alive() {
			return
		}
		run := func() error {
			var vals []jsvm.Value
			if args != nil {
				vals = args(h)
			}
			return h.Callback(index, vals...)
		}
		report := func(err error) {
			if err != nil && h.Alive() {
				log.Printf("engine: %s: callback %d (%s): %v", h, index, label, err)
			}
		}

		switch st := h.Status(); st {
		case jsvm.StatusInit:
			if err := h.Begin(); err != nil {
				e.fatal(h, err)
				return
			}
			report(e.guard(h, label, run))
			h.Settle()
			e.drain(h)
			return
		case jsvm.StatusWaitBlock:
			if h.Claim() {
				report(e.guard(h, label, run))
				if h.Alive() {
					if err := h.Unclaim(); err != nil {
						e.fatal(h, err)
					}
				}
				return
			}
		}

		if attempt >= e.cfg.ReplyRetries {
			log.Printf("engine: %s: dropping callback %d (%s): vm stayed %s", h, index, label, h.Status())
			return
		}
		e.pool.CastAfter(e.backoff(attempt), taskqueue.Async, taskqueue.Normal, h.ID(),
			e.callbackTask(h, index, args, label, attempt+1), label)
	}
}
