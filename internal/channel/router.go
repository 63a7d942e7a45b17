package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/cryguy/vmhost/internal/bridge"
	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/engine"
	"github.com/cryguy/vmhost/internal/jsvm"
)

// Responder answers channels routed to it. Respond may block; it runs on
// its own goroutine. A returned error fails the channel unless Respond
// already answered it.
type Responder interface {
	Respond(ctx context.Context, ch *Channel) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, ch *Channel) error

func (f ResponderFunc) Respond(ctx context.Context, ch *Channel) error { return f(ctx, ch) }

// Wildcard routes every destination without a route of its own.
const Wildcard = "*"

// Router is the native side of Host.remote. It builds a Channel for every
// request and hands it to the responder registered for its destination.
type Router struct {
	engine *engine.Engine

	mu     sync.RWMutex
	routes map[string]Responder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(e *engine.Engine) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		engine: e,
		routes: make(map[string]Responder),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Install registers the router under jsvm.RemoteFunction.
func (r *Router) Install(reg *bridge.Registry) error {
	return reg.Register(jsvm.RemoteFunction, r.Handle)
}

// Route sends channels for dest to resp, replacing an earlier route.
func (r *Router) Route(dest string, resp Responder) {
	r.mu.Lock()
	r.routes[dest] = resp
	r.mu.Unlock()
}

// Unroute removes the route for dest. Requests to dest fall back to the
// wildcard route, if any.
func (r *Router) Unroute(dest string) {
	r.mu.Lock()
	delete(r.routes, dest)
	r.mu.Unlock()
}

func (r *Router) lookup(dest string) (Responder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if resp, ok := r.routes[dest]; ok {
		return resp, true
	}
	resp, ok := r.routes[Wildcard]
	return resp, ok
}

// Handle implements Host.remote(dest, bytes, objects, attrs, callback).
// A negative callback index suspends the script until the response.
func (r *Router) Handle(c *bridge.Call) bridge.Result {
	dest, _ := c.Arg(0).Text()
	resp, ok := r.lookup(dest)
	if !ok {
		return c.Throw(fmt.Errorf("%q: %w", dest, core.ErrNoResponder))
	}

	payload, ok := c.Arg(1).Bytes()
	if !ok {
		if s, isText := c.Arg(1).Text(); isText {
			payload = []byte(s)
		}
	}
	ch := New(r.engine, c.VM, dest, payload, nativeIDs(c.Arg(2)))
	attrs := c.Arg(3)
	for _, k := range attrs.Keys() {
		if f, ok := attrs.Field(k); ok {
			if s, ok := f.Text(); ok {
				ch.Attrs[k] = s
			}
		}
	}

	var res bridge.Result
	if cb, ok := c.Arg(4).Float64(); ok && cb >= 0 {
		if cb > math.MaxUint32 || cb != math.Trunc(cb) {
			return c.Throw(fmt.Errorf("callback index %v: %w", cb, core.ErrOutOfRange))
		}
		ch.delivery = Async(uint32(cb))
		res = c.Return(c.VM.NewString(ch.ID.String()))
	} else {
		var reply *bridge.Reply
		res, reply = c.Defer()
		ch.reply = reply
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.serve(resp, ch)
	}()
	return res
}

func (r *Router) serve(resp Responder, ch *Channel) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("channel: responder for %q panicked: %v", ch.Dest, p)
			_ = ch.Fail(fmt.Errorf("responder for %q panicked: %v", ch.Dest, p))
		}
	}()
	if err := resp.Respond(r.ctx, ch); err != nil && !ch.Consumed() {
		ferr := ch.Fail(err)
		if ferr != nil && !errors.Is(ferr, core.ErrChannelConsumed) && !errors.Is(ferr, core.ErrVMGone) {
			log.Printf("channel %s: failing request to %q: %v", ch.ID, ch.Dest, ferr)
		}
	}
}

// Close cancels running responders and waits for them.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

func nativeIDs(v jsvm.Value) []uint32 {
	ids := make([]uint32, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		item, _ := v.Index(i)
		if id, ok := item.NativeID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// VMResponder answers channels from a script function in another VM. The
// function receives (bytes, objects, attrs) and returns an ArrayBuffer or
// [ArrayBuffer, objects]. Native objects change owner: request objects
// move from the source arena into the destination's, response objects
// move back.
type VMResponder struct {
	Engine *engine.Engine
	VM     *jsvm.Handle
	Entry  string
}

// Respond calls Entry on VM. A blocking request from VM itself cannot be
// served, since the answer would queue behind the suspended call, and
// fails with ErrSelfRoute.
func (v *VMResponder) Respond(ctx context.Context, ch *Channel) error {
	if ch.Suspended() && v.VM == ch.Source {
		return fmt.Errorf("route %q: %w", ch.Dest, core.ErrSelfRoute)
	}
	in := transfer(ch.Source, v.VM, ch.Objects)
	res, err := v.Engine.Invoke(ctx, v.VM, v.Entry, func(h *jsvm.Handle) []jsvm.Value {
		attrs := make(map[string]jsvm.Value, len(ch.Attrs))
		for k, s := range ch.Attrs {
			attrs[k] = h.NewString(s)
		}
		return []jsvm.Value{h.NewBuffer(ch.Request), refs(h, in), h.NewObject(attrs)}
	}, "respond "+ch.Dest)
	if err != nil {
		return err
	}

	body, objs := res, jsvm.Value{}
	if res.Kind() == jsvm.KindArray {
		body, _ = res.Index(0)
		objs, _ = res.Index(1)
	}
	payload, ok := body.Bytes()
	if !ok {
		s, isText := body.Text()
		if !isText && !body.IsUndefined() && !body.IsNull() {
			return fmt.Errorf("responder %s returned %s: %w", v.Entry, body.Kind(), core.ErrTypeMismatch)
		}
		payload = []byte(s)
	}
	return ch.Reply(payload, transfer(v.VM, ch.Source, nativeIDs(objs)))
}

// transfer moves arena entries from one VM to another and returns their
// ids in the destination. Ids missing from the source are dropped.
func transfer(from, to *jsvm.Handle, ids []uint32) []uint32 {
	if from == to {
		return ids
	}
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		e, ok := from.Objects().Take(id)
		if !ok {
			continue
		}
		out = append(out, to.Objects().Put(e.Object, e.Tag))
	}
	return out
}
