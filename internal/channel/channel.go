// Package channel pairs a request issued by a script with exactly one
// response, which may come from another VM, another goroutine or another
// process.
package channel

import (
	"fmt"
	"sync/atomic"

	"github.com/cryguy/vmhost/internal/bridge"
	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/engine"
	"github.com/cryguy/vmhost/internal/jsvm"
	"github.com/google/uuid"
)

// Delivery selects how a response reaches the requesting script.
type Delivery struct {
	async bool
	index uint32
}

// Blocking resumes the script suspended in Host.remote.
var Blocking = Delivery{}

// Async invokes the script callback registered at index.
func Async(index uint32) Delivery { return Delivery{async: true, index: index} }

// IsAsync reports whether d targets a callback, and which.
func (d Delivery) IsAsync() (uint32, bool) { return d.index, d.async }

func (d Delivery) String() string {
	if d.async {
		return fmt.Sprintf("async(%d)", d.index)
	}
	return "blocking"
}

// Channel is one pending request. Payload and objects of the response are
// delivered together, once.
type Channel struct {
	ID      uuid.UUID
	Source  *jsvm.Handle
	Dest    string
	Attrs   map[string]string
	Request []byte
	Objects []uint32 // arena ids in Source

	engine   *engine.Engine
	reply    *bridge.Reply
	delivery Delivery
	used     atomic.Bool
}

// New creates a channel from source. The channel has no suspended call;
// it is answered through a callback.
func New(e *engine.Engine, source *jsvm.Handle, dest string, request []byte, objects []uint32) *Channel {
	return &Channel{
		ID:      uuid.New(),
		Source:  source,
		Dest:    dest,
		Attrs:   map[string]string{},
		Request: request,
		Objects: objects,
		engine:  e,
	}
}

// Delivery returns the delivery mode the script asked for.
func (c *Channel) Delivery() Delivery { return c.delivery }

// Suspended reports whether a script is blocked on this channel.
func (c *Channel) Suspended() bool { return c.reply != nil }

// Consumed reports whether the channel was answered.
func (c *Channel) Consumed() bool { return c.used.Load() }

// Response answers the channel with payload and native object ids, which
// must be arena ids in Source. Blocking delivery resumes the suspended
// script with [payload, objects]; Async delivery calls the callback with
// (payload, objects). A channel answers once; later calls fail with
// ErrChannelConsumed. A destroyed source fails with ErrVMGone and leaves
// the channel unanswered.
func (c *Channel) Response(d Delivery, payload []byte, objects []uint32) error {
	if c.used.Load() {
		return fmt.Errorf("channel %s: %w", c.ID, core.ErrChannelConsumed)
	}
	if !d.async && c.reply == nil {
		return fmt.Errorf("channel %s: %w", c.ID, core.ErrNoSuspendedCall)
	}
	if d.async && c.reply != nil {
		return fmt.Errorf("channel %s: %w", c.ID, core.ErrSuspendedCall)
	}
	if err := c.alive(); err != nil {
		return err
	}
	if !c.used.CompareAndSwap(false, true) {
		return fmt.Errorf("channel %s: %w", c.ID, core.ErrChannelConsumed)
	}

	if !d.async {
		h := c.reply.VM()
		return c.reply.Resolve(h.NewArray(h.NewBuffer(payload), refs(h, objects)))
	}
	return c.engine.DeliverCallback(c.Source, d.index, func(h *jsvm.Handle) []jsvm.Value {
		return []jsvm.Value{h.NewBuffer(payload), refs(h, objects)}
	}, "channel "+c.ID.String())
}

func (c *Channel) alive() error {
	h := c.Source
	if c.reply != nil {
		h = c.reply.VM()
	}
	if !h.Alive() {
		return fmt.Errorf("channel %s: %w", c.ID, core.ErrVMGone)
	}
	return nil
}

// Reply answers the channel the way the script asked.
func (c *Channel) Reply(payload []byte, objects []uint32) error {
	return c.Response(c.delivery, payload, objects)
}

// Fail answers the channel with an error. A suspended script sees it
// thrown; a callback receives it as a third argument.
func (c *Channel) Fail(err error) error {
	if c.used.Load() {
		return fmt.Errorf("channel %s: %w", c.ID, core.ErrChannelConsumed)
	}
	if aerr := c.alive(); aerr != nil {
		return aerr
	}
	if !c.used.CompareAndSwap(false, true) {
		return fmt.Errorf("channel %s: %w", c.ID, core.ErrChannelConsumed)
	}
	if c.reply != nil {
		return c.reply.Reject(err)
	}
	return c.engine.DeliverCallback(c.Source, c.delivery.index, func(h *jsvm.Handle) []jsvm.Value {
		return []jsvm.Value{h.NewNull(), h.NewArray(), h.NewString(err.Error())}
	}, "channel "+c.ID.String())
}

func refs(h *jsvm.Handle, ids []uint32) jsvm.Value {
	items := make([]jsvm.Value, len(ids))
	for i, id := range ids {
		items[i] = h.NewNativeObjectFrom(id)
	}
	return h.NewArray(items...)
}
