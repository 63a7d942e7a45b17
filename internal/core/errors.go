package core

import (
	"errors"
	"fmt"
)

var (
	ErrVMGone               = errors.New("vm is gone")
	ErrFunctionNotFound     = errors.New("script function not found")
	ErrUnregisteredFunction = errors.New("native function not registered")
	ErrDuplicateFunction    = errors.New("native function already registered")
	ErrStackUnderflow       = errors.New("not enough values on the argument stack")
	ErrForeignValue         = errors.New("value belongs to another vm")
	ErrTypeMismatch         = errors.New("value has a different type")
	ErrOutOfRange           = errors.New("value out of range")
	ErrQueueFull            = errors.New("vm task queue is full")
	ErrPoolClosed           = errors.New("task pool is closed")
	ErrAlreadyReplied       = errors.New("deferred call already answered")
	ErrReplyTimeout         = errors.New("deferred call timed out")
	ErrChannelConsumed      = errors.New("channel already answered")
	ErrNoSuspendedCall      = errors.New("channel has no suspended call")
	ErrSuspendedCall        = errors.New("channel has a suspended call and needs a blocking response")
	ErrNoResponder          = errors.New("no responder for destination")
	ErrSelfRoute            = errors.New("blocking request routed back to the suspended vm")
	ErrFactorySealed        = errors.New("factory already produced vms")
	ErrExecutionTimeout     = errors.New("script execution timed out")
)

// ScriptError is an exception or compile error reported by the engine.
type ScriptError struct {
	Op  string
	Err error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ProtocolError reports a status transition that should never happen:
// a double reply, a reply without a preceding suspend, or concurrent misuse.
// The affected VM is torn down.
type ProtocolError struct {
	VM       uint64
	Op       string
	Expected string
	Observed string
	Err      error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("vm %d: %s: expected status %s, observed %s", e.VM, e.Op, e.Expected, e.Observed)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }
