// Package vmhost runs many embedded QuickJS VMs on a shared worker pool.
// Scripts call native Go functions by id through Host.call, and may
// suspend on calls answered later from any goroutine.
package vmhost

import (
	"github.com/cryguy/vmhost/internal/bridge"
	"github.com/cryguy/vmhost/internal/channel"
	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/engine"
	"github.com/cryguy/vmhost/internal/factory"
	"github.com/cryguy/vmhost/internal/jsvm"
	"github.com/cryguy/vmhost/internal/taskqueue"
)

// Type aliases re-exporting internal types so downstream code can use
// vmhost.VM, vmhost.Call, etc. without importing internal packages.

type Config = core.Config
type RemoteConfig = core.RemoteConfig
type ScriptError = core.ScriptError
type ProtocolError = core.ProtocolError

type VM = jsvm.Handle
type Value = jsvm.Value
type Kind = jsvm.Kind
type Status = jsvm.Status
type Program = jsvm.Program
type Exception = jsvm.Exception

type Handler = bridge.Handler
type Call = bridge.Call
type Result = bridge.Result
type Reply = bridge.Reply

type ArgsBuilder = engine.ArgsBuilder
type Stats = taskqueue.Stats

type Factory = factory.Factory
type FactoryOptions = factory.Options

type Channel = channel.Channel
type Delivery = channel.Delivery
type Responder = channel.Responder
type ResponderFunc = channel.ResponderFunc

// RemoteFunction is the native function id behind Host.remote.
const RemoteFunction = jsvm.RemoteFunction

// Blocking resumes the script suspended in Host.remote.
var Blocking = channel.Blocking

// Async invokes the script callback registered at index.
var Async = channel.Async

// Errors re-exported from core.
var (
	ErrVMGone               = core.ErrVMGone
	ErrFunctionNotFound     = core.ErrFunctionNotFound
	ErrUnregisteredFunction = core.ErrUnregisteredFunction
	ErrDuplicateFunction    = core.ErrDuplicateFunction
	ErrAlreadyReplied       = core.ErrAlreadyReplied
	ErrReplyTimeout         = core.ErrReplyTimeout
	ErrChannelConsumed      = core.ErrChannelConsumed
	ErrNoSuspendedCall      = core.ErrNoSuspendedCall
	ErrSelfRoute            = core.ErrSelfRoute
	ErrFactorySealed        = core.ErrFactorySealed
	ErrExecutionTimeout     = core.ErrExecutionTimeout
	ErrPoolClosed           = core.ErrPoolClosed
)
