package jsvm

import (
	"runtime"
	"time"

	"github.com/cryguy/vmhost/internal/core"
)

// Status is where a VM is in the one-task-at-a-time execution protocol.
type Status uint32

const (
	// StatusInit means no task is running against the VM.
	StatusInit Status = iota
	// StatusSingleTask means one synchronous task owns the VM.
	StatusSingleTask
	// StatusWaitBlock means a task suspended the script stack and the VM
	// is waiting for the reply that resumes it.
	StatusWaitBlock
	// StatusMultiTask means a reply or callback has claimed a suspended VM.
	StatusMultiTask
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusSingleTask:
		return "single-task"
	case StatusWaitBlock:
		return "wait-block"
	case StatusMultiTask:
		return "multi-task"
	default:
		return "unknown"
	}
}

// spinLimit bounds every CAS retry loop in this file.
const spinLimit = 64

// retry calls fn until it reports done or the budget runs out. It yields
// the goroutine between attempts and backs off to short sleeps after the
// first few rounds.
func retry(fn func() bool) bool {
	for i := 0; i < spinLimit; i++ {
		if fn() {
			return true
		}
		if i < 8 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Duration(i) * time.Microsecond)
		}
	}
	return false
}

// Status returns the current status.
func (h *Handle) Status() Status {
	return Status(h.status.Load())
}

func (h *Handle) cas(from, to Status) bool {
	return h.status.CompareAndSwap(uint32(from), uint32(to))
}

func (h *Handle) violation(op string, expected Status, err error) *core.ProtocolError {
	return &core.ProtocolError{
		VM:       h.id,
		Op:       op,
		Expected: expected.String(),
		Observed: h.Status().String(),
		Err:      err,
	}
}

// Begin moves an idle VM to SingleTask. The task queue serializes callers,
// so the swap only fails when the VM is suspended or misused.
func (h *Handle) Begin() error {
	if h.cas(StatusInit, StatusSingleTask) {
		return nil
	}
	return h.violation("begin", StatusInit, nil)
}

// Suspend records an outstanding deferred call and moves SingleTask to
// WaitBlock. A VM that is already suspended, or that is running a
// callback underneath a suspended task, stays where it is.
func (h *Handle) Suspend() error {
	var observed Status
	ok := retry(func() bool {
		observed = h.Status()
		switch observed {
		case StatusWaitBlock, StatusMultiTask:
			return true
		case StatusSingleTask:
			return h.cas(StatusSingleTask, StatusWaitBlock)
		}
		return false
	})
	if !ok {
		return h.violation("suspend", StatusSingleTask, nil)
	}
	h.pending.Add(1)
	return nil
}

// Claim takes a suspended VM for a reply or callback (WaitBlock to MultiTask).
func (h *Handle) Claim() bool {
	return h.cas(StatusWaitBlock, StatusMultiTask)
}

// Promote turns a claimed VM into a running task (MultiTask to SingleTask)
// so the suspended stack can resume.
func (h *Handle) Promote() error {
	if h.cas(StatusMultiTask, StatusSingleTask) {
		return nil
	}
	return h.violation("promote", StatusMultiTask, nil)
}

// Unclaim hands a claimed VM back to its suspended task (MultiTask to WaitBlock).
func (h *Handle) Unclaim() error {
	if h.cas(StatusMultiTask, StatusWaitBlock) {
		return nil
	}
	return h.violation("unclaim", StatusMultiTask, nil)
}

// Settle ends the current task. The VM returns to Init when no deferred
// call is outstanding and to WaitBlock otherwise. A VM whose last
// reference was dropped while suspended is destroyed once it reaches Init.
func (h *Handle) Settle() Status {
	var next Status
	ok := retry(func() bool {
		cur := h.Status()
		next = StatusInit
		if h.pending.Load() > 0 {
			next = StatusWaitBlock
		}
		if cur == next {
			return true
		}
		if cur != StatusSingleTask && cur != StatusWaitBlock {
			return false
		}
		return h.cas(cur, next)
	})
	if !ok {
		h.Destroy(h.violation("settle", StatusSingleTask, nil))
		return h.Status()
	}
	if next == StatusInit && h.refs.Load() <= 0 {
		h.Destroy(nil)
	}
	return next
}

// Pending returns the number of deferred calls still waiting for a reply.
func (h *Handle) Pending() int {
	return int(h.pending.Load())
}
