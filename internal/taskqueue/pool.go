// Package taskqueue runs units of work on a fixed pool of worker goroutines.
//
// Tasks may be pinned to a key. At most one task per key executes at any
// instant, and tasks sharing a key run in submission order (immediate tasks
// first, then by priority, then FIFO). Tasks with different keys, or with no
// key, run in parallel across the pool.
package taskqueue

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/vmhost/internal/core"
	"github.com/google/btree"
)

// Type tags a task with the kind of work it carries.
type Type uint8

const (
	Sync Type = iota
	Async
	Immediate
)

func (t Type) String() string {
	switch t {
	case Sync:
		return "sync"
	case Async:
		return "async"
	case Immediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Priority orders tasks that are ready at the same time.
type Priority int

const (
	Low Priority = iota - 1
	Normal
	High
)

// Task is one unit of work. It is consumed exactly once by a worker.
type Task struct {
	Type     Type
	Priority Priority
	Key      uint64 // 0 means not pinned
	Fn       func()
	Label    string
	Enqueued time.Time
	Started  time.Time

	seq uint64
}

func taskLess(a, b *Task) bool {
	ai, bi := a.Type == Immediate, b.Type == Immediate
	if ai != bi {
		return ai
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

var taskPool = sync.Pool{New: func() any { return new(Task) }}

// lane holds the tasks of one key that are waiting for the key to free up.
type lane struct {
	waiting *btree.BTreeG[*Task]
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Queued    int
	Running   int64
	Completed uint64
	Panicked  uint64
}

// Pool is a fixed-size worker pool with per-key serialization.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ready  *btree.BTreeG[*Task]
	lanes  map[uint64]*lane // keys with a task ready or running
	seq    uint64
	queued int
	closed bool
	wg     sync.WaitGroup

	running   atomic.Int64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// New starts a pool with the given number of workers. Zero or negative
// means one worker per CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{
		ready: btree.NewG[*Task](8, taskLess),
		lanes: make(map[uint64]*lane),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Cast submits fn. A non-zero key serializes fn against every other task
// cast with the same key.
func (p *Pool) Cast(typ Type, prio Priority, key uint64, fn func(), label string) error {
	t := taskPool.Get().(*Task)
	*t = Task{
		Type:     typ,
		Priority: prio,
		Key:      key,
		Fn:       fn,
		Label:    label,
		Enqueued: time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		taskPool.Put(t)
		return core.ErrPoolClosed
	}
	p.seq++
	t.seq = p.seq
	p.queued++

	if key == 0 {
		p.ready.ReplaceOrInsert(t)
		p.cond.Signal()
		return nil
	}
	if l, ok := p.lanes[key]; ok {
		l.waiting.ReplaceOrInsert(t)
		return nil
	}
	p.lanes[key] = &lane{waiting: btree.NewG[*Task](4, taskLess)}
	p.ready.ReplaceOrInsert(t)
	p.cond.Signal()
	return nil
}

// CastAfter submits fn once delay has elapsed.
func (p *Pool) CastAfter(delay time.Duration, typ Type, prio Priority, key uint64, fn func(), label string) {
	time.AfterFunc(delay, func() {
		if err := p.Cast(typ, prio, key, fn, label); err != nil {
			log.Printf("taskqueue: dropping delayed task %q: %v", label, err)
		}
	})
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := p.queued
	p.mu.Unlock()
	return Stats{
		Queued:    queued,
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Close stops accepting tasks, runs everything already queued and waits
// for the workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.ready.Len() == 0 && !(p.closed && p.queued == 0) {
			p.cond.Wait()
		}
		t, ok := p.ready.DeleteMin()
		if !ok {
			// closed and drained
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		p.queued--
		p.mu.Unlock()

		p.run(t)
		p.finish(t)
	}
}

func (p *Pool) run(t *Task) {
	t.Started = time.Now()
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Printf("taskqueue: %s task %q panicked after %v in queue: %v",
				t.Type, t.Label, t.Started.Sub(t.Enqueued), r)
		}
	}()
	t.Fn()
}

// finish releases the task's key and promotes the next waiting task of
// that key, if any.
func (p *Pool) finish(t *Task) {
	p.completed.Add(1)
	key := t.Key
	*t = Task{}
	taskPool.Put(t)
	if key == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.lanes[key]
	if next, ok := l.waiting.DeleteMin(); ok {
		p.ready.ReplaceOrInsert(next)
		p.cond.Signal()
		return
	}
	delete(p.lanes, key)
	if p.closed && p.queued == 0 {
		p.cond.Broadcast()
	}
}
