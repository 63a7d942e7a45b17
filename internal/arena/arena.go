// Package arena maps small integer handles to native objects so script
// values can refer to host resources without carrying pointers.
package arena

import (
	"math"
	"sync"
	"sync/atomic"
)

// Entry is a stored native object and its metadata tag.
type Entry struct {
	Object any
	Tag    string
}

// Arena stores native objects by handle. Handle 0 is never issued.
type Arena struct {
	entries sync.Map // uint32 -> Entry
	nextID  atomic.Uint32
	count   atomic.Int64
}

// New creates an empty arena.
func New() *Arena {
	return &Arena{}
}

// Put stores obj and returns its handle.
func (a *Arena) Put(obj any, tag string) uint32 {
	id := a.nextID.Add(1)
	if id == 0 || id == math.MaxUint32 {
		panic("arena: handle space exhausted")
	}
	a.entries.Store(id, Entry{Object: obj, Tag: tag})
	a.count.Add(1)
	return id
}

// Borrow returns the entry for id and leaves it in the arena.
func (a *Arena) Borrow(id uint32) (Entry, bool) {
	v, ok := a.entries.Load(id)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Take removes the entry for id and hands ownership to the caller.
func (a *Arena) Take(id uint32) (Entry, bool) {
	v, ok := a.entries.LoadAndDelete(id)
	if !ok {
		return Entry{}, false
	}
	a.count.Add(-1)
	return v.(Entry), true
}

// Len returns the number of stored entries.
func (a *Arena) Len() int {
	return int(a.count.Load())
}

// Clear drops every entry. Objects implementing Close are closed.
func (a *Arena) Clear() {
	a.entries.Range(func(key, value any) bool {
		if _, ok := a.entries.LoadAndDelete(key); ok {
			a.count.Add(-1)
			if c, ok := value.(Entry).Object.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
		return true
	})
}
