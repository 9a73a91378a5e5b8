// Package dedupe tracks recently processed command ids in a bounded,
// time-limited window, converting at-least-once delivery across the two
// transports into effectively-once execution.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	elem *list.Element
}

// Window is a thread-safe TTL set with a size cap. The oldest id is evicted
// when the cap is reached; expired ids are dropped lazily.
type Window struct {
	mu    sync.Mutex
	seen  map[int64]*entry
	order *list.List // ids, oldest at front
	ttl   time.Duration
	limit int
}

func New(ttl time.Duration, limit int) *Window {
	return &Window{
		seen:  make(map[int64]*entry),
		order: list.New(),
		ttl:   ttl,
		limit: limit,
	}
}

// SeenOrRemember atomically checks and marks an id. It returns true when the
// id was already inside the window (a duplicate), false when it is new.
func (w *Window) SeenOrRemember(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.seen[id]; ok {
		if time.Since(e.at) < w.ttl {
			return true
		}
		w.order.Remove(e.elem)
		delete(w.seen, id)
	}

	if len(w.seen) >= w.limit {
		w.evictOldest()
	}
	w.seen[id] = &entry{at: time.Now(), elem: w.order.PushBack(id)}
	return false
}

// Seen reports whether an id is inside the window without marking it.
func (w *Window) Seen(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.seen[id]
	return ok && time.Since(e.at) < w.ttl
}

func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(int64)
	w.order.Remove(front)
	delete(w.seen, id)
}
