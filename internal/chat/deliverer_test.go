package chat

import (
	"sync"
	"time"
)

type delivery struct {
	handle string
	event  string
	data   any
}

type recorder struct {
	mu     sync.Mutex
	got    []delivery
	refuse map[string]bool
}

func (r *recorder) Deliver(handle, event string, data any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse[handle] {
		return false
	}
	r.got = append(r.got, delivery{handle: handle, event: event, data: data})
	return true
}

func (r *recorder) to(handle string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.got {
		if d.handle == handle {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}

// ticking returns a clock that advances one second per call.
func ticking(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}
