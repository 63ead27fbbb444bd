// Package debounce collapses bursts of triggers into a single call per key.
package debounce

import (
	"sync"
	"time"
)

var afterFunc = time.AfterFunc

// Group keeps at most one pending single-shot timer per key. Re-triggering a
// key cancels its timer and starts a new one, so a burst of N triggers results
// in exactly one call once the key has been quiet for the configured delay.
type Group struct {
	mu      sync.Mutex
	delay   time.Duration
	seq     uint64
	pending map[string]*pending
	stopped bool
}

type pending struct {
	timer *time.Timer
	gen   uint64
}

func NewGroup(delay time.Duration) *Group {
	return &Group{delay: delay, pending: make(map[string]*pending)}
}

// Trigger (re)schedules fn for key. It reports whether the trigger started a
// new burst, i.e. no timer was pending for key.
func (g *Group) Trigger(key string, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	p, ok := g.pending[key]
	if ok {
		p.timer.Stop()
	} else {
		p = &pending{}
		g.pending[key] = p
	}
	g.seq++
	gen := g.seq
	p.gen = gen
	p.timer = afterFunc(g.delay, func() {
		g.fire(key, gen, fn)
	})
	return !ok
}

// fire runs fn only when gen still identifies the latest trigger for key. A
// timer that was stopped too late to prevent its callback is ignored here.
func (g *Group) fire(key string, gen uint64, fn func()) {
	g.mu.Lock()
	p, ok := g.pending[key]
	if !ok || p.gen != gen || g.stopped {
		g.mu.Unlock()
		return
	}
	delete(g.pending, key)
	g.mu.Unlock()
	fn()
}

// Cancel drops the pending timer for key, if any.
func (g *Group) Cancel(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(g.pending, key)
	return true
}

// CancelFunc drops every pending timer whose key matches and returns how many
// were cancelled.
func (g *Group) CancelFunc(match func(key string) bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, p := range g.pending {
		if !match(key) {
			continue
		}
		p.timer.Stop()
		delete(g.pending, key)
		n++
	}
	return n
}

// Pending returns the number of keys with a scheduled timer.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Stop cancels all timers. Later triggers are ignored.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for key, p := range g.pending {
		p.timer.Stop()
		delete(g.pending, key)
	}
}
