package watcher

import "time"

// dedupeWindow suppresses repeats of a key seen within window. Entries older
// than three windows are pruned on every check so the map stays bounded.
type dedupeWindow struct {
	window time.Duration
	seen   map[string]time.Time
}

func newDedupeWindow(window time.Duration) *dedupeWindow {
	return &dedupeWindow{window: window, seen: map[string]time.Time{}}
}

// allow records key at now and reports whether it should be emitted. A
// suppressed repeat does not extend the window.
func (d *dedupeWindow) allow(key string, now time.Time) bool {
	d.prune(now)
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[key] = now
	return true
}

func (d *dedupeWindow) prune(now time.Time) {
	horizon := 3 * d.window
	for key, at := range d.seen {
		if now.Sub(at) > horizon {
			delete(d.seen, key)
		}
	}
}

func (d *dedupeWindow) len() int { return len(d.seen) }
