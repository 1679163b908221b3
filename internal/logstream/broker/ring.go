package broker

import v1 "github.com/agentdeck/agentdeck/pkg/api/v1"

// ring is a fixed-capacity buffer of log events. Once full, each push
// overwrites the oldest entry.
type ring struct {
	events []*v1.LogEvent
	head   int // index of the oldest entry
	count  int
}

func newRing(capacity int) *ring {
	return &ring{events: make([]*v1.LogEvent, capacity)}
}

func (r *ring) push(event *v1.LogEvent) {
	if r.count < len(r.events) {
		r.events[(r.head+r.count)%len(r.events)] = event
		r.count++
		return
	}
	r.events[r.head] = event
	r.head = (r.head + 1) % len(r.events)
}

// snapshot returns the retained events oldest first.
func (r *ring) snapshot() []*v1.LogEvent {
	out := make([]*v1.LogEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.events[(r.head+i)%len(r.events)])
	}
	return out
}
