package auditlog

import (
	"context"
	"sync"
)

// MemoryRecorder keeps a chained log in memory.
type MemoryRecorder struct {
	mu    sync.Mutex
	links []Link
}

func (r *MemoryRecorder) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := ""
	if n := len(r.links); n > 0 {
		prev = r.links[n-1].Digest
	}
	link, err := Chain(prev, event)
	if err != nil {
		return err
	}
	r.links = append(r.links, link)
	return nil
}

func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.links))
	for _, link := range r.links {
		out = append(out, link.Event)
	}
	return out
}

func (r *MemoryRecorder) Links() []Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Link(nil), r.links...)
}
