package events

import "sync"

// Recorder keeps published events in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	stages []StageEvent
	runs   []RunEvent
}

func (r *Recorder) StageChanged(e StageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, e)
}

func (r *Recorder) RunChanged(e RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, e)
}

func (r *Recorder) StageEvents() []StageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StageEvent(nil), r.stages...)
}

func (r *Recorder) RunEvents() []RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunEvent(nil), r.runs...)
}
