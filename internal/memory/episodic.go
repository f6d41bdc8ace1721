package memory

import "sync"

// Episodic is the capped, append-only log of Experiences. When the cap is
// reached the oldest Experience is evicted.
type Episodic struct {
	cap int

	mu  sync.Mutex
	log []Experience
}

func NewEpisodic(cap int) *Episodic {
	return &Episodic{cap: cap}
}

// Append records an Experience, evicting the oldest past the cap.
func (e *Episodic) Append(exp Experience) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, exp)
	if len(e.log) > e.cap {
		e.log = e.log[len(e.log)-e.cap:]
	}
}

// Recent returns the n most recent Experiences, newest last.
func (e *Episodic) Recent(n int) []Experience {
	e.mu.Lock()
	defer e.mu.Unlock()
	log := e.log
	if n > 0 && len(log) > n {
		log = log[len(log)-n:]
	}
	out := make([]Experience, len(log))
	copy(out, log)
	return out
}

func (e *Episodic) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.log)
}
