package memory

import (
	"sort"
	"sync"
	"time"
)

// Fact is a long-term entry. Importance weights recall priority only;
// facts are never deleted by weight.
type Fact struct {
	Key        string
	Value      any
	Importance float64
	LastAccess time.Time
}

// LongTerm is the unbounded weighted key/value layer.
type LongTerm struct {
	mu    sync.Mutex
	facts map[string]*Fact
}

func NewLongTerm() *LongTerm {
	return &LongTerm{facts: make(map[string]*Fact)}
}

// Put stores or replaces a fact with the given importance.
func (l *LongTerm) Put(key string, value any, importance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.facts[key] = &Fact{Key: key, Value: value, Importance: importance, LastAccess: time.Now()}
}

// Get returns the fact value and refreshes its last access.
func (l *LongTerm) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.facts[key]
	if !ok {
		return nil, false
	}
	f.LastAccess = time.Now()
	return f.Value, true
}

// Reinforce bumps a fact's importance, clamped to 1.0.
func (l *LongTerm) Reinforce(key string, delta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.facts[key]; ok {
		f.Importance += delta
		if f.Importance > 1.0 {
			f.Importance = 1.0
		}
	}
}

// Recall returns up to n facts ordered by importance, most important first.
// Ties break on recency.
func (l *LongTerm) Recall(n int) []Fact {
	l.mu.Lock()
	out := make([]Fact, 0, len(l.facts))
	for _, f := range l.facts {
		out = append(out, *f)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].LastAccess.After(out[j].LastAccess)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (l *LongTerm) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.facts)
}
