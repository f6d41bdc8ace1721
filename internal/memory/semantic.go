package memory

import "sync"

// Relation links two concepts.
type Relation struct {
	From, To, Label string
}

// Semantic is the accretive layer of concepts, relationships, rules, and
// strategies. Entries accumulate; nothing is removed.
type Semantic struct {
	mu         sync.Mutex
	concepts   map[string]string
	relations  []Relation
	rules      []string
	strategies []string
}

func NewSemantic() *Semantic {
	return &Semantic{concepts: make(map[string]string)}
}

// AddConcept records or refines a concept definition.
func (s *Semantic) AddConcept(name, definition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concepts[name] = definition
}

func (s *Semantic) Concept(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.concepts[name]
	return def, ok
}

func (s *Semantic) Relate(from, to, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, Relation{From: from, To: to, Label: label})
}

// RelatedTo returns every relation departing the given concept.
func (s *Semantic) RelatedTo(from string) []Relation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Relation
	for _, r := range s.relations {
		if r.From == from {
			out = append(out, r)
		}
	}
	return out
}

func (s *Semantic) AddRule(rule string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

func (s *Semantic) AddStrategy(strategy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies = append(s.strategies, strategy)
}

func (s *Semantic) Rules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.rules))
	copy(out, s.rules)
	return out
}

func (s *Semantic) Strategies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.strategies))
	copy(out, s.strategies)
	return out
}
