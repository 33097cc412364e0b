package runlog

import (
	"strings"
	"sync"

	"github.com/marcus/runlog/internal/models"
)

// structure is the session's view of which paths hold which attribute
// types. It enforces the type lock before anything reaches the log.
type structure struct {
	mu     sync.Mutex
	leaves map[string]models.AttrType
	// prefixes counts the leaves below each namespace path.
	prefixes map[string]int
}

func newStructure() *structure {
	return &structure{
		leaves:   make(map[string]models.AttrType),
		prefixes: make(map[string]int),
	}
}

// typeOf returns the type at p: a leaf type, TypeNamespace when leaves exist
// below p, or "" when nothing is there.
func (s *structure) typeOf(p models.Path) models.AttrType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typeOfLocked(p.String())
}

func (s *structure) typeOfLocked(key string) models.AttrType {
	if t, ok := s.leaves[key]; ok {
		return t
	}
	if s.prefixes[key] > 0 {
		return models.TypeNamespace
	}
	return ""
}

// leavesUnder returns the leaf paths at or below p, sorted.
func (s *structure) leavesUnder(p models.Path) map[string]models.AttrType {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.String()
	out := make(map[string]models.AttrType)
	for k, t := range s.leaves {
		if k == key || strings.HasPrefix(k, key+"/") {
			out[k] = t
		}
	}
	return out
}

// plan checks ops against the current structure plus the effect of the ops
// before it, and returns a commit function that records them. Nothing is
// recorded if any op conflicts.
func (s *structure) plan(ops []models.Operation) (commit func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Overlay of types introduced or deleted by earlier ops in the batch.
	added := make(map[string]models.AttrType)
	deleted := make(map[string]bool)

	lookup := func(key string) models.AttrType {
		if t, ok := added[key]; ok {
			return t
		}
		if deleted[key] {
			return ""
		}
		return s.leaves[key]
	}
	hasBelow := func(key string) bool {
		for k := range added {
			if strings.HasPrefix(k, key+"/") {
				return true
			}
		}
		if s.prefixes[key] == 0 {
			return false
		}
		for k := range s.leaves {
			if strings.HasPrefix(k, key+"/") && !deleted[k] {
				return true
			}
		}
		return false
	}

	for _, op := range ops {
		key := op.Path.String()
		if op.Kind == models.OpDeleteAttribute {
			for k := range added {
				if k == key || strings.HasPrefix(k, key+"/") {
					delete(added, k)
				}
			}
			for k := range s.leaves {
				if k == key || strings.HasPrefix(k, key+"/") {
					deleted[k] = true
				}
			}
			continue
		}

		want := op.Kind.AttrType()
		if existing := lookup(key); existing != "" && existing != want {
			return nil, &models.TypeConflictError{Path: op.Path, Existing: existing, Attempted: want}
		}
		for i := 1; i < len(op.Path); i++ {
			anc := op.Path[:i]
			if t := lookup(anc.String()); t != "" {
				return nil, &models.TypeConflictError{Path: op.Path, Existing: t, Attempted: want}
			}
		}
		if lookup(key) == "" && hasBelow(key) {
			return nil, &models.TypeConflictError{Path: op.Path, Existing: models.TypeNamespace, Attempted: want}
		}
		added[key] = want
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for k := range deleted {
			s.removeLocked(k)
		}
		for k, t := range added {
			s.setLocked(k, t)
		}
	}, nil
}

// merge adds leaves reported by the server that the session does not know.
// Entries that would conflict with local state are ignored; the server
// rejects the conflicting operation when it arrives.
func (s *structure) merge(leaves map[string]models.AttrType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range leaves {
		if s.typeOfLocked(k) != "" {
			continue
		}
		conflict := false
		p, err := models.ParsePath(k)
		if err != nil {
			continue
		}
		for i := 1; i < len(p); i++ {
			if _, ok := s.leaves[p[:i].String()]; ok {
				conflict = true
				break
			}
		}
		if !conflict {
			s.setLocked(k, t)
		}
	}
}

func (s *structure) setLocked(key string, t models.AttrType) {
	if _, ok := s.leaves[key]; ok {
		s.leaves[key] = t
		return
	}
	s.leaves[key] = t
	for i := strings.Index(key, "/"); i >= 0; {
		s.prefixes[key[:i]]++
		next := strings.Index(key[i+1:], "/")
		if next < 0 {
			break
		}
		i += next + 1
	}
}

func (s *structure) removeLocked(key string) {
	if _, ok := s.leaves[key]; !ok {
		return
	}
	delete(s.leaves, key)
	for i := strings.Index(key, "/"); i >= 0; {
		prefix := key[:i]
		if s.prefixes[prefix]--; s.prefixes[prefix] <= 0 {
			delete(s.prefixes, prefix)
		}
		next := strings.Index(key[i+1:], "/")
		if next < 0 {
			break
		}
		i += next + 1
	}
}
