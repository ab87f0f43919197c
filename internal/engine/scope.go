package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/anneal-io/anneal/internal/resource"
)

// Scope names a state partition and tracks which logical ids were
// declared during the current run. Reconcile deletes whatever the
// partition holds beyond the declared set, so drivers reuse a stable
// scope name across runs.
type Scope struct {
	name string

	mu            sync.Mutex
	declared      []string
	declaredKinds map[string]resource.Kind
	inflight      map[string]struct{}
	destroying    bool
	children      []*Scope
}

// NewScope returns a scope with a stable caller-chosen name.
func NewScope(name string) *Scope {
	return &Scope{
		name:          name,
		declaredKinds: make(map[string]resource.Kind),
		inflight:      make(map[string]struct{}),
	}
}

// UniqueScope returns a scope whose name is prefix plus a random
// suffix. Each call gets a fresh partition, which keeps parallel test
// runs from reconciling against each other's state.
func UniqueScope(prefix string) *Scope {
	return NewScope(prefix + "-" + uuid.NewString()[:8])
}

// Name returns the scope's full name.
func (s *Scope) Name() string { return s.name }

// Child returns a nested scope named "<parent>/<name>". Destroying the
// parent destroys children first.
func (s *Scope) Child(name string) *Scope {
	child := NewScope(s.name + "/" + name)
	s.mu.Lock()
	s.children = append(s.children, child)
	s.mu.Unlock()
	return child
}

// Declared returns the logical ids declared this run, in declaration
// order.
func (s *Scope) Declared() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.declared))
	copy(out, s.declared)
	return out
}

// IsDeclared reports whether id was declared in this scope this run.
func (s *Scope) IsDeclared(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.declaredKinds[id]
	return ok
}

// beginApply reserves id for a single in-flight apply. Two applies for
// the same id in one run are a caller bug, whether concurrent or
// sequential.
func (s *Scope) beginApply(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroying {
		return fmt.Errorf("scope %q is being destroyed", s.name)
	}
	if _, ok := s.declaredKinds[id]; ok {
		return fmt.Errorf("resource %q already declared in scope %q this run", id, s.name)
	}
	if _, ok := s.inflight[id]; ok {
		return fmt.Errorf("resource %q already has an apply in flight in scope %q", id, s.name)
	}
	s.inflight[id] = struct{}{}
	return nil
}

// finishApply releases the in-flight reservation and, when declared is
// true, marks id as part of this run's declared set. A failed update
// still declares: its committed prior output must survive Reconcile.
func (s *Scope) finishApply(id string, kind resource.Kind, declared bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
	if !declared {
		return
	}
	if _, ok := s.declaredKinds[id]; !ok {
		s.declared = append(s.declared, id)
	}
	s.declaredKinds[id] = kind
}

// markDestroying rejects further applies and returns the children in
// reverse creation order for teardown.
func (s *Scope) markDestroying() []*Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroying = true
	kids := make([]*Scope, len(s.children))
	for i, c := range s.children {
		kids[len(s.children)-1-i] = c
	}
	return kids
}
