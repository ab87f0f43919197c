// Package memory bundles a self-contained provider backed by an
// in-memory service that behaves like a real remote API: opaque remote
// ids, natural-key uniqueness, immutable fields, referential integrity
// and 404s. It exists so lifecycle behavior can be exercised end to end
// without network credentials.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// API-shaped sentinel errors; the handlers translate them.
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Project is a remote project object. Region is fixed at creation; the
// API has no way to change it.
type Project struct {
	ID     string
	Name   string
	Region string
	Labels map[string]string
}

// Token is a remote access token bound to a project. The secret is
// generated server-side and returned only here.
type Token struct {
	ID        string
	ProjectID string
	Note      string
	Secret    string
}

// Service is the fake remote API. Safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	projects map[string]*Project
	tokens   map[string]*Token
}

func NewService() *Service {
	return &Service{
		projects: make(map[string]*Project),
		tokens:   make(map[string]*Token),
	}
}

func newID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newTokenSecret() string {
	return "tok_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")[:32]
}

// CreateProject enforces name uniqueness across the service.
func (s *Service) CreateProject(name, region string, labels map[string]string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			return nil, fmt.Errorf("project %q: %w", name, ErrExists)
		}
	}
	p := &Project{ID: newID("prj"), Name: name, Region: region, Labels: copyLabels(labels)}
	s.projects[p.ID] = p
	return p.clone(), nil
}

func (s *Service) GetProject(id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	return p.clone(), nil
}

// FindProjectByName looks a project up by its natural key.
func (s *Service) FindProjectByName(name string) (*Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			return p.clone(), true
		}
	}
	return nil, false
}

// UpdateProject patches name and labels. Region is not part of the API
// call; renames collide like creates do.
func (s *Service) UpdateProject(id, name string, labels map[string]string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	for _, other := range s.projects {
		if other.ID != id && other.Name == name {
			return nil, fmt.Errorf("project %q: %w", name, ErrExists)
		}
	}
	p.Name = name
	p.Labels = copyLabels(labels)
	return p.clone(), nil
}

// DeleteProject refuses to delete a project that still has tokens, the
// way real APIs protect dependent objects.
func (s *Service) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	active := 0
	for _, t := range s.tokens {
		if t.ProjectID == id {
			active++
		}
	}
	if active > 0 {
		return fmt.Errorf("project %q has %d active token(s)", id, active)
	}
	delete(s.projects, id)
	return nil
}

// CreateToken mints a token with a server-generated secret.
func (s *Service) CreateToken(projectID, note string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	t := &Token{ID: newID("tok"), ProjectID: projectID, Note: note, Secret: newTokenSecret()}
	s.tokens[t.ID] = t
	return t.clone(), nil
}

func (s *Service) GetToken(id string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token %q: %w", id, ErrNotFound)
	}
	return t.clone(), nil
}

// UpdateToken patches the note. The secret never rotates on update.
func (s *Service) UpdateToken(id, note string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token %q: %w", id, ErrNotFound)
	}
	t.Note = note
	return t.clone(), nil
}

func (s *Service) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[id]; !ok {
		return fmt.Errorf("token %q: %w", id, ErrNotFound)
	}
	delete(s.tokens, id)
	return nil
}

// ProjectCount reports live projects, for test assertions.
func (s *Service) ProjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.projects)
}

// TokenCount reports live tokens, for test assertions.
func (s *Service) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (p *Project) clone() *Project {
	out := *p
	out.Labels = copyLabels(p.Labels)
	return &out
}

func (t *Token) clone() *Token {
	out := *t
	return &out
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
