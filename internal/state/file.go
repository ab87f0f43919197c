package state

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/anneal-io/anneal/internal/resource"
)

// FileStore keeps one JSON document per scope under a state directory.
// Writes go through a temp file and rename so a document is replaced
// atomically. With an encryption key configured the whole document is
// sealed on disk as well.
type FileStore struct {
	dir    string
	sealer *Sealer

	mu sync.Mutex // serializes same-process writers per store
}

const stateFileExt = ".json"

func NewFileStore(dir string, sealer *Sealer) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file backend requires a state directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir, sealer: sealer}, nil
}

func (s *FileStore) Get(ctx context.Context, scope, id string) (*resource.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc(scope)
	if err != nil {
		return nil, err
	}
	for _, rec := range doc.Records {
		if rec.ID == id {
			return decodeStoredRecord(rec, s.sealer)
		}
	}
	return nil, nil
}

func (s *FileStore) Put(ctx context.Context, scope string, rec *resource.Record) error {
	encoded, err := EncodeOutput(rec.Output, s.sealer)
	if err != nil {
		return fmt.Errorf("failed to encode output for %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc(scope)
	if err != nil {
		return err
	}
	upsertDoc(doc, rec, encoded)
	return s.writeDoc(doc)
}

func (s *FileStore) Remove(ctx context.Context, scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc(scope)
	if err != nil {
		return err
	}
	if !removeFromDoc(doc, id) {
		return nil
	}
	return s.writeDoc(doc)
}

func (s *FileStore) List(ctx context.Context, scope string) ([]*resource.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc(scope)
	if err != nil {
		return nil, err
	}

	sort.Slice(doc.Records, func(i, j int) bool { return doc.Records[i].Seq < doc.Records[j].Seq })

	out := make([]*resource.Record, 0, len(doc.Records))
	for _, rec := range doc.Records {
		decoded, err := decodeStoredRecord(rec, s.sealer)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (s *FileStore) Scopes(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var scopes []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateFileExt) {
			continue
		}
		scope, err := url.PathUnescape(strings.TrimSuffix(name, stateFileExt))
		if err != nil {
			continue
		}
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (s *FileStore) DeleteScope(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.scopePath(scope)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete scope state: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) scopePath(scope string) string {
	return filepath.Join(s.dir, url.PathEscape(scope)+stateFileExt)
}

func (s *FileStore) readDoc(scope string) (*scopeDoc, error) {
	content, err := os.ReadFile(s.scopePath(scope))
	if os.IsNotExist(err) {
		return &scopeDoc{Version: 1, Scope: scope}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return unmarshalDoc(content, scope, s.sealer)
}

func (s *FileStore) writeDoc(doc *scopeDoc) error {
	content, err := marshalDoc(doc, s.sealer)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.scopePath(doc.Scope)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
