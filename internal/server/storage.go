package server

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrNotFound    = errors.New("server: file not found")
	ErrExists      = errors.New("server: file already exists")
	ErrOutsideRoot = errors.New("server: path escapes the served directory")
)

// Store is the file boundary of a transfer: the engine only ever sees
// byte buffers, the store decides where they come from and go to.
type Store interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// DirStore serves the direct children of a single root directory.
type DirStore struct {
	root      string
	overwrite bool
}

func NewDirStore(root string, overwrite bool) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &DirStore{root: abs, overwrite: overwrite}, nil
}

// resolve rejects requested names that would land outside the root.
func (s *DirStore) resolve(name string) (string, error) {
	path := filepath.Clean(filepath.Join(s.root, name))
	matched, err := filepath.Match(filepath.Join(s.root, "*"), path)
	if err != nil || !matched {
		return "", ErrOutsideRoot
	}
	return path, nil
}

func (s *DirStore) ReadFile(name string) ([]byte, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *DirStore) WriteFile(name string, data []byte) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if !s.overwrite {
		if _, err := os.Stat(path); err == nil {
			return ErrExists
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// MemStore keeps files in memory. It backs tests and scratch servers.
type MemStore struct {
	mu        sync.Mutex
	files     map[string][]byte
	Overwrite bool
}

func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

// Put seeds a file, replacing any previous content.
func (s *MemStore) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
}

func (s *MemStore) ReadFile(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) WriteFile(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; ok && !s.Overwrite {
		return ErrExists
	}
	s.files[name] = append([]byte(nil), data...)
	return nil
}
