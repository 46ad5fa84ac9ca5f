package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// Spool stores passivated session state as one file per session.
//
// Thread-safety: safe for concurrent use as long as a session id is only
// written by one goroutine at a time.
type Spool struct {
	dir string
}

// NewSpool creates dir if needed and returns a spool writing into it.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

func (s *Spool) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("persistence: invalid spool id %q", id)
	}
	return filepath.Join(s.dir, id+".state"), nil
}

// Write atomically replaces the state of id.
func (s *Spool) Write(id string, data []byte) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(p, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("persistence: spool %s: %w", id, err)
	}
	return nil
}

// Read returns the state of id or ErrNotFound.
func (s *Spool) Read(id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return data, err
}

// Remove deletes the state of id. Removing an unknown id is a no-op.
func (s *Spool) Remove(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
