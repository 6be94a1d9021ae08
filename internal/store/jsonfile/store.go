// Package jsonfile 以单个 JSON 文件保存登记表记录，写入采用临时文件 + rename。
package jsonfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"hedgepair/internal/logger"
	"hedgepair/internal/store"
)

type Store struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("json store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &store.PersistenceError{Op: "mkdir", Path: path, Err: err}
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Save(ctx context.Context, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return &store.PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	raw, err := store.Encode(doc)
	if err != nil {
		return &store.PersistenceError{Op: "encode", Path: s.path, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	logger.Debugf("[store] 保存登记表 path=%s pairs=%d next_id=%d", s.path, len(doc.Pairs), doc.NextID)
	if err := writeAtomic(s.path, raw); err != nil {
		return &store.PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, err
	}
	s.mu.Lock()
	raw, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.Document{}, store.ErrNotExists
		}
		return store.Document{}, &store.PersistenceError{Op: "load", Path: s.path, Err: err}
	}
	doc, err := store.Decode(raw)
	if err != nil {
		return store.Document{}, &store.PersistenceError{Op: "decode", Path: s.path, Err: err}
	}
	return doc, nil
}

func (s *Store) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
