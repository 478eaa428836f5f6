package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "proposald/pkg/logx"
)

// fileStore keeps every key in one JSON document:
//
//	{"<key>": <raw json value or base64 string>, ...}
//
// Each write rewrites <path>.tmp and renames it over <path>, so a crash
// leaves either the previous or the new document, never a torn one.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	data   map[string]json.RawMessage
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{log: log, path: path, data: map[string]json.RawMessage{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return fmt.Errorf("storage file %s: %w", s.path, err)
	}
	return nil
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	raw, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return decodeFileValue(raw)
}

func (s *fileStore) Put(_ context.Context, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.data[key]
	s.data[key] = encodeFileValue(val)
	if err := s.flushLocked(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flushLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.log.Trace("storage file flushed", logx.Int("keys", len(s.data)))
	return nil
}

// JSON values are embedded (re-indented) so the file stays readable; other
// bytes are stored as a tagged base64 string.
const binaryPrefix = "base64:"

func encodeFileValue(val []byte) json.RawMessage {
	if json.Valid(val) {
		return append(json.RawMessage(nil), val...)
	}
	b, _ := json.Marshal(binaryPrefix + base64.StdEncoding.EncodeToString(val))
	return b
}

func decodeFileValue(raw json.RawMessage) ([]byte, bool, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.HasPrefix(s, binaryPrefix) {
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, binaryPrefix))
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	}
	return append([]byte(nil), raw...), true, nil
}
