package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryKV keeps credentials for the life of the process.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryKV() *MemoryKV { return &MemoryKV{m: make(map[string]string)} }

func (kv *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.m[key]
	return v, ok, nil
}

func (kv *MemoryKV) Put(_ context.Context, entries map[string]string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for k, v := range entries {
		kv.m[k] = v
	}
	return nil
}

func (kv *MemoryKV) Delete(_ context.Context, keys ...string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for _, k := range keys {
		delete(kv.m, k)
	}
	return nil
}

func (kv *MemoryKV) Close() error { return nil }

// FileKV persists entries as a flat YAML mapping. Every write replaces the
// file atomically; the file is created with mode 0600.
type FileKV struct {
	path string
	mu   sync.Mutex
}

func NewFileKV(path string) *FileKV { return &FileKV{path: path} }

func (kv *FileKV) Path() string { return kv.path }

func (kv *FileKV) read() (map[string]string, error) {
	raw, err := os.ReadFile(kv.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", kv.path, err)
	}
	return m, nil
}

func (kv *FileKV) write(m map[string]string) error {
	content, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	dir := filepath.Dir(kv.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-tokens-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, kv.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic rename %s: %w", kv.path, err)
	}
	return nil
}

func (kv *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	m, err := kv.read()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (kv *FileKV) Put(_ context.Context, entries map[string]string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	m, err := kv.read()
	if err != nil {
		return err
	}
	for k, v := range entries {
		m[k] = v
	}
	return kv.write(m)
}

func (kv *FileKV) Delete(_ context.Context, keys ...string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	m, err := kv.read()
	if err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		if _, ok := m[k]; ok {
			delete(m, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return kv.write(m)
}

func (kv *FileKV) Close() error { return nil }
