package spec

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Store owns the active Schema. It loads the service description once and
// hands the same immutable Schema to every reader until Reload swaps in a
// new one.
type Store struct {
	source string
	data   []byte
	opts   []Option

	mu      sync.Mutex // serializes loads
	current atomic.Pointer[Schema]
}

// NewStore returns a Store reading the description from source, a URL or a
// file path. Nothing is fetched until Initialize.
func NewStore(source string, opts ...Option) *Store {
	return &Store{source: source, opts: opts}
}

// NewDataStore returns a Store over an in-memory document.
func NewDataStore(data []byte, opts ...Option) *Store {
	return &Store{source: "<data>", data: data, opts: opts}
}

// Source reports where the description is read from.
func (s *Store) Source() string { return s.source }

// Initialize loads the schema exactly once. Concurrent callers block on the
// same load; later calls return the cached Schema.
func (s *Store) Initialize(ctx context.Context) (*Schema, error) {
	if cur := s.current.Load(); cur != nil {
		return cur, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.current.Load(); cur != nil {
		return cur, nil
	}
	return s.loadLocked(ctx)
}

// Reload re-reads the description. On failure the previous Schema, if any,
// stays active.
func (s *Store) Reload(ctx context.Context) (*Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Current returns the active Schema or nil before the first successful load.
func (s *Store) Current() *Schema { return s.current.Load() }

// Loaded reports whether a Schema is active.
func (s *Store) Loaded() bool { return s.current.Load() != nil }

func (s *Store) loadLocked(ctx context.Context) (*Schema, error) {
	settings := DefaultSettings()
	for _, opt := range s.opts {
		opt(&settings)
	}
	log := settings.logger()

	var err error
	var schema *Schema
	if s.data != nil {
		schema, err = buildFromData(ctx, s.data, settings, s.opts)
	} else {
		schema, err = buildFromSource(ctx, s.source, settings, s.opts)
	}
	if err != nil {
		log.ErrorContext(ctx, "load service description failed",
			slog.String("source", s.source), slog.Any("err", err))
		return nil, err
	}
	s.current.Store(schema)
	log.InfoContext(ctx, "service description loaded",
		slog.String("source", s.source),
		slog.String("title", schema.Title),
		slog.Int("operations", len(schema.Operations)))
	return schema, nil
}

func buildFromSource(ctx context.Context, source string, settings Settings, opts []Option) (*Schema, error) {
	doc, err := Load(ctx, source, opts...)
	if err != nil {
		return nil, err
	}
	return BuildSchema(ctx, doc, WithBuildLogger(settings.logger()), WithExcludeTags(settings.SkipTags))
}

func buildFromData(ctx context.Context, data []byte, settings Settings, opts []Option) (*Schema, error) {
	doc, err := LoadData(ctx, data, opts...)
	if err != nil {
		return nil, err
	}
	return BuildSchema(ctx, doc, WithBuildLogger(settings.logger()), WithExcludeTags(settings.SkipTags))
}
