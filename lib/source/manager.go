package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/spectrumlive/spt-notification/lib/engine"
	"github.com/spectrumlive/spt-notification/lib/fileurl"
	"github.com/spectrumlive/spt-notification/lib/logger"
	"github.com/spectrumlive/spt-notification/lib/registry"
	"github.com/spectrumlive/spt-notification/lib/settings"
	"github.com/spectrumlive/spt-notification/lib/taskbridge"
)

var (
	ErrNotFound = errors.New("source not found")
	ErrExists   = errors.New("source already exists")
)

// Manager owns the engine, the task bridge and the registry of live
// sources. One Manager exists per engine lifetime.
type Manager struct {
	ctx    context.Context
	logger *slog.Logger

	engine   engine.Engine
	bridge   *taskbridge.Bridge
	registry *registry.Registry[*Source]

	fileOpts  fileurl.Options
	control   HostControl
	onRelease func(*Source)

	mu   sync.Mutex
	byID map[string]registry.Handle
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithLegacyFileURLs makes local files load through fileurl.LegacyPrefix.
func WithLegacyFileURLs(legacy bool) Option {
	return func(m *Manager) { m.fileOpts.Legacy = legacy }
}

// WithHostControl answers host calls made by pages.
func WithHostControl(c HostControl) Option {
	return func(m *Manager) { m.control = c }
}

// WithReleaseHook is called once per source, on the engine goroutine, after
// its browser is closed and its client detached.
func WithReleaseHook(fn func(*Source)) Option {
	return func(m *Manager) { m.onRelease = fn }
}

// NewManager creates a manager. ctx bounds every engine call made on behalf
// of its sources.
func NewManager(ctx context.Context, eng engine.Engine, bridge *taskbridge.Bridge, opts ...Option) *Manager {
	m := &Manager{
		ctx:      ctx,
		logger:   logger.FromContext(ctx),
		engine:   eng,
		bridge:   bridge,
		registry: registry.New[*Source](),
		byID:     make(map[string]registry.Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create constructs a source, registers it and applies s. The browser is
// created on the next Tick.
func (m *Manager) Create(id string, s settings.Settings, host Host) (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	src := newSource(m, id, host)
	src.handle = m.registry.Register(src)
	m.byID[id] = src.handle
	src.Update(&s)
	m.logger.Info("source created", "source", id)
	return src, nil
}

func (m *Manager) Get(id string) (*Source, error) {
	m.mu.Lock()
	h, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	src, ok := m.registry.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return src, nil
}

// List returns the registered sources, most recently created first.
func (m *Manager) List() []*Source {
	out := make([]*Source, 0, m.registry.Len())
	m.registry.Each(func(s *Source) { out = append(out, s) })
	return out
}

func (m *Manager) Len() int {
	return m.registry.Len()
}

func (m *Manager) unregister(s *Source) {
	m.mu.Lock()
	if h, ok := m.byID[s.id]; ok && h == s.handle {
		delete(m.byID, s.id)
	}
	m.mu.Unlock()
	m.registry.Unregister(s.handle)
}

// Close destroys every source and waits for each one to be released or for
// ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	sources := m.List()
	for _, s := range sources {
		s.Destroy()
	}
	var result *multierror.Error
	for _, s := range sources {
		select {
		case <-s.Released():
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("source %s not released: %w", s.id, ctx.Err()))
		}
	}
	return result.ErrorOrNil()
}
