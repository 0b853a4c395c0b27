package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ghast-core/ghast-core/internal/registry"
)

// writePackage 在 dir 下生成一个扩展包；manifest 为空时不写 extension.yaml。
func writePackage(t *testing.T, dir, file, manifest string, entries map[string]string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, file)
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	if manifest != "" {
		w, err := zw.Create(ManifestFile)
		require.NoError(t, err)
		_, err = w.Write([]byte(manifest))
		require.NoError(t, err)
	}
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return p
}

// writeSimplePackage 生成 name.gext，包含最小合法清单。
func writeSimplePackage(t *testing.T, dir, name string) string {
	t.Helper()
	manifest := fmt.Sprintf("name: %s\nversion: 1.0.0\nauthors: [tester]\nmain: main.js\n", name)
	return writePackage(t, dir, name+".gext", manifest, map[string]string{"main.js": "// " + name})
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Get(_ context.Context, entityID, namespace, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[entityID+"/"+namespace+"/"+key]
	return v, ok, nil
}

func (s *memStore) Put(_ context.Context, entityID, namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[entityID+"/"+namespace+"/"+key] = value
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type behaviour struct {
	loadErr      error
	enableErr    error
	enablePanic  bool
	disablePanic bool
	invokePanic  bool
}

type stubExtension struct {
	desc     registry.Descriptor
	behave   behaviour
	caps     Capabilities
	mu       sync.Mutex
	disabled int
}

func (e *stubExtension) Descriptor() registry.Descriptor { return e.desc }

func (e *stubExtension) Enable(_ context.Context, caps Capabilities) error {
	if e.behave.enablePanic {
		panic("enable exploded")
	}
	if e.behave.enableErr != nil {
		return e.behave.enableErr
	}
	e.caps = caps
	return nil
}

func (e *stubExtension) Disable(context.Context) error {
	e.mu.Lock()
	e.disabled++
	e.mu.Unlock()
	if e.behave.disablePanic {
		panic("disable exploded")
	}
	return nil
}

func (e *stubExtension) Invoke(ctx context.Context, fn string, args ...any) (any, error) {
	if e.behave.invokePanic {
		panic("invoke exploded")
	}
	switch fn {
	case "echo":
		return args, nil
	case "store":
		return nil, e.caps.Put(ctx, "entity", "k", fmt.Sprint(args...))
	}
	return nil, errors.New("unknown function " + fn)
}

type stubLoader struct {
	mu       sync.Mutex
	behave   map[string]behaviour
	loaded   map[string]*stubExtension
	attempts []string
}

func newStubLoader() *stubLoader {
	return &stubLoader{behave: map[string]behaviour{}, loaded: map[string]*stubExtension{}}
}

func (l *stubLoader) set(name string, b behaviour) {
	l.mu.Lock()
	l.behave[name] = b
	l.mu.Unlock()
}

func (l *stubLoader) Load(_ context.Context, c Candidate) (Extension, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, c.Name)
	b := l.behave[c.Name]
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	ext := &stubExtension{
		desc:   registry.Descriptor{Name: c.Manifest.Name, Version: c.Manifest.Version, Authors: c.Manifest.Authors},
		behave: b,
	}
	l.loaded[c.Name] = ext
	return ext, nil
}

func (l *stubLoader) extension(name string) *stubExtension {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[name]
}

type fixture struct {
	dir      string
	manager  *Manager
	loader   *stubLoader
	registry *registry.Registry
	store    *memStore
	clock    *testClock
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	clock := newTestClock()
	reg := registry.New(registry.WithClock(clock.Now))
	loader := newStubLoader()
	store := newMemStore()

	opts := Options{
		Directory:        dir,
		PackageExtension: ".gext",
		ContinueOnError:  true,
		MaxScanDepth:     3,
		MaxLoaded:        15,
		UnloadAfter:      30 * time.Minute,
		HostVersion:      "0.1.0",
	}
	if mutate != nil {
		mutate(&opts)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	m, err := NewManager(opts, Dependencies{
		Loader:   loader,
		Store:    store,
		Registry: reg,
		Logger:   logger,
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	return &fixture{dir: dir, manager: m, loader: loader, registry: reg, store: store, clock: clock}
}

func pendingNames(m *Manager) []string {
	var names []string
	for _, c := range m.Pending() {
		names = append(names, c.Name)
	}
	return names
}

func loadedNames(m *Manager) []string {
	var names []string
	for _, e := range m.Loaded() {
		names = append(names, e.Descriptor.Name)
	}
	return names
}
