package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghast-core/ghast-core/internal/extension"
	"github.com/ghast-core/ghast-core/internal/registry"
)

func writeScriptPackage(t *testing.T, dir, name, source string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name+".gext")
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(extension.ManifestFile)
	require.NoError(t, err)
	_, err = fmt.Fprintf(w, "name: %s\nversion: 0.2.0\nauthors: [alice]\nmain: main.js\n", name)
	require.NoError(t, err)
	w, err = zw.Create("main.js")
	require.NoError(t, err)
	_, err = w.Write([]byte(source))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return p
}

func candidateFor(t *testing.T, pkgPath string) extension.Candidate {
	t.Helper()
	manifest, err := extension.ReadManifest(pkgPath)
	require.NoError(t, err)
	return extension.Candidate{Name: manifest.Name, Path: pkgPath, DiscoveredAt: time.Now(), Manifest: manifest}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type mapCaps struct {
	mu   sync.Mutex
	desc registry.Descriptor
	data map[string]string
	err  error
	// crash 让 Get 直接 panic，模拟宿主侧缺陷
	crash bool
}

func newMapCaps(name string) *mapCaps {
	return &mapCaps{
		desc: registry.Descriptor{Name: name, Version: "0.2.0", Namespace: registry.NormalizeName(name)},
		data: map[string]string{},
	}
}

func (c *mapCaps) Get(_ context.Context, entityID, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crash {
		panic("store exploded")
	}
	if c.err != nil {
		return "", false, c.err
	}
	v, ok := c.data[entityID+"/"+key]
	return v, ok, nil
}

func (c *mapCaps) Put(_ context.Context, entityID, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[entityID+"/"+key] = value
	return nil
}

func (c *mapCaps) Self() registry.Descriptor { return c.desc }

func (c *mapCaps) Logger() *logrus.Entry { return logrus.NewEntry(quietLogger()) }

func loadScript(t *testing.T, name, source string, timeout time.Duration) *Extension {
	t.Helper()
	pkg := writeScriptPackage(t, t.TempDir(), name, source)
	ext, err := NewLoader(Options{Timeout: timeout, Logger: quietLogger()}).Load(context.Background(), candidateFor(t, pkg))
	require.NoError(t, err)
	return ext.(*Extension)
}

func TestScriptRoundTripThroughCore(t *testing.T) {
	ext := loadScript(t, "Greeter", `
function onEnable() { core.put("player-1", "greeting", "hello"); }
function greet(entity) {
  var v = core.get(entity, "greeting");
  return v === null ? "missing" : v + " " + entity;
}
`, time.Second)

	caps := newMapCaps("Greeter")
	require.NoError(t, ext.Enable(context.Background(), caps))
	assert.Equal(t, "hello", caps.data["player-1/greeting"])

	got, err := ext.Invoke(context.Background(), "greet", "player-1")
	require.NoError(t, err)
	assert.Equal(t, "hello player-1", got)

	got, err = ext.Invoke(context.Background(), "greet", "player-2")
	require.NoError(t, err)
	assert.Equal(t, "missing", got)
}

func TestScriptDescriptorFromManifest(t *testing.T) {
	ext := loadScript(t, "Greeter", `function self() { return core.self().namespace; }`, time.Second)
	desc := ext.Descriptor()
	assert.Equal(t, "Greeter", desc.Name)
	assert.Equal(t, "0.2.0", desc.Version)
	assert.Equal(t, []string{"alice"}, desc.Authors)
	assert.Equal(t, "greeter", desc.Namespace)

	got, err := ext.Invoke(context.Background(), "self")
	require.NoError(t, err)
	assert.Equal(t, "greeter", got)
}

func TestScriptTimeoutInterruptsAndRecovers(t *testing.T) {
	ext := loadScript(t, "Spinner", `
function spin() { while (true) {} }
function ok() { return 1; }
`, 100*time.Millisecond)

	_, err := ext.Invoke(context.Background(), "spin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "期望超时错误, got %v", err)

	got, err := ext.Invoke(context.Background(), "ok")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}

func TestScriptLogPanicLevelDoesNotPoisonRuntime(t *testing.T) {
	ext := loadScript(t, "Loud", `
function boom() { core.log("panic", "x"); return "logged"; }
function ok() { return 1; }
`, 200*time.Millisecond)
	require.NoError(t, ext.Enable(context.Background(), newMapCaps("Loud")))

	got, err := ext.Invoke(context.Background(), "boom")
	require.NoError(t, err)
	assert.Equal(t, "logged", got)

	// 超过预算后看门狗不能残留中断
	time.Sleep(400 * time.Millisecond)
	got, err = ext.Invoke(context.Background(), "ok")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}

func TestScriptHostPanicRecoversRuntime(t *testing.T) {
	ext := loadScript(t, "Fragile", `
function read() { return core.get("e", "k"); }
function ok() { return 1; }
`, 200*time.Millisecond)
	caps := newMapCaps("Fragile")
	caps.crash = true
	require.NoError(t, ext.Enable(context.Background(), caps))

	_, err := ext.Invoke(context.Background(), "read")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store exploded")

	time.Sleep(400 * time.Millisecond)
	got, err := ext.Invoke(context.Background(), "ok")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}

func TestScriptContextCancellation(t *testing.T) {
	ext := loadScript(t, "Spinner", `function spin() { while (true) {} }`, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ext.Invoke(ctx, "spin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestScriptUnknownFunction(t *testing.T) {
	ext := loadScript(t, "Empty", `var x = 1;`, time.Second)
	_, err := ext.Invoke(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not defined")
}

func TestScriptSyntaxErrorFailsLoad(t *testing.T) {
	pkg := writeScriptPackage(t, t.TempDir(), "Broken", `function (`)
	_, err := NewLoader(Options{Logger: quietLogger()}).Load(context.Background(), candidateFor(t, pkg))
	require.Error(t, err)
}

func TestScriptCoreUnavailableBeforeEnable(t *testing.T) {
	pkg := writeScriptPackage(t, t.TempDir(), "Eager", `core.put("e", "k", "v");`)
	_, err := NewLoader(Options{Logger: quietLogger()}).Load(context.Background(), candidateFor(t, pkg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only available while the extension is enabled")
}

func TestScriptStoreErrorBecomesException(t *testing.T) {
	ext := loadScript(t, "Careful", `
function tryPut() {
  try { core.put("e", "k", "v"); return "stored"; } catch (e) { return "failed"; }
}
`, time.Second)
	caps := newMapCaps("Careful")
	caps.err = errors.New("database down")
	require.NoError(t, ext.Enable(context.Background(), caps))

	got, err := ext.Invoke(context.Background(), "tryPut")
	require.NoError(t, err)
	assert.Equal(t, "failed", got)
}

func TestScriptDisableHook(t *testing.T) {
	ext := loadScript(t, "Tidy", `function onDisable() { core.put("e", "bye", "1"); }`, time.Second)
	caps := newMapCaps("Tidy")
	require.NoError(t, ext.Enable(context.Background(), caps))
	require.NoError(t, ext.Disable(context.Background()))
	assert.Equal(t, "1", caps.data["e/bye"])

	_, err := ext.Invoke(context.Background(), "onDisable")
	require.Error(t, err, "禁用后 core 不可用")
}

func TestScriptEnableErrorPropagates(t *testing.T) {
	ext := loadScript(t, "Angry", `function onEnable() { throw new Error("nope"); }`, time.Second)
	err := ext.Enable(context.Background(), newMapCaps("Angry"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
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

func TestScriptLoaderWithManager(t *testing.T) {
	dir := t.TempDir()
	writeScriptPackage(t, dir, "Counter", `
function bump(entity) {
  var n = parseInt(core.get(entity, "count") || "0", 10) + 1;
  core.put(entity, "count", String(n));
  return n;
}
function onDisable() { core.put("zombie-7", "bye", "1"); }
`)
	store := &memStore{data: map[string]string{}}
	m, err := extension.NewManager(extension.Options{
		Directory:        dir,
		PackageExtension: ".gext",
		ContinueOnError:  true,
		MaxLoaded:        2,
	}, extension.Dependencies{
		Loader:   NewLoader(Options{Timeout: time.Second, Logger: quietLogger()}),
		Store:    store,
		Registry: registry.New(),
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	_, err = m.ScanSync(context.Background())
	require.NoError(t, err)
	report, err := m.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Counter"}, report.Loaded)

	for i := 1; i <= 3; i++ {
		got, err := m.Invoke(context.Background(), "counter", "bump", "zombie-7")
		require.NoError(t, err)
		assert.EqualValues(t, i, got)
	}
	assert.Equal(t, "3", store.data["zombie-7/counter/count"])

	unloaded, err := m.Unload(context.Background(), "Counter")
	require.NoError(t, err)
	assert.True(t, unloaded)
	assert.Equal(t, "1", store.data["zombie-7/counter/bye"])
}
