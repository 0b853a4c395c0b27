package extension

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanned(t *testing.T, f *fixture, names ...string) {
	t.Helper()
	for _, name := range names {
		writeSimplePackage(t, f.dir, name)
	}
	_, err := f.manager.ScanSync(context.Background())
	require.NoError(t, err)
}

func TestLoadAllRegistersInDiscoveryOrder(t *testing.T) {
	f := newFixture(t, nil)
	scanned(t, f, "b", "a", "c")

	report, err := f.manager.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, report.Loaded)
	assert.NotEmpty(t, report.BatchID)
	assert.Equal(t, []string{"a", "b", "c"}, loadedNames(f.manager))
	assert.Empty(t, f.manager.Pending())

	entry, ok := f.registry.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "a", entry.Descriptor.Namespace)
	assert.Equal(t, []string{"tester"}, entry.Descriptor.Authors)
}

func TestCeilingScenarioKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.MaxLoaded = 2 })
	scanned(t, f, "A", "B", "C")

	for _, name := range []string{"A", "B", "C"} {
		_, err := f.manager.Load(ctx, name)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	assert.Equal(t, []string{"B", "C"}, loadedNames(f.manager))
	assert.Equal(t, []string{"A"}, pendingNames(f.manager), "被上限卸载的扩展回到待加载集合")
	assert.Equal(t, 1, f.loader.extension("A").disabled)
}

func TestEnforceCeilingUnloadsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "m1", "m2", "m3", "m4", "m5")
	_, err := f.manager.LoadAll(ctx)
	require.NoError(t, err)

	// m1、m2 同时被使用，按注册顺序打破平局；m5 最近使用
	f.clock.Advance(time.Minute)
	f.manager.Touch("m3")
	f.clock.Advance(time.Minute)
	f.manager.Touch("m4")
	f.clock.Advance(time.Minute)
	f.manager.Touch("m5")

	f.manager.opts.MaxLoaded = 2
	evicted := f.manager.EnforceCeiling(ctx)
	assert.Equal(t, []string{"m1", "m2", "m3"}, evicted)
	assert.Equal(t, []string{"m4", "m5"}, loadedNames(f.manager))
	assert.Empty(t, f.manager.EnforceCeiling(ctx))
}

func TestAbortOnErrorLeavesRemainderPending(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ContinueOnError = false })
	boom := errors.New("enable failed")
	f.loader.set("y", behaviour{enableErr: boom})
	scanned(t, f, "x", "y", "z")

	report, err := f.manager.LoadAll(context.Background())
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "y", loadErr.Name)
	assert.Equal(t, "enable", loadErr.Stage)
	assert.ErrorIs(t, err, boom)

	assert.True(t, report.Aborted)
	assert.Equal(t, []string{"x"}, loadedNames(f.manager))
	assert.Equal(t, []string{"y", "z"}, pendingNames(f.manager))
	assert.Equal(t, []string{"x", "y"}, f.loader.attempts)
}

func TestContinueOnErrorLoadsTheRest(t *testing.T) {
	f := newFixture(t, nil)
	f.loader.set("y", behaviour{loadErr: errors.New("bad script")})
	scanned(t, f, "x", "y", "z")

	report, err := f.manager.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "z"}, report.Loaded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "y", report.Failed[0].Name)
	assert.Equal(t, []string{"y"}, pendingNames(f.manager), "失败的候选保留以便重试")

	f.loader.set("y", behaviour{})
	result, err := f.manager.Load(context.Background(), "y")
	require.NoError(t, err)
	assert.Equal(t, StatusLoaded, result.Status)
}

func TestIdleSweepHonoursThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "d")
	_, err := f.manager.Load(ctx, "d")
	require.NoError(t, err)

	f.clock.Advance(29 * time.Minute)
	assert.Empty(t, f.manager.SweepIdle(ctx))
	assert.Equal(t, []string{"d"}, loadedNames(f.manager))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"d"}, f.manager.SweepIdle(ctx))
	assert.Empty(t, f.manager.Loaded())
	assert.Equal(t, []string{"d"}, pendingNames(f.manager))

	result, err := f.manager.Load(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StatusLoaded, result.Status)
}

func TestCapabilityUseKeepsExtensionAlive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "busy")
	_, err := f.manager.Load(ctx, "busy")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.manager.Invoke(ctx, "busy", "store", "v")
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)

	assert.Empty(t, f.manager.SweepIdle(ctx))
	value, ok, _ := f.store.Get(ctx, "entity", "busy", "k")
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestUnloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "u")
	_, err := f.manager.Load(ctx, "u")
	require.NoError(t, err)

	ok, err := f.manager.Unload(ctx, "U")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.manager.Unload(ctx, "u")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.loader.extension("u").disabled)
}

func TestLoadAlreadyLoadedIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "once")
	_, err := f.manager.Load(ctx, "once")
	require.NoError(t, err)

	result, err := f.manager.Load(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyLoaded, result.Status)
	assert.Equal(t, []string{"once"}, f.loader.attempts)
}

func TestLoadUnknownIsNotPending(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.manager.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestPanicsAreContained(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.loader.set("p1", behaviour{enablePanic: true})
	f.loader.set("p2", behaviour{disablePanic: true, invokePanic: true})
	scanned(t, f, "p1", "p2")

	_, err := f.manager.Load(ctx, "p1")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "enable exploded")

	_, err = f.manager.Load(ctx, "p2")
	require.NoError(t, err)

	_, err = f.manager.Invoke(ctx, "p2", "echo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoke exploded")

	ok, err := f.manager.Unload(ctx, "p2")
	assert.True(t, ok)
	require.Error(t, err)
	assert.False(t, f.registry.Contains("p2"))
}

func TestInvokeRequiresLoadedExtension(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "echoer")

	_, err := f.manager.Invoke(ctx, "echoer", "echo")
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = f.manager.Load(ctx, "echoer")
	require.NoError(t, err)
	out, err := f.manager.Invoke(ctx, "echoer", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, []any{"hi"}, out)
}

func TestCapabilitiesRevokedAfterUnload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "r")
	_, err := f.manager.Load(ctx, "r")
	require.NoError(t, err)

	caps := f.loader.extension("r").caps
	require.NotNil(t, caps)
	assert.Equal(t, "r", caps.Self().Namespace)

	_, err = f.manager.Unload(ctx, "r")
	require.NoError(t, err)
	assert.ErrorIs(t, caps.Put(ctx, "e", "k", "v"), ErrRevoked)
}

func TestDescribeReportsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "one", "two")
	_, err := f.manager.Load(ctx, "one")
	require.NoError(t, err)

	desc, ok := f.manager.Describe("ONE")
	require.True(t, ok)
	assert.Equal(t, StateLoaded, desc.State)
	require.NotNil(t, desc.Entry)

	desc, ok = f.manager.Describe("two")
	require.True(t, ok)
	assert.Equal(t, StatePending, desc.State)

	_, ok = f.manager.Describe("three")
	assert.False(t, ok)
}

func TestCloseUnloadsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	scanned(t, f, "a", "b")
	_, err := f.manager.LoadAll(ctx)
	require.NoError(t, err)

	f.manager.Close(ctx)
	assert.Empty(t, f.manager.Loaded())
	assert.Empty(t, f.manager.Pending())
	_, err = f.manager.LoadAll(ctx)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.True(t, f.manager.ShuttingDown())
}

func TestNewManagerRejectsNonPositiveCeiling(t *testing.T) {
	_, err := NewManager(Options{MaxLoaded: 0}, Dependencies{Loader: newStubLoader(), Store: newMemStore(), Registry: nil})
	assert.Error(t, err)
}
