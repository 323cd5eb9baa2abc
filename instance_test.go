package hookctx

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hookctx/config"
	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/endpoint"
	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/internal/log"
	"github.com/pboyd/hookctx/owner"
)

var quiet = log.New(io.Discard, "debug")

type scoreFunc func(n int) int

type world struct {
	host     *host.Host
	registry *Registry
	score    *scoreFunc
}

func newWorld(t *testing.T) *world {
	t.Helper()
	h := host.New()
	score := scoreFunc(func(n int) int { return n })
	_, err := h.Methods.Define("Game.Score", &score)
	require.NoError(t, err)
	return &world{host: h, registry: NewRegistry(), score: &score}
}

func (w *world) instance(t *testing.T, name, version string, opts ...Option) *Instance {
	t.Helper()
	opts = append([]Option{WithRegistry(w.registry), WithConfig(config.Default()), WithLogger(quiet)}, opts...)
	i, err := New(name, version, w.host, opts...)
	require.NoError(t, err)
	return i
}

// load loads a plugin module the way the host does, which signals every
// initialized instance.
func (w *world) load(t *testing.T, name string) *host.Module {
	t.Helper()
	mod := &host.Module{Name: name, Version: "1.0.0", Path: "example.com/" + name}
	require.NoError(t, w.host.Load(mod))
	return mod
}

// start loads a plugin bundling its own copy of the library and initializes
// that copy.
func (w *world) start(t *testing.T, name, version string, opts ...Option) *Instance {
	t.Helper()
	mod := w.load(t, name+"-plugin")
	i := w.instance(t, name, version, opts...)
	require.NoError(t, i.Init(mod))
	return i
}

func double(orig scoreFunc, n int) int {
	return orig(n) * 2
}

func plusOne(orig scoreFunc, n int) int {
	return orig(n) + 1
}

func TestNew_InvalidVersion(t *testing.T) {
	w := newWorld(t)
	_, err := New("hookctx", "banana", w.host, WithRegistry(w.registry), WithLogger(quiet))
	assert.ErrorIs(t, err, ErrInvalidVersion)
	assert.Empty(t, w.registry.Peers())
}

func TestNew_ConfigFallback(t *testing.T) {
	w := newWorld(t)
	i, err := New("hookctx", "1.0.0", w.host, WithRegistry(w.registry), WithLogger(quiet), WithConfigPath(t.TempDir()+"/missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), i.Config())
}

func TestInit_Twice(t *testing.T) {
	w := newWorld(t)
	mod := w.load(t, "plugin")
	i := w.instance(t, "hookctx", "1.0.0")

	require.NoError(t, i.Init(mod))
	assert.True(t, i.Initialized())
	assert.ErrorIs(t, i.Init(mod), ErrAlreadyInitialized)
}

func TestInstall_SelfSufficient(t *testing.T) {
	w := newWorld(t)
	i := w.start(t, "hookctx", "1.0.0")

	d, err := i.Install("Game.Score", scoreFunc(func(n int) int { return n + 100 }), detour.WithOwner("hookctx-plugin"))
	require.NoError(t, err)
	assert.Equal(t, Leader, i.Role())
	assert.False(t, d.Forwarded())
	assert.Equal(t, 101, (*w.score)(1))
	assert.Equal(t, []*detour.Detour{d}, i.Owned("hookctx-plugin"))

	require.NoError(t, d.Undo())
	assert.Equal(t, 1, (*w.score)(1))
	assert.Empty(t, i.Owned("hookctx-plugin"))
}

func TestFollowerInstall(t *testing.T) {
	w := newWorld(t)
	leader := w.start(t, "hookctx_new", "2.0.0")
	follower := w.start(t, "hookctx_old", "1.0.0")

	_, err := leader.Install("Game.Score", scoreFunc(func(n int) int { return n + 1 }), detour.Ownerless())
	require.NoError(t, err)
	require.Equal(t, Leader, leader.Role())

	d, err := follower.Hook("Game.Score", double, detour.WithOwner("hookctx_old-plugin"))
	require.NoError(t, err)
	assert.Equal(t, Follower, follower.Role())
	assert.Same(t, leader, follower.Leader())

	// Same result as hooking on the leader directly.
	assert.Equal(t, 4, (*w.score)(1))
	assert.True(t, d.Forwarded())
	assert.Empty(t, follower.Engine().Chains())
	assert.Len(t, leader.Engine().Detours("Game.Score"), 2)
	assert.Equal(t, []*detour.Detour{d}, follower.Owned("hookctx_old-plugin"))
	assert.Empty(t, leader.Owned("hookctx_old-plugin"))

	tramp, err := detour.Trampoline[scoreFunc](d)
	require.NoError(t, err)
	assert.Equal(t, 2, tramp(1))

	require.NoError(t, d.Undo())
	assert.Equal(t, 2, (*w.score)(1))
	assert.Len(t, leader.Engine().Detours("Game.Score"), 1)
	assert.Empty(t, follower.Owned("hookctx_old-plugin"))
}

func TestFollowerEndpoints(t *testing.T) {
	w := newWorld(t)
	leader := w.start(t, "hookctx_new", "2.0.0")
	follower := w.start(t, "hookctx_old", "1.0.0")
	leader.ensureElected()

	require.NoError(t, follower.Add("Game.Score", double, endpoint.WithOwner("plugin")))
	require.NoError(t, follower.Modify("Game.Score", func(orig scoreFunc) scoreFunc {
		return func(n int) int { return orig(n) + 1 }
	}, endpoint.WithOwner("plugin")))
	assert.Equal(t, 5, (*w.score)(2))
	assert.Empty(t, follower.Endpoints().Entries())
	assert.Len(t, leader.Endpoints().Entries(), 2)

	require.NoError(t, follower.Remove("Game.Score", double))
	assert.Equal(t, 3, (*w.score)(2))
	assert.ErrorIs(t, follower.Remove("Game.Score", double), endpoint.ErrNotFound)
}

func TestUpgrade_IncompatibleProtocol(t *testing.T) {
	w := newWorld(t)
	a := w.start(t, "hookctx_a", "1.0.0")
	b := w.start(t, "hookctx_b", "2.0.0")

	// Loading b's plugin made a elect itself before b existed.
	require.Equal(t, Leader, a.Role())

	assert.ErrorIs(t, a.Upgrade(b, &Handlers{Protocol: MinProtocol - 1}), ErrIncompatibleProtocol)
	assert.ErrorIs(t, a.Upgrade(b, nil), ErrIncompatibleProtocol)
	assert.Equal(t, Leader, a.Role())
	assert.Nil(t, a.Leader())
}

func TestLeaderDisposed(t *testing.T) {
	w := newWorld(t)
	leader := w.start(t, "hookctx_new", "2.0.0")
	follower := w.start(t, "hookctx_old", "1.0.0")
	leader.ensureElected()

	d, err := follower.Install("Game.Score", scoreFunc(func(n int) int { return -n }), detour.Ownerless())
	require.NoError(t, err)
	assert.Equal(t, -3, (*w.score)(3))

	require.NoError(t, leader.Dispose())
	assert.Equal(t, 3, (*w.score)(3))
	assert.Equal(t, []Peer{follower}, w.registry.Peers())

	assert.ErrorIs(t, d.Undo(), detour.ErrUnreachable)

	// New work stays local.
	local, err := follower.Install("Game.Score", scoreFunc(func(n int) int { return n * 10 }), detour.Ownerless())
	require.NoError(t, err)
	assert.False(t, local.Forwarded())
	assert.Equal(t, 30, (*w.score)(3))
	require.NoError(t, local.Undo())
}

func TestDispose_LeaderTornDownLast(t *testing.T) {
	w := newWorld(t)
	leader := w.start(t, "hookctx_new", "2.0.0")
	follower := w.start(t, "hookctx_old", "1.0.0")
	leader.ensureElected()

	// Owned by a module that is never unloaded, so only teardown removes it.
	_, err := follower.Install("Game.Score", scoreFunc(func(n int) int { return -n }), detour.WithOwner("ghost"))
	require.NoError(t, err)

	var leaderAlive bool
	w.host.OnUnloadAll(host.PriorityDefault, func() error {
		leaderAlive = !leader.isDisposed()
		return nil
	})

	require.NoError(t, w.host.UnloadAll())
	assert.True(t, leaderAlive)
	assert.Equal(t, 3, (*w.score)(3))
	assert.Empty(t, w.registry.Peers())
	assert.Empty(t, leader.Engine().Chains())
}

func TestDispose_Idempotent(t *testing.T) {
	w := newWorld(t)
	i := w.start(t, "hookctx", "1.0.0")
	_, err := i.Install("Game.Score", scoreFunc(func(n int) int { return 0 }), detour.Ownerless())
	require.NoError(t, err)

	require.NoError(t, i.Dispose())
	require.NoError(t, i.Dispose())
	assert.Equal(t, 7, (*w.score)(7))
	assert.False(t, i.Initialized())
	assert.ErrorIs(t, i.Init(&host.Module{Name: "late"}), ErrDisposed)
}

func TestModuleResolution(t *testing.T) {
	h := host.New(host.WithResources(map[string][]byte{"host.embedded.Shared.so": []byte("shared")}))
	reg := NewRegistry()
	i, err := New("hookctx", "1.0.0", h, WithRegistry(reg), WithConfig(config.Default()), WithLogger(quiet))
	require.NoError(t, err)

	mod := &host.Module{Name: "plugin", Path: "example.com/plugin"}
	require.NoError(t, h.Load(mod))
	require.NoError(t, i.Init(mod))

	def, err := i.Modules().Resolve("Shared")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "embedded", def.Source)

	// The instance's resolver lets the host satisfy references.
	require.NoError(t, h.Load(&host.Module{Name: "needs-shared", References: []string{"Shared"}}))
	err = h.Load(&host.Module{Name: "needs-missing", References: []string{"Missing"}})
	assert.ErrorIs(t, err, host.ErrMissingDependency)
}

func TestLogsAtConfiguredLevel(t *testing.T) {
	w := newWorld(t)
	mod := w.load(t, "plugin")

	var buf bytes.Buffer
	log.Set(log.New(&buf, "debug"))
	t.Cleanup(func() { log.Set(nil) })

	cfg := config.Default()
	cfg.LogLevel = "error"
	i, err := New("hookctx", "1.0.0", w.host, WithRegistry(w.registry), WithConfig(cfg))
	require.NoError(t, err)
	require.NoError(t, i.Init(mod))
	assert.Zero(t, buf.Len())
}

func TestForwardedOwnerMatchesCaller(t *testing.T) {
	w := newWorld(t)
	leader := w.start(t, "hookctx_new", "2.0.0")
	follower := w.start(t, "hookctx_old", "1.0.0")
	leader.ensureElected()

	var seen []owner.ID
	leader.Engine().OnInstalled(func(d *detour.Detour) { seen = append(seen, d.Owner()) })

	d, err := follower.Install("Game.Score", scoreFunc(func(n int) int { return n }), detour.WithOwner("mod"))
	require.NoError(t, err)
	assert.Equal(t, owner.ID("mod"), d.Owner())
	// The leader's copy is created on the follower's behalf and is not
	// reported or owned on the leader.
	assert.Empty(t, seen)
	require.NoError(t, d.Dispose())
	assert.ErrorIs(t, d.Undo(), detour.ErrAlreadyUndone)
}
