package upgrade_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/owner"
	"github.com/pboyd/hookctx/upgrade"
)

const testPackage = "github.com/pboyd/hookctx/upgrade_test"

type fixture struct {
	host   *host.Host
	engine *detour.Engine
	a, b   *func() string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := host.New()
	a := func() string { return "a" }
	b := func() string { return "b" }
	_, err := h.Methods.Define("A", &a)
	require.NoError(t, err)
	_, err = h.Methods.Define("B", &b)
	require.NoError(t, err)

	return &fixture{
		host:   h,
		engine: detour.NewEngine(h.Methods, detour.WithResolver(h)),
		a:      &a,
		b:      &b,
	}
}

func (f *fixture) calls() [2]string {
	return [2]string{(*f.a)(), (*f.b)()}
}

func legacy(names ...string) func(string) bool {
	return func(name string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}
}

func TestMethodSwap_Upgrades(t *testing.T) {
	f := newFixture(t)
	u := upgrade.NewMethodSwap(f.host, f.engine, legacy("Legacy"))
	assert.Equal(t, "method-swap", u.Name())

	mod := &host.Module{Name: "Legacy", Path: testPackage}
	require.NoError(t, f.host.Load(mod))
	require.NoError(t, u.Load(mod, false))

	require.NoError(t, f.host.SwapMethods("A", "B"))
	assert.Equal(t, [2]string{"b", "a"}, f.calls())
	assert.Equal(t, [][2]host.MethodID{{"A", "B"}}, u.Swaps("Legacy"))

	detours := f.engine.Detours("A")
	require.Len(t, detours, 1)
	assert.Equal(t, owner.ID("Legacy"), detours[0].Owner())

	require.NoError(t, u.Unload(mod))
	assert.Equal(t, [2]string{"a", "b"}, f.calls())
	assert.Empty(t, u.Swaps("Legacy"))
	assert.Empty(t, f.engine.Chains())
}

func TestMethodSwap_SwapBackReverts(t *testing.T) {
	f := newFixture(t)
	u := upgrade.NewMethodSwap(f.host, f.engine, legacy("Legacy"))

	mod := &host.Module{Name: "Legacy", Path: testPackage}
	require.NoError(t, f.host.Load(mod))
	require.NoError(t, u.Load(mod, true))

	require.NoError(t, f.host.SwapMethods("A", "B"))
	require.NoError(t, f.host.SwapMethods("B", "A"))
	assert.Equal(t, [2]string{"a", "b"}, f.calls())
	assert.Empty(t, u.Swaps("Legacy"))
	assert.Empty(t, f.engine.Detours("A"))

	require.NoError(t, u.Unload(mod))
}

func TestMethodSwap_OtherCallersFallThrough(t *testing.T) {
	f := newFixture(t)
	u := upgrade.NewMethodSwap(f.host, f.engine, legacy("Legacy"))

	// The legacy module lives elsewhere, so swaps from this package are
	// not attributed to it.
	mod := &host.Module{Name: "Legacy", Path: "example.com/legacy"}
	require.NoError(t, f.host.Load(mod))
	require.NoError(t, u.Load(mod, false))

	require.NoError(t, f.host.SwapMethods("A", "B"))
	assert.Equal(t, [2]string{"b", "a"}, f.calls())
	assert.Empty(t, f.engine.Detours("A"))

	require.NoError(t, f.host.SwapMethods("A", "B"))
	assert.Equal(t, [2]string{"a", "b"}, f.calls())
	require.NoError(t, u.Unload(mod))
	assert.Empty(t, f.engine.Chains())
}

func TestMethodSwap_IgnoresModernModules(t *testing.T) {
	f := newFixture(t)
	u := upgrade.NewMethodSwap(f.host, f.engine, legacy("Legacy"))

	mod := &host.Module{Name: "Modern", Path: testPackage}
	require.NoError(t, f.host.Load(mod))
	require.NoError(t, u.Load(mod, false))
	assert.Empty(t, f.engine.Chains())

	require.NoError(t, f.host.SwapMethods("A", "B"))
	assert.Equal(t, [2]string{"b", "a"}, f.calls())
	assert.NoError(t, u.Unload(mod))
}

func TestMethodSwap_MissingInjection(t *testing.T) {
	f := newFixture(t)
	u := upgrade.NewMethodSwap(f.host, f.engine, legacy("Legacy"))

	mod := &host.Module{Name: "Legacy", Path: testPackage}
	require.NoError(t, f.host.Load(mod))
	require.NoError(t, u.Load(mod, false))

	assert.ErrorIs(t, f.host.SwapMethods("A", "Missing"), host.ErrMethodNotFound)
	assert.Equal(t, [2]string{"a", "b"}, f.calls())
	require.NoError(t, u.Unload(mod))
}
