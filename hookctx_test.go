package hookctx_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hookctx"
	"github.com/pboyd/hookctx/config"
	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/internal/log"
	"github.com/pboyd/hookctx/owner"
)

const testPackage = "github.com/pboyd/hookctx_test"

var quiet = log.New(io.Discard, "info")

func newInstance(t *testing.T, h *host.Host, cfg config.Config) *hookctx.Instance {
	t.Helper()
	mod := &host.Module{Name: "hookctx-plugin", Path: "example.com/hookctx-plugin"}
	require.NoError(t, h.Load(mod))

	i, err := hookctx.New("hookctx", "1.0.0", h,
		hookctx.WithRegistry(hookctx.NewRegistry()),
		hookctx.WithConfig(cfg),
		hookctx.WithLogger(quiet),
	)
	require.NoError(t, err)
	require.NoError(t, i.Init(mod))
	return i
}

func TestInstall_AttributedToCaller(t *testing.T) {
	h := host.New()
	value := func() int { return 1 }
	_, err := h.Methods.Define("Value", &value)
	require.NoError(t, err)

	i := newInstance(t, h, config.Default())
	require.NoError(t, h.Load(&host.Module{Name: "tests", Path: testPackage}))

	d, err := i.Install("Value", func() int { return 2 })
	require.NoError(t, err)
	assert.Equal(t, owner.ID("tests"), d.Owner())
	assert.Equal(t, 2, value())

	require.NoError(t, h.Unload("tests"))
	assert.Equal(t, detour.Undone, d.State())
	assert.Equal(t, 1, value())
}

func TestInstall_StackAttributionDisabled(t *testing.T) {
	h := host.New()
	value := func() int { return 1 }
	_, err := h.Methods.Define("Value", &value)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.StackAttribution = false
	i := newInstance(t, h, cfg)
	require.NoError(t, h.Load(&host.Module{Name: "tests", Path: testPackage}))

	d, err := i.Install("Value", func() int { return 2 })
	require.NoError(t, err)
	assert.Equal(t, owner.None, d.Owner())

	require.NoError(t, h.Unload("tests"))
	assert.Equal(t, 2, value())
	require.NoError(t, d.Dispose())
}

func TestInstall_Exclusive(t *testing.T) {
	h := host.New()
	value := func() int { return 1 }
	_, err := h.Methods.Define("Value", &value)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.ExclusivePatching = true
	i := newInstance(t, h, cfg)

	d, err := i.Install("Value", func() int { return 2 }, detour.Ownerless())
	require.NoError(t, err)
	_, err = i.Install("Value", func() int { return 3 }, detour.Ownerless())
	assert.ErrorIs(t, err, detour.ErrAlreadyPatched)
	require.NoError(t, d.Undo())
}

func TestLegacySwapsAreUpgraded(t *testing.T) {
	h := host.New()
	a := func() string { return "a" }
	b := func() string { return "b" }
	_, err := h.Methods.Define("A", &a)
	require.NoError(t, err)
	_, err = h.Methods.Define("B", &b)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.UpgradeLegacySwaps = true
	cfg.LegacyModules = []string{"Legacy"}
	i := newInstance(t, h, cfg)

	require.NoError(t, h.Load(&host.Module{Name: "Legacy", Path: testPackage}))
	require.NoError(t, h.SwapMethods("A", "B"))
	assert.Equal(t, "b", a())
	assert.Equal(t, "a", b())
	assert.Len(t, i.Owned("Legacy"), 2)

	require.NoError(t, h.Unload("Legacy"))
	assert.Equal(t, "a", a())
	assert.Equal(t, "b", b())
	assert.Empty(t, i.Owned("Legacy"))
	assert.Empty(t, i.Engine().Chains())
}
