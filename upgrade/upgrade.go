// Package upgrade adapts modules written against older, untracked patching
// facilities so their patches are tracked and cleaned up like any other.
package upgrade

import (
	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/host"
)

// Upgrader is notified of module loads and unloads. late is true for modules
// that were already loaded when the upgrader started.
type Upgrader interface {
	Name() string
	Load(mod *host.Module, late bool) error
	Unload(mod *host.Module) error
}

// Patcher installs detours. *detour.Engine implements it.
type Patcher interface {
	Install(target host.MethodID, replacement any, opts ...detour.Option) (*detour.Detour, error)
	Hook(target host.MethodID, hook any, opts ...detour.Option) (*detour.Detour, error)
}
