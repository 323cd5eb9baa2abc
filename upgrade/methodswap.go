package upgrade

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/internal/log"
	"github.com/pboyd/hookctx/owner"
)

type swapFunc = func(target, injection host.MethodID) error

// swap is one upgraded host.SwapMethods call. The target runs the injection
// and the injection slot, which legacy code calls to reach the original,
// runs the target's trampoline.
type swap struct {
	target, injection host.MethodID
	toInjection       *detour.Detour
	toOriginal        *detour.Detour
}

func (s *swap) same(target, injection host.MethodID) bool {
	return (s.target == target && s.injection == injection) ||
		(s.target == injection && s.injection == target)
}

func (s *swap) undo() error {
	return errors.Join(s.toOriginal.Dispose(), s.toInjection.Dispose())
}

// MethodSwap turns raw method swaps issued by legacy modules into tracked
// detours owned by the issuing module. Swapping the same pair again, which is
// how legacy modules revert, undoes the upgraded swap.
type MethodSwap struct {
	host      *host.Host
	patcher   Patcher
	isLegacy  func(name string) bool
	internals owner.Internals
	log       *slog.Logger

	mu     sync.Mutex
	hook   *detour.Detour
	loaded map[string]bool
	swaps  map[owner.ID][]*swap
}

// NewMethodSwap upgrades the swaps of every module isLegacy accepts.
// internals are packages to see through when looking for the module that
// issued a swap, in addition to this package and host.
func NewMethodSwap(h *host.Host, p Patcher, isLegacy func(name string) bool, internals ...string) *MethodSwap {
	return &MethodSwap{
		host:     h,
		patcher:  p,
		isLegacy: isLegacy,
		internals: owner.NewInternals(internals...).Add(
			owner.PackageOfFunc(NewMethodSwap),
			owner.PackageOfFunc(host.New),
			owner.PackageOfFunc(detour.NewEngine),
		),
		log:    log.WithComponent("upgrade"),
		loaded: make(map[string]bool),
		swaps:  make(map[owner.ID][]*swap),
	}
}

func (u *MethodSwap) Name() string { return "method-swap" }

func (u *MethodSwap) Load(mod *host.Module, late bool) error {
	if !u.isLegacy(mod.Name) {
		return nil
	}

	u.mu.Lock()
	u.loaded[mod.Name] = true
	hooked := u.hook != nil
	u.mu.Unlock()

	if late {
		u.log.Warn("legacy module loaded before the upgrader, earlier swaps stay untracked", "module", mod.Name)
	}
	if hooked {
		return nil
	}

	d, err := u.patcher.Hook(host.SwapMethodsID, u.swap, detour.Ownerless())
	if err != nil {
		return fmt.Errorf("upgrade %s: %w", mod.Name, err)
	}

	u.mu.Lock()
	u.hook = d
	u.mu.Unlock()
	u.log.Info("upgrading method swaps", "module", mod.Name)
	return nil
}

// Unload undoes every swap the module made. The swap hook goes away with the
// last legacy module.
func (u *MethodSwap) Unload(mod *host.Module) error {
	u.mu.Lock()
	if !u.loaded[mod.Name] {
		u.mu.Unlock()
		return nil
	}
	delete(u.loaded, mod.Name)
	swaps := u.swaps[owner.ID(mod.Name)]
	delete(u.swaps, owner.ID(mod.Name))

	var hook *detour.Detour
	if len(u.loaded) == 0 {
		hook, u.hook = u.hook, nil
	}
	u.mu.Unlock()

	var errs []error
	for i := len(swaps) - 1; i >= 0; i-- {
		errs = append(errs, swaps[i].undo())
	}
	if hook != nil {
		errs = append(errs, hook.Dispose())
	}
	return errors.Join(errs...)
}

// Swaps lists the upgraded swaps of a module as target/injection pairs.
func (u *MethodSwap) Swaps(id owner.ID) [][2]host.MethodID {
	u.mu.Lock()
	defer u.mu.Unlock()
	pairs := make([][2]host.MethodID, 0, len(u.swaps[id]))
	for _, s := range u.swaps[id] {
		pairs = append(pairs, [2]host.MethodID{s.target, s.injection})
	}
	return pairs
}

func (u *MethodSwap) swap(orig swapFunc, target, injection host.MethodID) error {
	id := owner.Caller(u.internals, u.host)

	u.mu.Lock()
	legacy := id != owner.None && u.loaded[string(id)]
	u.mu.Unlock()
	if !legacy {
		return orig(target, injection)
	}

	if u.revert(id, target, injection) {
		u.log.Debug("reverted upgraded swap", "module", id, "target", target, "injection", injection)
		return nil
	}

	inj, err := u.host.Methods.Lookup(injection)
	if err != nil {
		return err
	}

	toInjection, err := u.patcher.Install(target, inj.Current().Interface(), detour.WithOwner(id))
	if err != nil {
		return fmt.Errorf("upgrade swap %s: %w", target, err)
	}
	tramp, err := toInjection.GenerateTrampoline(nil)
	if err != nil {
		toInjection.Dispose()
		return fmt.Errorf("upgrade swap %s: %w", target, err)
	}
	toOriginal, err := u.patcher.Install(injection, tramp.Interface(), detour.WithOwner(id))
	if err != nil {
		toInjection.Dispose()
		return fmt.Errorf("upgrade swap %s: %w", injection, err)
	}

	u.mu.Lock()
	u.swaps[id] = append(u.swaps[id], &swap{
		target:      target,
		injection:   injection,
		toInjection: toInjection,
		toOriginal:  toOriginal,
	})
	u.mu.Unlock()

	u.log.Info("upgraded method swap", "module", id, "target", target, "injection", injection)
	return nil
}

func (u *MethodSwap) revert(id owner.ID, target, injection host.MethodID) bool {
	u.mu.Lock()
	swaps := u.swaps[id]
	idx := -1
	for i := len(swaps) - 1; i >= 0; i-- {
		if swaps[i].same(target, injection) {
			idx = i
			break
		}
	}
	if idx < 0 {
		u.mu.Unlock()
		return false
	}
	s := swaps[idx]
	u.swaps[id] = append(swaps[:idx:idx], swaps[idx+1:]...)
	u.mu.Unlock()

	if err := s.undo(); err != nil {
		u.log.Error("reverting upgraded swap", "module", id, "error", err)
	}
	return true
}
