package hookctx

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/owner"
)

// track records d in the ownership table. Ownerless detours are left to
// whoever created them.
func (i *Instance) track(d *detour.Detour) {
	if d.Owner() == owner.None {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.owned[d.Owner()] = append(i.owned[d.Owner()], d)
}

func (i *Instance) untrack(d *detour.Detour) {
	i.mu.Lock()
	defer i.mu.Unlock()
	recs := slices.DeleteFunc(i.owned[d.Owner()], func(r *detour.Detour) bool { return r == d })
	if len(recs) == 0 {
		delete(i.owned, d.Owner())
		return
	}
	i.owned[d.Owner()] = recs
}

// Owned lists the active detours attributed to o, oldest first.
func (i *Instance) Owned(o owner.ID) []*detour.Detour {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.owned[o])
}

// moduleUnloading removes everything mod owns: its endpoints first, then
// every detour in the ownership table, newest first. Each step runs even if
// an earlier one failed.
func (i *Instance) moduleUnloading(mod *host.Module) error {
	id := owner.ID(mod.Name)
	var errs []error

	if err := guard(func() error { return i.endpoints.RemoveAllOwnedBy(id) }); err != nil {
		errs = append(errs, fmt.Errorf("remove endpoints: %w", err))
	}

	i.mu.Lock()
	recs := i.owned[id]
	delete(i.owned, id)
	delete(i.hosted, mod.Name)
	i.mu.Unlock()

	for j := len(recs) - 1; j >= 0; j-- {
		if err := guard(recs[j].Dispose); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", recs[j], err))
		}
	}

	for _, u := range i.upgraders {
		if err := guard(func() error { return u.Unload(mod) }); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.Name(), err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		i.log.Error("module cleanup failed", "module", mod.Name, "error", err)
		return err
	}
	if len(recs) > 0 {
		i.log.Debug("module cleaned up", "module", mod.Name, "detours", len(recs))
	}
	return nil
}
