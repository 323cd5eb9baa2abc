package detour

import (
	"errors"
	"fmt"
)

var (
	ErrNotFunc           = errors.New("not a function")
	ErrSignatureMismatch = errors.New("function signatures do not match")
	ErrAlreadyUndone     = errors.New("detour already undone")
	ErrAlreadyPatched    = errors.New("target already patched")
	ErrUnsupported       = errors.New("native detours are not supported on this platform")

	// ErrUnreachable is returned for a forwarded detour when no instance
	// accepts the forwarded operation any more.
	ErrUnreachable = errors.New("detour is held by an unreachable instance")
)

// TargetNotFoundError reports a target that does not resolve.
type TargetNotFoundError struct {
	Target string
	Err    error
}

func (e *TargetNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("target not found: %s: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("target not found: %s", e.Target)
}

func (e *TargetNotFoundError) Unwrap() error {
	return e.Err
}
