package detour

import (
	"fmt"
	"reflect"
)

// nativeSlot redirects a compiled function by writing a JMP over its entry.
// The original body lives on in a relocated clone.
type nativeSlot struct {
	fn    reflect.Value
	code  []byte
	clone *clonedFunc
}

func newNativeSlot(fn reflect.Value) (slot, error) {
	code, err := funcSlice(fn)
	if err != nil {
		return nil, err
	}
	if len(code) < jumpSize {
		return nil, fmt.Errorf("function body too small to patch (%d bytes)", len(code))
	}

	clone, err := cloneFunc(fn.Type(), code)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}

	return &nativeSlot{fn: fn, code: code, clone: clone}, nil
}

func (s *nativeSlot) Type() reflect.Type { return s.fn.Type() }

func (s *nativeSlot) Original() reflect.Value { return s.clone.fn }

func (s *nativeSlot) Fallback() reflect.Value { return s.fn }

func (s *nativeSlot) Redirect(fn reflect.Value) error {
	dest := fn.Pointer()
	return patchCode(s.code, func(buf []byte) error {
		return insertJump(buf, dest)
	})
}

func (s *nativeSlot) Restore() error {
	err := patchCode(s.code, func(buf []byte) error {
		copy(buf, s.clone.originalCode)
		return nil
	})
	if err != nil {
		return err
	}
	return s.clone.Free()
}

const nativeSupported = true
