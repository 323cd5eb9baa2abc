//go:build !(linux && amd64)

package detour

import "reflect"

func newNativeSlot(reflect.Value) (slot, error) {
	return nil, ErrUnsupported
}

const nativeSupported = false
