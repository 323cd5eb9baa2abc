package detour

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func double(x int) int {
	return x * 2
}

func plusHundred(x int) int {
	return x + 100
}

func plusThousand(x int) int {
	return x + 1000
}

func TestInstallNative(t *testing.T) {
	assert := assert.New(t)
	e := NewEngine(nil)

	first, err := e.InstallNative(double, plusHundred, Ownerless())
	require.NoError(t, err)
	assert.Equal(Native, first.Kind())
	assert.Contains(string(first.Target()), "double")
	assert.Equal(103, double(3))

	orig, err := Trampoline[func(int) int](first)
	require.NoError(t, err)
	assert.Equal(6, orig(3))

	second, err := e.InstallNative(double, plusThousand, Ownerless())
	require.NoError(t, err)
	assert.Equal(1003, double(3))

	next, err := Trampoline[func(int) int](second)
	require.NoError(t, err)
	assert.Equal(103, next(3))

	require.NoError(t, first.Undo())
	assert.Equal(1003, double(3))
	assert.Equal(6, next(3))

	require.NoError(t, second.Undo())
	assert.Equal(6, double(3))
	assert.Empty(e.Chains())
}

//go:noinline
func triple(x int) int {
	return x * 3
}

func TestInstallNative_Conflicts(t *testing.T) {
	e := NewEngine(nil)
	d, err := e.InstallNative(triple, plusHundred, Ownerless())
	require.NoError(t, err)
	defer d.Undo()

	_, err = e.InstallNative(plusHundred, plusThousand, Ownerless())
	assert.ErrorIs(t, err, ErrAlreadyPatched)

	_, err = e.InstallNative(triple, triple, Ownerless())
	assert.ErrorIs(t, err, ErrAlreadyPatched)

	_, err = NewEngine(nil).InstallNative(triple, plusThousand, Ownerless())
	assert.ErrorIs(t, err, ErrAlreadyPatched)

	_, err = e.InstallNative(triple, func(string) int { return 0 }, Ownerless())
	assert.ErrorIs(t, err, ErrSignatureMismatch)

	_, err = e.InstallNative("triple", plusThousand, Ownerless())
	var notFound *TargetNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRelocateFunc_Jump(t *testing.T) {
	code, err := funcSlice(reflect.ValueOf(double))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(code), jumpSize)

	listing, err := disassemble(code)
	require.NoError(t, err)
	assert.NotEmpty(t, listing)
}

func TestCloneFunc_RelocationFailureFreesMemory(t *testing.T) {
	// A CALL rel32 cut short after its first displacement byte.
	truncated := []byte{opcodeCALLrel, 0x00}
	typ := reflect.TypeOf(double)

	_, err := cloneFunc(typ, truncated)
	require.Error(t, err)
	require.NotNil(t, cloneAllocator.Arena)

	free := cloneAllocator.FreeBytes()
	for range 8 {
		_, err := cloneFunc(typ, truncated)
		require.Error(t, err)
	}
	assert.Equal(t, free, cloneAllocator.FreeBytes())
}

func TestInstallNative_ReleasedEntry(t *testing.T) {
	first := NewEngine(nil)
	d, err := first.InstallNative(triple, plusHundred, Ownerless())
	require.NoError(t, err)
	require.NoError(t, d.Undo())

	nativeMu.Lock()
	_, held := nativeEntries[reflect.ValueOf(triple).Pointer()]
	nativeMu.Unlock()
	assert.False(t, held)

	second := NewEngine(nil)
	d, err = second.InstallNative(triple, plusThousand, Ownerless())
	require.NoError(t, err)
	assert.Equal(t, 1003, triple(3))
	require.NoError(t, d.Undo())
	assert.Equal(t, 9, triple(3))
}
