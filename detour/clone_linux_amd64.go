package detour

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"

	"github.com/pboyd/hookctx/internal/log"
)

// cloneFunc copies the machine code of a function into executable memory so
// the original behavior stays callable after the entry point is overwritten.
func cloneFunc(typ reflect.Type, originalCode []byte) (cf *clonedFunc, err error) {
	if err := cloneAllocator.BeginMutate(); err != nil {
		return nil, fmt.Errorf("make arena writable: %w", err)
	}
	defer func() {
		if merr := cloneAllocator.EndMutate(); merr != nil && err == nil {
			cf, err = nil, fmt.Errorf("make arena executable: %w", merr)
		}
	}()

	buf, err := cloneAllocator.Allocate(len(originalCode))
	if err != nil {
		return nil, err
	}

	newCode, err := relocateFunc(originalCode, buf)
	if err != nil {
		if listing, derr := disassemble(originalCode); derr == nil {
			log.WithComponent("detour").Debug("relocation failed", "error", err, "code", listing)
		}
		cloneAllocator.Free(buf)
		return nil, err
	}

	// A func value points at a funcval whose first word is the code
	// address. ref plays the part of that funcval.
	codeData := unsafe.SliceData(newCode)
	cf = &clonedFunc{
		clonedCode: newCode,
		ref:        &codeData,
	}
	cf.fn = reflect.ValueOf(reflect.NewAt(typ, unsafe.Pointer(&cf.ref)).Elem().Interface())

	// Keep a copy of the code so that no matter what it can be restored.
	cf.originalCode = make([]byte, len(originalCode))
	copy(cf.originalCode, originalCode)

	return cf, nil
}

type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
}

func (a *allocator) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(map_32bit))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return err
}

func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// BeginMutate can be called before the initial allocation.
	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.init(size)
	if err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

var cloneAllocator = &allocator{}

// clonedFunc holds a relocated copy of a function.
type clonedFunc struct {
	fn reflect.Value

	// Allocated in the mmap arena and managed by cloneAllocator.
	clonedCode []byte
	ref        **byte

	originalCode []byte
}

// Free releases the memory associated with the cloned function.
func (cf *clonedFunc) Free() error {
	if err := cloneAllocator.BeginMutate(); err != nil {
		return fmt.Errorf("make arena writable: %w", err)
	}

	cloneAllocator.Free(cf.clonedCode)

	cf.clonedCode = nil
	*cf.ref = nil
	cf.ref = nil
	cf.originalCode = nil

	if err := cloneAllocator.EndMutate(); err != nil {
		return fmt.Errorf("make arena executable: %w", err)
	}
	return nil
}
