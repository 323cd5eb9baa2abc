package detour

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mprotectExec = unix.PROT_EXEC
	mprotectRX   = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX  = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

	// Clones live in the low 2GB so rel32 calls back into the text segment
	// still reach.
	map_32bit = unix.MAP_32BIT
)

func mprotect(buf []byte, flags int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	pageSize := unix.Getpagesize()

	// Round address down to page boundary.
	pageStart := addr &^ (uintptr(pageSize) - 1)

	// Round up to cover complete pages.
	regionSize := (int(addr-pageStart) + cap(buf) + pageSize - 1) &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)
	return unix.Mprotect(region, flags)
}

// patchCode makes code writable for the duration of fn.
func patchCode(code []byte, fn func([]byte) error) error {
	if err := mprotect(code, mprotectRWX); err != nil {
		return err
	}
	defer mprotect(code, mprotectRX)

	return fn(code)
}
