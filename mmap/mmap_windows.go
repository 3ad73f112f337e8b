//go:build windows

package mmap

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// New maps length bytes of fd starting at offset zero.
func New(fd int, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}
	handle := windows.Handle(fd)

	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	mapping, err := windows.CreateFileMapping(handle, nil, prot,
		uint32(uint64(length)>>32), uint32(length), nil)
	if err != nil {
		return nil, &Error{Op: "CreateFileMapping", Err: err}
	}

	addr, err := windows.MapViewOfFile(mapping, access, 0, 0, uintptr(length))
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, &Error{Op: "MapViewOfFile", Err: err}
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return &Map{data: data, fd: fd, writable: writable, mapping: uintptr(mapping)}, nil
}

// Sync flushes modified pages of the mapping to the file.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	err := windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(len(m.data)))
	if err != nil {
		return &Error{Op: "FlushViewOfFile", Err: err}
	}
	return nil
}

// Close unmaps the view and releases the section handle.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&m.data[0]))
	m.data = nil
	if err := windows.UnmapViewOfFile(addr); err != nil {
		windows.CloseHandle(windows.Handle(m.mapping))
		return &Error{Op: "UnmapViewOfFile", Err: err}
	}
	if err := windows.CloseHandle(windows.Handle(m.mapping)); err != nil {
		return &Error{Op: "CloseHandle", Err: err}
	}
	return nil
}

// AdviseRandom is a no-op on windows.
func (m *Map) AdviseRandom() error { return nil }

// AdviseSequential is a no-op on windows.
func (m *Map) AdviseSequential() error { return nil }
