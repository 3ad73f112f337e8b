// Package mmap provides the shared file mappings backing a database
// environment. Mappings are immutable in extent: growing the file means
// opening a new Map while readers of the old one keep using it, so the
// package has no remap operation.
package mmap

// Map is one memory mapping of a file region starting at offset zero.
type Map struct {
	data     []byte
	fd       int
	writable bool
	// Windows keeps a section handle alongside the view; zero on unix.
	mapping uintptr
}

// Data returns the mapped byte slice. It stays valid until Close.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the mapped length in bytes.
func (m *Map) Size() int64 {
	return int64(len(m.data))
}

// Writable reports whether the mapping allows stores.
func (m *Map) Writable() bool {
	return m.writable
}

// Error wraps a platform mapping failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidSize = &Error{Op: "invalid size"}
	ErrNotMapped   = &Error{Op: "not mapped"}
)
