package skiff

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode identifies a class of engine failure. Codes are stable and
// can be matched with errors.Is against the exported sentinel values.
type ErrorCode int

const (
	CodeNotFound ErrorCode = iota + 1
	CodeKeyExist
	CodeMapFull
	CodeDBsFull
	CodeReadersFull
	CodeWriterBusy
	CodeBusy
	CodeReadOnly
	CodeBadTxn
	CodeBadCursor
	CodeBadDBI
	CodeKeyTooLarge
	CodeBadValSize
	CodeCorrupt
	CodeVersionMismatch
	CodeInvalid
	CodeIO
)

// Error is the error type returned by all engine operations. Err, when
// non-nil, carries the underlying cause (typically an *os.PathError or
// syscall error from the data or lock file).
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skiff: %s: %v", e.Message, e.Err)
	}
	return "skiff: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports code equality, so wrapped engine errors still match their
// sentinel under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	// ErrNotFound is returned when a key, duplicate value or named
	// database does not exist.
	ErrNotFound = &Error{Code: CodeNotFound, Message: "key not found"}

	// ErrKeyExist is returned by Put with NoOverwrite (or NoDupData)
	// when the key (or key/value pair) is already present.
	ErrKeyExist = &Error{Code: CodeKeyExist, Message: "key already exists"}

	// ErrMapFull is returned when an allocation would exceed the
	// configured maximum map size.
	ErrMapFull = &Error{Code: CodeMapFull, Message: "map size limit reached"}

	// ErrDBsFull is returned by OpenDBI when MaxDBs handles are in use.
	ErrDBsFull = &Error{Code: CodeDBsFull, Message: "too many named databases open"}

	// ErrReadersFull is returned when the reader table has no free slot.
	ErrReadersFull = &Error{Code: CodeReadersFull, Message: "reader table full"}

	// ErrWriterBusy is returned by a non-blocking write-transaction
	// begin while another writer is active.
	ErrWriterBusy = &Error{Code: CodeWriterBusy, Message: "write transaction already active"}

	// ErrBusy is returned by Open when the environment is already open
	// in this process.
	ErrBusy = &Error{Code: CodeBusy, Message: "environment already open"}

	// ErrReadOnly is returned by mutating operations on a read
	// transaction or read-only environment.
	ErrReadOnly = &Error{Code: CodeReadOnly, Message: "read-only transaction"}

	// ErrBadTxn is returned when a transaction is used after Commit or
	// Abort.
	ErrBadTxn = &Error{Code: CodeBadTxn, Message: "transaction already finished"}

	// ErrBadCursor is returned when a cursor is used after Close or
	// before it has been positioned.
	ErrBadCursor = &Error{Code: CodeBadCursor, Message: "cursor closed or unpositioned"}

	// ErrBadDBI is returned when a DBI handle is invalid or was opened
	// with incompatible flags.
	ErrBadDBI = &Error{Code: CodeBadDBI, Message: "invalid database handle"}

	// ErrKeyTooLarge is returned when a key exceeds the configured
	// maximum key size.
	ErrKeyTooLarge = &Error{Code: CodeKeyTooLarge, Message: "key size exceeds limit"}

	// ErrBadValSize is returned when a duplicate value exceeds the key
	// size limit; duplicates are stored as sorted keys and share it.
	ErrBadValSize = &Error{Code: CodeBadValSize, Message: "unsupported value size for this database"}

	// ErrCorrupt is returned when an on-disk structural invariant does
	// not hold, for example a page number past the end of the map or a
	// meta page failing its checksum.
	ErrCorrupt = &Error{Code: CodeCorrupt, Message: "database file is corrupted"}

	// ErrVersionMismatch is returned by Open when the file format
	// version is not one this build understands.
	ErrVersionMismatch = &Error{Code: CodeVersionMismatch, Message: "database format version mismatch"}

	// ErrInvalid is returned for invalid arguments or configuration.
	ErrInvalid = &Error{Code: CodeInvalid, Message: "invalid argument"}

	// ErrIO wraps operating system failures during read, write or sync.
	ErrIO = &Error{Code: CodeIO, Message: "i/o error"}
)

// IsNotFound reports whether err is an absence error. Callers iterating
// with cursors use it to distinguish exhaustion from real failures.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt reports whether err indicates on-disk corruption.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

func corruptf(format string, args ...any) error {
	return &Error{Code: CodeCorrupt, Message: fmt.Sprintf(format, args...)}
}

func invalidf(format string, args ...any) error {
	return &Error{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

func ioError(op string, err error) error {
	return &Error{Code: CodeIO, Message: op, Err: errors.WithStack(err)}
}
