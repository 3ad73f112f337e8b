//go:build unix

package skiff

import (
	"encoding/binary"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/skiffdb/skiff/mmap"
)

// The lock file sits next to the data file and coordinates processes
// sharing an environment. It starts with a 32-byte header followed by
// maxReaders 16-byte reader slots:
//
//	slot[0:8)  txnid pinned by the reader, 0 when idle
//	slot[8:12) owning pid
//	slot[12:16) reserved
//
// Readers claim a slot with a CAS on the pid word, then publish their
// snapshot txnid. The writer gate is a whole-file flock held for the
// duration of a write transaction, which also gives cross-process
// detection of a concurrent writer.
const (
	lockMagic      uint64 = 0x534B4946462D4C4B // "SKIFF-LK"
	lockHeaderSize        = 32
	readerSlotSize        = 16
)

type lockFile struct {
	f          *os.File
	m          *mmap.Map
	maxReaders int
}

func openLockFile(path string, maxReaders int) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ioError("open lock file", err)
	}
	size := int64(lockHeaderSize + maxReaders*readerSlotSize)

	// Whoever wins the exclusive flock initializes the file; everyone
	// else trusts the header they find.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == nil {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ioError("stat lock file", err)
		}
		hdr := make([]byte, lockHeaderSize)
		initialized := false
		if st.Size() >= lockHeaderSize {
			if _, err := f.ReadAt(hdr, 0); err == nil {
				initialized = binary.LittleEndian.Uint64(hdr[0:8]) == lockMagic
			}
		}
		if !initialized {
			if err := f.Truncate(size); err != nil {
				f.Close()
				return nil, ioError("truncate lock file", err)
			}
			binary.LittleEndian.PutUint64(hdr[0:8], lockMagic)
			binary.LittleEndian.PutUint32(hdr[8:12], formatVersion)
			binary.LittleEndian.PutUint32(hdr[12:16], uint32(maxReaders))
			if _, err := f.WriteAt(hdr, 0); err != nil {
				f.Close()
				return nil, ioError("init lock file", err)
			}
		}
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}

	hdr := make([]byte, lockHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, ioError("read lock file header", err)
	}
	if binary.LittleEndian.Uint64(hdr[0:8]) != lockMagic {
		f.Close()
		return nil, &Error{Code: CodeBusy, Message: "lock file not initialized"}
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != formatVersion {
		f.Close()
		return nil, ErrVersionMismatch
	}
	// The table size was fixed by whoever created the file.
	tableReaders := int(binary.LittleEndian.Uint32(hdr[12:16]))
	size = int64(lockHeaderSize + tableReaders*readerSlotSize)

	m, err := mmap.New(int(f.Fd()), int(size), true)
	if err != nil {
		f.Close()
		return nil, ioError("map lock file", err)
	}
	return &lockFile{f: f, m: m, maxReaders: tableReaders}, nil
}

func (l *lockFile) slotWords(i int) (*uint64, *uint32) {
	base := lockHeaderSize + i*readerSlotSize
	data := l.m.Data()
	return (*uint64)(unsafe.Pointer(&data[base])),
		(*uint32)(unsafe.Pointer(&data[base+8]))
}

// acquireSlot claims a reader slot and publishes the pinned txnid.
func (l *lockFile) acquireSlot(t txnid) (int, error) {
	pid := uint32(os.Getpid())
	for i := 0; i < l.maxReaders; i++ {
		txnWord, pidWord := l.slotWords(i)
		if atomic.LoadUint32(pidWord) != 0 {
			continue
		}
		if atomic.CompareAndSwapUint32(pidWord, 0, pid) {
			atomic.StoreUint64(txnWord, t)
			return i, nil
		}
	}
	return 0, ErrReadersFull
}

func (l *lockFile) releaseSlot(i int) {
	txnWord, pidWord := l.slotWords(i)
	atomic.StoreUint64(txnWord, 0)
	atomic.StoreUint32(pidWord, 0)
}

// oldestReader returns the smallest pinned txnid across all processes,
// or def when no reader is active.
func (l *lockFile) oldestReader(def txnid) txnid {
	oldest := def
	for i := 0; i < l.maxReaders; i++ {
		txnWord, pidWord := l.slotWords(i)
		if atomic.LoadUint32(pidWord) == 0 {
			continue
		}
		if t := atomic.LoadUint64(txnWord); t != 0 && t < oldest {
			oldest = t
		}
	}
	return oldest
}

// lockWriter takes the cross-process writer gate.
func (l *lockFile) lockWriter(wait bool) error {
	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(l.f.Fd()), how); err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrWriterBusy
		}
		return ioError("flock", err)
	}
	return nil
}

func (l *lockFile) unlockWriter() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return ioError("funlock", err)
	}
	return nil
}

// staleCheck clears slots owned by processes that no longer exist and
// returns how many were reclaimed.
func (l *lockFile) staleCheck() int {
	cleared := 0
	self := uint32(os.Getpid())
	for i := 0; i < l.maxReaders; i++ {
		_, pidWord := l.slotWords(i)
		pid := atomic.LoadUint32(pidWord)
		if pid == 0 || pid == self {
			continue
		}
		if err := unix.Kill(int(pid), 0); err == unix.ESRCH {
			l.releaseSlot(i)
			cleared++
		}
	}
	return cleared
}

func (l *lockFile) close() error {
	err := l.m.Close()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
