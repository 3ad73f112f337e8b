//go:build windows

package skiff

import (
	"encoding/binary"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/skiffdb/skiff/mmap"
)

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

func lockRange(f *os.File, flags uint32, wait bool) error {
	if !wait {
		flags |= windows.LOCKFILE_FAIL_IMMEDIATELY
	}
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, 1, 0, ol)
	if err == windows.ERROR_LOCK_VIOLATION {
		return ErrWriterBusy
	}
	if err != nil {
		return ioError("LockFileEx", err)
	}
	return nil
}

func unlockRange(f *os.File) error {
	ol := new(windows.Overlapped)
	if err := windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol); err != nil {
		return ioError("UnlockFileEx", err)
	}
	return nil
}

func openLockFile(path string, maxReaders int) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ioError("open lock file", err)
	}
	size := int64(lockHeaderSize + maxReaders*readerSlotSize)

	if err := lockRange(f, windows.LOCKFILE_EXCLUSIVE_LOCK, false); err == nil {
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
		unlockRange(f)
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

func (l *lockFile) lockWriter(wait bool) error {
	return lockRange(l.f, windows.LOCKFILE_EXCLUSIVE_LOCK, wait)
}

func (l *lockFile) unlockWriter() error {
	return unlockRange(l.f)
}

func (l *lockFile) staleCheck() int {
	cleared := 0
	self := uint32(os.Getpid())
	for i := 0; i < l.maxReaders; i++ {
		_, pidWord := l.slotWords(i)
		pid := atomic.LoadUint32(pidWord)
		if pid == 0 || pid == self {
			continue
		}
		h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
		if err != nil {
			l.releaseSlot(i)
			cleared++
			continue
		}
		windows.CloseHandle(h)
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
