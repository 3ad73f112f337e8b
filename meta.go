package skiff

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	treeRecordSize = 44
	metaSize       = 100
)

// treeRecord is the persistent descriptor of one B+tree. The main
// tree's record lives in the meta page; named databases store theirs
// as the value of their catalogue entry, and duplicate sub-trees embed
// one in their owning leaf node.
type treeRecord struct {
	Flags         uint16
	Height        uint16
	Root          pgno
	BranchPages   uint32
	LeafPages     uint32
	OverflowPages uint32
	Entries       uint64
	Sequence      uint64
	ModTxn        txnid
}

func emptyTreeRecord(flags uint16) treeRecord {
	return treeRecord{Flags: flags, Root: invalidPgno}
}

func (t treeRecord) encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], t.Flags)
	binary.LittleEndian.PutUint16(dst[2:4], t.Height)
	binary.LittleEndian.PutUint32(dst[4:8], t.Root)
	binary.LittleEndian.PutUint32(dst[8:12], t.BranchPages)
	binary.LittleEndian.PutUint32(dst[12:16], t.LeafPages)
	binary.LittleEndian.PutUint32(dst[16:20], t.OverflowPages)
	binary.LittleEndian.PutUint64(dst[20:28], t.Entries)
	binary.LittleEndian.PutUint64(dst[28:36], t.Sequence)
	binary.LittleEndian.PutUint64(dst[36:44], t.ModTxn)
}

func decodeTreeRecord(src []byte) treeRecord {
	return treeRecord{
		Flags:         binary.LittleEndian.Uint16(src[0:2]),
		Height:        binary.LittleEndian.Uint16(src[2:4]),
		Root:          binary.LittleEndian.Uint32(src[4:8]),
		BranchPages:   binary.LittleEndian.Uint32(src[8:12]),
		LeafPages:     binary.LittleEndian.Uint32(src[12:16]),
		OverflowPages: binary.LittleEndian.Uint32(src[16:20]),
		Entries:       binary.LittleEndian.Uint64(src[20:28]),
		Sequence:      binary.LittleEndian.Uint64(src[28:36]),
		ModTxn:        binary.LittleEndian.Uint64(src[36:44]),
	}
}

// meta is the decoded form of a meta page. Two meta pages alternate;
// a commit writes the one not holding the current state, so a torn
// write can only damage the copy being replaced.
//
//	[0:8)    magic
//	[8:12)   format version
//	[12:16)  page size
//	[16:20)  geoNow  — pages allocated, next fresh pgno
//	[20:24)  geoMax  — map size ceiling in pages
//	[24:28)  freelist chain head pgno
//	[28:32)  freelist chain length in pages
//	[32:76)  main tree record
//	[76:84)  txnid (primary stamp)
//	[84:92)  txnid (secondary stamp, must match)
//	[92:100) xxhash64 of bytes [0:92)
type meta struct {
	Version   uint32
	PageSize  uint32
	GeoNow    pgno
	GeoMax    pgno
	FreeRoot  pgno
	FreePages uint32
	Main      treeRecord
	Txnid     txnid
}

func (m meta) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], formatMagic)
	binary.LittleEndian.PutUint32(dst[8:12], m.Version)
	binary.LittleEndian.PutUint32(dst[12:16], m.PageSize)
	binary.LittleEndian.PutUint32(dst[16:20], m.GeoNow)
	binary.LittleEndian.PutUint32(dst[20:24], m.GeoMax)
	binary.LittleEndian.PutUint32(dst[24:28], m.FreeRoot)
	binary.LittleEndian.PutUint32(dst[28:32], m.FreePages)
	m.Main.encode(dst[32 : 32+treeRecordSize])
	binary.LittleEndian.PutUint64(dst[76:84], m.Txnid)
	binary.LittleEndian.PutUint64(dst[84:92], m.Txnid)
	binary.LittleEndian.PutUint64(dst[92:100], xxhash.Sum64(dst[0:92]))
}

// decodeMeta validates and decodes one meta page. A checksum or stamp
// mismatch means the copy was torn mid-write; the caller falls back to
// the other copy.
func decodeMeta(src []byte) (meta, error) {
	if binary.LittleEndian.Uint64(src[0:8]) != formatMagic {
		return meta{}, &Error{Code: CodeInvalid, Message: "not a skiff database file"}
	}
	version := binary.LittleEndian.Uint32(src[8:12])
	if version != formatVersion {
		return meta{}, ErrVersionMismatch
	}
	if xxhash.Sum64(src[0:92]) != binary.LittleEndian.Uint64(src[92:100]) {
		return meta{}, corruptf("meta checksum mismatch")
	}
	a := binary.LittleEndian.Uint64(src[76:84])
	b := binary.LittleEndian.Uint64(src[84:92])
	if a != b {
		return meta{}, corruptf("meta txnid stamps disagree (%d != %d)", a, b)
	}
	m := meta{
		Version:   version,
		PageSize:  binary.LittleEndian.Uint32(src[12:16]),
		GeoNow:    binary.LittleEndian.Uint32(src[16:20]),
		GeoMax:    binary.LittleEndian.Uint32(src[20:24]),
		FreeRoot:  binary.LittleEndian.Uint32(src[24:28]),
		FreePages: binary.LittleEndian.Uint32(src[28:32]),
		Main:      decodeTreeRecord(src[32 : 32+treeRecordSize]),
		Txnid:     a,
	}
	if m.PageSize < MinPageSize || m.PageSize > MaxPageSize || m.PageSize&(m.PageSize-1) != 0 {
		return meta{}, corruptf("meta page size %d out of range", m.PageSize)
	}
	return m, nil
}

// chooseMeta picks the live meta among the two copies: the valid one
// with the highest txnid. Index is returned so commits know which slot
// to overwrite next.
func chooseMeta(page0, page1 []byte) (meta, int, error) {
	m0, err0 := decodeMeta(page0)
	m1, err1 := decodeMeta(page1)
	switch {
	case err0 == nil && err1 == nil:
		if m1.Txnid > m0.Txnid {
			return m1, 1, nil
		}
		return m0, 0, nil
	case err0 == nil:
		return m0, 0, nil
	case err1 == nil:
		return m1, 1, nil
	default:
		// Version and magic problems affect both copies identically;
		// report them as such rather than as corruption.
		if ie, ok := err0.(*Error); ok && ie.Code != CodeCorrupt {
			return meta{}, 0, err0
		}
		return meta{}, 0, corruptf("both meta pages invalid: %v; %v", err0, err1)
	}
}
