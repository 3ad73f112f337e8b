package skiff

// On-disk format constants. The layout is little-endian throughout.
const (
	formatMagic   uint64 = 0x534B4946462D4442 // "SKIFF-DB"
	formatVersion uint32 = 1

	// Pages 0 and 1 hold the two alternating meta pages.
	numMetaPages = 2

	MinPageSize     = 512
	MaxPageSize     = 65536
	DefaultPageSize = 4096

	pageHeaderSize = 16
	nodeHeaderSize = 8
	slotSize       = 2

	invalidPgno pgno = 0xFFFFFFFF

	// maxTreeDepth bounds the cursor page stack. A tree of branching
	// factor >= 2 over 2^32 pages never exceeds it.
	maxTreeDepth = 32
)

// Page flags.
const (
	pageBranch   uint16 = 1 << 0
	pageLeaf     uint16 = 1 << 1
	pageOverflow uint16 = 1 << 2
	pageFreelist uint16 = 1 << 3
	pageMeta     uint16 = 1 << 4
)

// Node flags.
const (
	nodeBig uint8 = 1 << 0 // value lives in an overflow chain
	nodeDup uint8 = 1 << 1 // value is a duplicate sub-tree record
)

// DBIFlags control how a named database sorts and stores its entries.
type DBIFlags uint32

const (
	// DupSort allows multiple sorted values per key.
	DupSort DBIFlags = 1 << 0
	// ReverseKey compares keys back to front.
	ReverseKey DBIFlags = 1 << 1
	// IntegerKey compares keys as fixed-size big-endian unsigned
	// integers of equal length.
	IntegerKey DBIFlags = 1 << 2
	// Create makes OpenDBI create the database if it does not exist.
	// Only valid in a write transaction.
	Create DBIFlags = 1 << 31

	persistentDBIFlags = DupSort | ReverseKey | IntegerKey
)

// TxnFlags control transaction begin behavior.
type TxnFlags uint32

const (
	// ReadOnly begins a snapshot read transaction.
	ReadOnly TxnFlags = 1 << 0
	// NoWait makes a write begin fail with ErrWriterBusy instead of
	// blocking while another writer is active.
	NoWait TxnFlags = 1 << 1
)

// PutFlags control Put behavior.
type PutFlags uint32

const (
	// NoOverwrite fails with ErrKeyExist if the key is present.
	NoOverwrite PutFlags = 1 << 0
	// NoDupData fails with ErrKeyExist if the exact key/value pair is
	// present in a DupSort database.
	NoDupData PutFlags = 1 << 1
	// AppendHint asserts the key sorts after every existing key,
	// allowing the fast append path. Misuse is detected and rejected.
	AppendHint PutFlags = 1 << 2
)

// CursorOp selects a cursor positioning operation for Cursor.Get.
type CursorOp int

const (
	// First positions at the first key of the database.
	First CursorOp = iota
	// FirstDup positions at the first value of the current key.
	FirstDup
	// GetBoth positions at an exact key/value pair.
	GetBoth
	// GetBothRange positions at the key and the first value >= the
	// given value.
	GetBothRange
	// GetCurrent returns the entry at the current position.
	GetCurrent
	// Last positions at the last key of the database.
	Last
	// LastDup positions at the last value of the current key.
	LastDup
	// Next advances to the next entry.
	Next
	// NextDup advances to the next value of the current key.
	NextDup
	// NextNoDup advances to the first value of the next key.
	NextNoDup
	// Prev steps back to the previous entry.
	Prev
	// PrevDup steps back to the previous value of the current key.
	PrevDup
	// PrevNoDup steps back to the last value of the previous key.
	PrevNoDup
	// Set positions at an exact key.
	Set
	// SetRange positions at the first key >= the given key.
	SetRange
	// SetRangeBack positions at the last key <= the given key.
	SetRangeBack
)

type pgno = uint32
type txnid = uint64

// DBI is a handle to a named database within an environment. Handle 0
// is the main catalogue database.
type DBI uint32

const mainDBI DBI = 0

// maxKeySize is the structural ceiling for a key on the given page
// size: a branch page must fit at least two full keys.
func maxKeySizeFor(pageSize int) int {
	return (pageSize-pageHeaderSize)/2 - slotSize - nodeHeaderSize - 8
}

// maxInlineNode is the largest serialized node a page accepts, chosen
// so any page fits at least two nodes. Values pushing a node past it
// move to an overflow chain.
func maxInlineNode(pageSize int) int {
	return (pageSize-pageHeaderSize)/2 - slotSize
}
