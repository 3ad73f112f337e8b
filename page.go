package skiff

import (
	"encoding/binary"
)

// A page is a fixed-size slotted block. The 16-byte header is followed
// by a sorted array of 2-byte slot offsets growing up and a node heap
// growing down from the end of the page. Slot offsets and upper are
// relative to the end of the header so a 64KiB page still fits uint16.
//
//	[0:4)   pgno
//	[4:6)   flags
//	[6:8)   slot count
//	[8:10)  upper (heap start, relative)
//	[10:14) overflow chain length (overflow head pages only)
//	[14:16) reserved
type page struct {
	buf []byte
}

func (p page) pgno() pgno        { return binary.LittleEndian.Uint32(p.buf[0:4]) }
func (p page) setPgno(id pgno)   { binary.LittleEndian.PutUint32(p.buf[0:4], id) }
func (p page) flags() uint16     { return binary.LittleEndian.Uint16(p.buf[4:6]) }
func (p page) setFlags(f uint16) { binary.LittleEndian.PutUint16(p.buf[4:6], f) }
func (p page) count() int        { return int(binary.LittleEndian.Uint16(p.buf[6:8])) }
func (p page) setCount(n int)    { binary.LittleEndian.PutUint16(p.buf[6:8], uint16(n)) }
func (p page) upper() int        { return int(binary.LittleEndian.Uint16(p.buf[8:10])) }
func (p page) setUpper(u int)    { binary.LittleEndian.PutUint16(p.buf[8:10], uint16(u)) }
func (p page) overflowLen() int  { return int(binary.LittleEndian.Uint32(p.buf[10:14])) }
func (p page) setOverflowLen(n int) {
	binary.LittleEndian.PutUint32(p.buf[10:14], uint32(n))
}

func (p page) isBranch() bool   { return p.flags()&pageBranch != 0 }
func (p page) isLeaf() bool     { return p.flags()&pageLeaf != 0 }
func (p page) isOverflow() bool { return p.flags()&pageOverflow != 0 }

func (p page) init(id pgno, flags uint16) {
	for i := range p.buf[:pageHeaderSize] {
		p.buf[i] = 0
	}
	p.setPgno(id)
	p.setFlags(flags)
	p.setUpper(len(p.buf) - pageHeaderSize)
}

func (p page) slot(i int) int {
	off := pageHeaderSize + i*slotSize
	return int(binary.LittleEndian.Uint16(p.buf[off : off+2]))
}

func (p page) setSlot(i, rel int) {
	off := pageHeaderSize + i*slotSize
	binary.LittleEndian.PutUint16(p.buf[off:off+2], uint16(rel))
}

// node returns the serialized node at slot i, spanning to the end of
// the page. Node accessors bound their own reads.
func (p page) node(i int) node {
	return node(p.buf[pageHeaderSize+p.slot(i):])
}

// contiguousFree is the gap between the slot array and the node heap,
// the only region insertNode can carve from.
func (p page) contiguousFree() int {
	return p.upper() - p.count()*slotSize
}

// usedNodeBytes sums live node sizes, ignoring holes left by removals.
func (p page) usedNodeBytes() int {
	total := 0
	for i := 0; i < p.count(); i++ {
		total += p.node(i).size(p.isBranch())
	}
	return total
}

// totalFree is the space an insert could reach after compaction.
func (p page) totalFree() int {
	return len(p.buf) - pageHeaderSize - p.count()*slotSize - p.usedNodeBytes()
}

// fitsNode reports whether a node of the given size can be inserted,
// compacting first if fragmentation requires it.
func (p page) fitsNode(size int) bool {
	need := size + slotSize
	if p.contiguousFree() >= need {
		return true
	}
	if p.totalFree() < need {
		return false
	}
	p.compact()
	return true
}

// insertNode makes room for a node of the given size at slot index i
// and returns the heap slice to serialize it into. The caller must
// have checked fitsNode.
func (p page) insertNode(i, size int) []byte {
	n := p.count()
	upper := p.upper() - size
	p.setUpper(upper)
	copy(p.buf[pageHeaderSize+(i+1)*slotSize:pageHeaderSize+(n+1)*slotSize],
		p.buf[pageHeaderSize+i*slotSize:pageHeaderSize+n*slotSize])
	p.setSlot(i, upper)
	p.setCount(n + 1)
	abs := pageHeaderSize + upper
	return p.buf[abs : abs+size]
}

// removeNode drops slot i. The node bytes become a hole reclaimed by
// the next compact.
func (p page) removeNode(i int) {
	n := p.count()
	copy(p.buf[pageHeaderSize+i*slotSize:pageHeaderSize+(n-1)*slotSize],
		p.buf[pageHeaderSize+(i+1)*slotSize:pageHeaderSize+n*slotSize])
	p.setCount(n - 1)
}

// compact rewrites the node heap end-aligned with no holes, keeping
// slot order.
func (p page) compact() {
	n := p.count()
	branch := p.isBranch()
	scratch := make([]byte, len(p.buf)-pageHeaderSize)
	upper := len(scratch)
	rels := make([]int, n)
	for i := 0; i < n; i++ {
		nd := p.node(i)
		sz := nd.size(branch)
		upper -= sz
		copy(scratch[upper:], nd[:sz])
		rels[i] = upper
	}
	copy(p.buf[pageHeaderSize+upper:], scratch[upper:])
	for i := 0; i < n; i++ {
		p.setSlot(i, rels[i])
	}
	p.setUpper(upper)
}
