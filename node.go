package skiff

import (
	"encoding/binary"
)

// A node is one entry in a page's heap. The 8-byte header is followed
// by the key and, on leaf pages, the payload.
//
//	[0:4) dataSize — branch: child pgno; big: total value length;
//	      otherwise: inline payload length
//	[4]   flags
//	[5]   reserved
//	[6:8) keySize
//
// Payload by flag: plain leaf nodes carry the value inline, nodeBig
// nodes carry the 4-byte head pgno of an overflow chain, nodeDup nodes
// carry the tree record of the duplicate sub-tree.
type node []byte

func (n node) dataSize() int     { return int(binary.LittleEndian.Uint32(n[0:4])) }
func (n node) setDataSize(v int) { binary.LittleEndian.PutUint32(n[0:4], uint32(v)) }
func (n node) flags() uint8      { return n[4] }
func (n node) setFlags(f uint8)  { n[4] = f }
func (n node) keySize() int      { return int(binary.LittleEndian.Uint16(n[6:8])) }
func (n node) setKeySize(v int)  { binary.LittleEndian.PutUint16(n[6:8], uint16(v)) }

func (n node) isBig() bool { return n.flags()&nodeBig != 0 }
func (n node) isDup() bool { return n.flags()&nodeDup != 0 }

func (n node) key() []byte {
	return n[nodeHeaderSize : nodeHeaderSize+n.keySize()]
}

// child returns the branch child pgno, stored in the dataSize field.
func (n node) child() pgno     { return binary.LittleEndian.Uint32(n[0:4]) }
func (n node) setChild(p pgno) { binary.LittleEndian.PutUint32(n[0:4], p) }

// inlineValue returns the payload of a plain leaf node.
func (n node) inlineValue() []byte {
	off := nodeHeaderSize + n.keySize()
	return n[off : off+n.dataSize()]
}

// overflowHead returns the first pgno of a big node's overflow chain;
// dataSize holds the total value length.
func (n node) overflowHead() pgno {
	off := nodeHeaderSize + n.keySize()
	return binary.LittleEndian.Uint32(n[off : off+4])
}

func (n node) setOverflowHead(p pgno) {
	off := nodeHeaderSize + n.keySize()
	binary.LittleEndian.PutUint32(n[off:off+4], p)
}

// dupTree decodes the duplicate sub-tree record of a nodeDup node.
func (n node) dupTree() treeRecord {
	off := nodeHeaderSize + n.keySize()
	return decodeTreeRecord(n[off : off+treeRecordSize])
}

func (n node) setDupTree(t treeRecord) {
	off := nodeHeaderSize + n.keySize()
	t.encode(n[off : off+treeRecordSize])
}

// payloadSize is the heap footprint of a leaf node's payload.
func (n node) payloadSize() int {
	switch {
	case n.isBig():
		return 4
	case n.isDup():
		return treeRecordSize
	default:
		return n.dataSize()
	}
}

// size is the full heap footprint of the node.
func (n node) size(branch bool) int {
	if branch {
		return nodeHeaderSize + n.keySize()
	}
	return nodeHeaderSize + n.keySize() + n.payloadSize()
}

// leafNodeSize returns the heap footprint a plain leaf node for
// key/value would occupy.
func leafNodeSize(keyLen, valLen int) int {
	return nodeHeaderSize + keyLen + valLen
}

func bigNodeSize(keyLen int) int {
	return nodeHeaderSize + keyLen + 4
}

func dupNodeSize(keyLen int) int {
	return nodeHeaderSize + keyLen + treeRecordSize
}

func branchNodeSize(keyLen int) int {
	return nodeHeaderSize + keyLen
}

// putLeafNode serializes a plain leaf node into dst.
func putLeafNode(dst []byte, key, val []byte) {
	n := node(dst)
	n.setDataSize(len(val))
	n.setFlags(0)
	dst[5] = 0
	n.setKeySize(len(key))
	copy(dst[nodeHeaderSize:], key)
	copy(dst[nodeHeaderSize+len(key):], val)
}

// putBigNode serializes a leaf node whose value lives in an overflow
// chain of the given total length.
func putBigNode(dst []byte, key []byte, head pgno, totalLen int) {
	n := node(dst)
	n.setDataSize(totalLen)
	n.setFlags(nodeBig)
	dst[5] = 0
	n.setKeySize(len(key))
	copy(dst[nodeHeaderSize:], key)
	binary.LittleEndian.PutUint32(dst[nodeHeaderSize+len(key):], head)
}

// putDupNode serializes a leaf node holding a duplicate sub-tree.
func putDupNode(dst []byte, key []byte, t treeRecord) {
	n := node(dst)
	n.setDataSize(treeRecordSize)
	n.setFlags(nodeDup)
	dst[5] = 0
	n.setKeySize(len(key))
	copy(dst[nodeHeaderSize:], key)
	t.encode(dst[nodeHeaderSize+len(key) : nodeHeaderSize+len(key)+treeRecordSize])
}

// putBranchNode serializes a branch node pointing at child.
func putBranchNode(dst []byte, key []byte, child pgno) {
	n := node(dst)
	n.setChild(child)
	n.setFlags(0)
	dst[5] = 0
	n.setKeySize(len(key))
	copy(dst[nodeHeaderSize:], key)
}
