package skiff

import (
	"bytes"
	"fmt"
	"testing"
)

func TestPageInsertRemove(t *testing.T) {
	p := page{buf: make([]byte, DefaultPageSize)}
	p.init(7, pageLeaf)
	if p.pgno() != 7 || !p.isLeaf() || p.count() != 0 {
		t.Fatalf("bad init: pgno=%d flags=%#x count=%d", p.pgno(), p.flags(), p.count())
	}

	keys := []string{"bb", "dd", "aa", "cc"}
	for _, k := range keys {
		// Insert keeping sorted order.
		idx := 0
		for idx < p.count() && string(p.node(idx).key()) < k {
			idx++
		}
		sz := leafNodeSize(len(k), 3)
		if !p.fitsNode(sz) {
			t.Fatalf("node %q does not fit", k)
		}
		putLeafNode(p.insertNode(idx, sz), []byte(k), []byte("val"))
	}
	if p.count() != 4 {
		t.Fatalf("count = %d", p.count())
	}
	for i, want := range []string{"aa", "bb", "cc", "dd"} {
		if got := string(p.node(i).key()); got != want {
			t.Errorf("slot %d: %q, want %q", i, got, want)
		}
		if got := string(p.node(i).inlineValue()); got != "val" {
			t.Errorf("slot %d: value %q", i, got)
		}
	}

	p.removeNode(1) // "bb"
	if p.count() != 3 {
		t.Fatalf("count after remove = %d", p.count())
	}
	for i, want := range []string{"aa", "cc", "dd"} {
		if got := string(p.node(i).key()); got != want {
			t.Errorf("slot %d after remove: %q, want %q", i, got, want)
		}
	}
}

func TestPageCompactReclaimsHoles(t *testing.T) {
	p := page{buf: make([]byte, 512)}
	p.init(1, pageLeaf)

	val := bytes.Repeat([]byte("x"), 40)
	n := 0
	for {
		sz := leafNodeSize(4, len(val))
		if p.contiguousFree() < sz+slotSize {
			break
		}
		key := []byte(fmt.Sprintf("k%03d", n))
		putLeafNode(p.insertNode(n, sz), key, val)
		n++
	}
	if n < 5 {
		t.Fatalf("only %d nodes fit", n)
	}

	// Punch holes, then verify fitsNode compacts to reuse them.
	p.removeNode(n - 2)
	p.removeNode(1)
	freed := 2 * (leafNodeSize(4, len(val)) + slotSize)
	if p.totalFree() < freed {
		t.Fatalf("totalFree = %d after freeing %d", p.totalFree(), freed)
	}
	sz := leafNodeSize(4, len(val))
	if !p.fitsNode(sz) {
		t.Fatal("fitsNode refused space freed by removals")
	}
	putLeafNode(p.insertNode(0, sz), []byte("a000"), val)

	// Every surviving node is intact after compaction.
	for i := 0; i < p.count(); i++ {
		nd := p.node(i)
		if len(nd.key()) != 4 || !bytes.Equal(nd.inlineValue(), val) {
			t.Fatalf("slot %d damaged after compact", i)
		}
	}
}

func TestBranchNodes(t *testing.T) {
	p := page{buf: make([]byte, DefaultPageSize)}
	p.init(2, pageBranch)
	for i, k := range []string{"", "m", "t"} {
		sz := branchNodeSize(len(k))
		putBranchNode(p.insertNode(i, sz), []byte(k), pgno(100+i))
	}
	if p.node(0).keySize() != 0 {
		t.Errorf("leftmost branch node should be keyless")
	}
	for i := 0; i < 3; i++ {
		if p.node(i).child() != pgno(100+i) {
			t.Errorf("slot %d: child %d", i, p.node(i).child())
		}
	}
}

func TestNodeVariants(t *testing.T) {
	big := make([]byte, bigNodeSize(3))
	putBigNode(big, []byte("key"), 42, 123456)
	n := node(big)
	if !n.isBig() || n.overflowHead() != 42 || n.dataSize() != 123456 {
		t.Errorf("big node: head=%d size=%d", n.overflowHead(), n.dataSize())
	}

	rec := treeRecord{Root: 9, Height: 2, Entries: 77, ModTxn: 5}
	dn := make([]byte, dupNodeSize(3))
	putDupNode(dn, []byte("key"), rec)
	n = node(dn)
	if !n.isDup() {
		t.Fatal("dup flag missing")
	}
	got := n.dupTree()
	if got.Root != 9 || got.Height != 2 || got.Entries != 77 {
		t.Errorf("dup tree record: %+v", got)
	}
	// In-place update of the embedded record.
	got.Entries = 78
	n.setDupTree(got)
	if n.dupTree().Entries != 78 {
		t.Error("setDupTree did not stick")
	}
}

func TestMetaRoundTrip(t *testing.T) {
	m := meta{
		Version:   formatVersion,
		PageSize:  DefaultPageSize,
		GeoNow:    17,
		GeoMax:    4096,
		FreeRoot:  5,
		FreePages: 2,
		Main: treeRecord{
			Root:    3,
			Height:  2,
			Entries: 1000,
			ModTxn:  41,
		},
		Txnid: 41,
	}
	buf := make([]byte, metaSize)
	m.encode(buf)
	got, err := decodeMeta(buf)
	if err != nil {
		t.Fatalf("decodeMeta failed: %v", err)
	}
	if got != m {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, m)
	}

	// Any flipped byte fails the checksum.
	for _, off := range []int{0, 16, 40, 80, 95} {
		bad := append([]byte(nil), buf...)
		bad[off] ^= 0x01
		if _, err := decodeMeta(bad); err == nil {
			t.Errorf("decodeMeta accepted corruption at offset %d", off)
		}
	}
}

func TestChooseMeta(t *testing.T) {
	mk := func(txn txnid) []byte {
		buf := make([]byte, metaSize)
		meta{Version: formatVersion, PageSize: DefaultPageSize, GeoNow: 2, GeoMax: 100, FreeRoot: invalidPgno, Txnid: txn}.encode(buf)
		return buf
	}
	m, slot, err := chooseMeta(mk(3), mk(4))
	if err != nil || m.Txnid != 4 || slot != 1 {
		t.Errorf("chooseMeta = txn %d slot %d, %v", m.Txnid, slot, err)
	}
	m, slot, err = chooseMeta(mk(9), mk(4))
	if err != nil || m.Txnid != 9 || slot != 0 {
		t.Errorf("chooseMeta = txn %d slot %d, %v", m.Txnid, slot, err)
	}

	// A torn copy is skipped.
	torn := mk(10)
	torn[50] ^= 0xFF
	m, slot, err = chooseMeta(torn, mk(4))
	if err != nil || m.Txnid != 4 || slot != 1 {
		t.Errorf("chooseMeta with torn copy = txn %d slot %d, %v", m.Txnid, slot, err)
	}

	// Both torn is corruption.
	torn2 := mk(4)
	torn2[50] ^= 0xFF
	if _, _, err := chooseMeta(torn, torn2); !IsCorrupt(err) {
		t.Errorf("chooseMeta with both torn = %v, want corruption", err)
	}
}
