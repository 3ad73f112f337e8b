package skiff

import (
	"encoding/binary"
	"sort"
	"sync/atomic"

	"github.com/google/btree"
)

// freelist tracks pages released by copy-on-write. A page freed at
// transaction t may still be referenced by snapshots at txnid <= t, so
// it sits in pending[t] until every reader has moved past t; only then
// does it join ids, the pool allocate draws from.
//
// The whole structure is persisted on every commit and reloaded on
// open, keeping the txnid tags so that readers in other processes
// still gate reuse after a writer restart.
type freelist struct {
	ids     *btree.BTreeG[pgno]
	pending map[txnid][]pgno

	// size mirrors the total entry count. ids and pending belong to
	// the writer; Info reads size without the writer gate.
	size atomic.Int64
}

func newFreelist() *freelist {
	return &freelist{
		ids:     btree.NewG[pgno](32, func(a, b pgno) bool { return a < b }),
		pending: make(map[txnid][]pgno),
	}
}

// allocate removes and returns a run of n consecutive page numbers
// from the reusable pool, preferring the lowest-numbered run.
func (f *freelist) allocate(n int) (pgno, bool) {
	if n == 1 {
		id, ok := f.ids.DeleteMin()
		if ok {
			f.size.Add(-1)
		}
		return id, ok
	}
	var start pgno
	run := 0
	found := invalidPgno
	f.ids.Ascend(func(id pgno) bool {
		if run == 0 || id != start+pgno(run) {
			start, run = id, 1
		} else {
			run++
		}
		if run == n {
			found = start
			return false
		}
		return true
	})
	if found == invalidPgno {
		return 0, false
	}
	for i := 0; i < n; i++ {
		f.ids.Delete(found + pgno(i))
	}
	f.size.Add(int64(-n))
	return found, true
}

// free marks a run of pages as released by transaction t.
func (f *freelist) free(t txnid, id pgno, n int) {
	for i := 0; i < n; i++ {
		f.pending[t] = append(f.pending[t], id+pgno(i))
	}
	f.size.Add(int64(n))
}

// reuseNow returns a run of pages straight to the pool, used for pages
// both allocated and discarded within the same uncommitted transaction.
func (f *freelist) reuseNow(id pgno, n int) {
	for i := 0; i < n; i++ {
		f.ids.ReplaceOrInsert(id + pgno(i))
	}
	f.size.Add(int64(n))
}

// rollback discards the pending set of an aborted transaction.
func (f *freelist) rollback(t txnid) {
	f.size.Add(int64(-len(f.pending[t])))
	delete(f.pending, t)
}

// release moves pending pages into the reusable pool. A generation t
// is released once no live reader can still see it and at least two
// commits have happened since, so the pages referenced by the previous
// meta page stay intact until that meta is retired.
func (f *freelist) release(oldestReader, current txnid) {
	for t, ids := range f.pending {
		if t < oldestReader && t+2 <= current {
			for _, id := range ids {
				f.ids.ReplaceOrInsert(id)
			}
			delete(f.pending, t)
		}
	}
}

// count returns the total number of tracked free pages. Safe without
// the writer gate.
func (f *freelist) count() int {
	return int(f.size.Load())
}

// recount rebuilds size after ids has been swapped wholesale, as an
// abort does when it restores its snapshot.
func (f *freelist) recount() {
	n := f.ids.Len()
	for _, ids := range f.pending {
		n += len(ids)
	}
	f.size.Store(int64(n))
}

// serialize encodes the freelist as a byte stream: a segment count,
// then per segment a txnid tag, a length and the page numbers. Tag 0
// marks the immediately reusable pool.
func (f *freelist) serialize() []byte {
	tags := make([]txnid, 0, len(f.pending))
	for t := range f.pending {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	size := 4 + (12+4*f.ids.Len())
	for _, t := range tags {
		size += 12 + 4*len(f.pending[t])
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(1+len(tags)))
	off := 4

	writeSeg := func(t txnid, write func(func(pgno)), n int) {
		binary.LittleEndian.PutUint64(buf[off:off+8], t)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(n))
		off += 12
		write(func(id pgno) {
			binary.LittleEndian.PutUint32(buf[off:off+4], id)
			off += 4
		})
	}
	writeSeg(0, func(emit func(pgno)) {
		f.ids.Ascend(func(id pgno) bool { emit(id); return true })
	}, f.ids.Len())
	for _, t := range tags {
		ids := f.pending[t]
		writeSeg(t, func(emit func(pgno)) {
			for _, id := range ids {
				emit(id)
			}
		}, len(ids))
	}
	return buf
}

// load rebuilds the freelist from a serialized stream.
func (f *freelist) load(buf []byte) error {
	if len(buf) < 4 {
		return corruptf("freelist stream truncated")
	}
	segs := int(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	for s := 0; s < segs; s++ {
		if off+12 > len(buf) {
			return corruptf("freelist segment header truncated")
		}
		t := binary.LittleEndian.Uint64(buf[off : off+8])
		n := int(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
		off += 12
		if off+4*n > len(buf) {
			return corruptf("freelist segment body truncated")
		}
		for i := 0; i < n; i++ {
			id := binary.LittleEndian.Uint32(buf[off : off+4])
			off += 4
			if t == 0 {
				f.ids.ReplaceOrInsert(id)
			} else {
				f.pending[t] = append(f.pending[t], id)
			}
			f.size.Add(1)
		}
	}
	return nil
}
