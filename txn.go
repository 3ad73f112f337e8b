package skiff

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/skiffdb/skiff/internal/pagemap"
)

// Txn is a transaction. Read transactions see the snapshot committed
// when they began and may run concurrently; the single write
// transaction builds the next state in private dirty pages and
// publishes it atomically on Commit.
//
// A Txn is not safe for concurrent use by multiple goroutines.
type Txn struct {
	env   *Env
	id    txnid
	write bool
	done  bool

	// data is the mapped file at begin time. The mapping only grows
	// between transactions, so it covers every page of the snapshot.
	data []byte
	meta meta
	slot int // reader table slot, -1 for the writer

	dirty      pagemap.Map
	flSnapshot *btree.BTreeG[pgno]

	trees       []treeRecord
	treesLoaded []bool
	dbiDirty    []bool

	// mutations invalidates cursor positions: a cursor re-seeks when
	// its remembered counter falls behind.
	mutations uint64
	started   time.Time
}

func (e *Env) beginRead() (*Txn, error) {
	// Counted before the closed re-check, mirroring the order Close
	// reads them in.
	e.liveTxns.Add(1)
	if e.closed.Load() {
		e.liveTxns.Add(-1)
		return nil, ErrBadTxn
	}
	m := e.metaRef.Load()
	slot, err := e.lck.acquireSlot(m.Txnid)
	if err != nil {
		e.liveTxns.Add(-1)
		return nil, err
	}
	// Re-pin until stable: a commit between loading the meta and
	// publishing the slot could otherwise let the writer reclaim
	// pages of the snapshot we are about to use.
	for {
		m2 := e.metaRef.Load()
		if m2.Txnid == m.Txnid {
			break
		}
		m = m2
		txnWord, _ := e.lck.slotWords(slot)
		atomic.StoreUint64(txnWord, m.Txnid)
	}
	t := &Txn{
		env:  e,
		id:   m.Txnid,
		data: e.mapRef.Load().Data(),
		meta: *m,
		slot: slot,
	}
	t.initTrees()
	return t, nil
}

func (e *Env) beginWrite(wait bool) (*Txn, error) {
	e.liveTxns.Add(1)
	if e.closed.Load() {
		e.liveTxns.Add(-1)
		return nil, ErrBadTxn
	}
	if wait {
		e.writerMu.Lock()
	} else if !e.writerMu.TryLock() {
		e.liveTxns.Add(-1)
		return nil, ErrWriterBusy
	}
	if err := e.lck.lockWriter(wait); err != nil {
		e.writerMu.Unlock()
		e.liveTxns.Add(-1)
		return nil, err
	}

	m := e.metaRef.Load()
	t := &Txn{
		env:     e,
		id:      m.Txnid + 1,
		write:   true,
		data:    e.mapRef.Load().Data(),
		meta:    *m,
		slot:    -1,
		started: time.Now(),
	}
	t.initTrees()

	// The committed freelist chain gets rewritten by this commit, so
	// its pages go back into circulation now.
	if m.FreeRoot != invalidPgno {
		ids, _, err := e.freelistChain(t.data, *m)
		if err != nil {
			e.fl.rollback(t.id)
			t.releaseWrite()
			return nil, err
		}
		for _, id := range ids {
			e.fl.free(t.id, id, 1)
		}
	}
	e.fl.release(e.lck.oldestReader(t.id), t.id)
	// Snapshot after the release so an abort restores exactly this
	// transaction's starting state.
	t.flSnapshot = e.fl.ids.Clone()
	return t, nil
}

func (t *Txn) initTrees() {
	t.env.dbiMu.Lock()
	n := len(t.env.dbis)
	t.env.dbiMu.Unlock()
	t.trees = make([]treeRecord, n)
	t.treesLoaded = make([]bool, n)
	t.dbiDirty = make([]bool, n)
	t.trees[mainDBI] = t.meta.Main
	t.treesLoaded[mainDBI] = true
}

// freelistChain walks the committed freelist chain, returning its page
// numbers and concatenated payload.
func (e *Env) freelistChain(data []byte, m meta) ([]pgno, []byte, error) {
	var ids []pgno
	var stream []byte
	id := m.FreeRoot
	for n := uint32(0); n < m.FreePages; n++ {
		off := int64(id) * int64(e.pageSize)
		if off < 0 || off+int64(e.pageSize) > int64(len(data)) {
			return nil, nil, corruptf("freelist page %d beyond end of map", id)
		}
		pg := page{buf: data[off : off+int64(e.pageSize)]}
		if pg.flags()&pageFreelist == 0 {
			return nil, nil, corruptf("page %d in freelist chain has flags %#x", id, pg.flags())
		}
		body := pg.buf[pageHeaderSize:]
		next := binary.LittleEndian.Uint32(body[0:4])
		used := int(binary.LittleEndian.Uint32(body[4:8]))
		if used > len(body)-8 {
			return nil, nil, corruptf("freelist page %d claims %d payload bytes", id, used)
		}
		ids = append(ids, id)
		stream = append(stream, body[8:8+used]...)
		id = next
	}
	return ids, stream, nil
}

// ID returns the transaction's snapshot id.
func (t *Txn) ID() uint64 { return t.id }

// IsReadOnly reports whether the transaction is a read transaction.
func (t *Txn) IsReadOnly() bool { return !t.write }

// page returns the one-page buffer for id, preferring this
// transaction's dirty copy.
func (t *Txn) page(id pgno) ([]byte, error) {
	if t.write {
		if buf := t.dirty.Get(id); buf != nil {
			return buf[:t.env.pageSize], nil
		}
	}
	off := int64(id) * int64(t.env.pageSize)
	if id < numMetaPages || off+int64(t.env.pageSize) > int64(len(t.data)) {
		return nil, corruptf("page %d outside mapped region", id)
	}
	return t.data[off : off+int64(t.env.pageSize)], nil
}

// pageRun returns the contiguous buffer of an overflow run.
func (t *Txn) pageRun(id pgno, npages int) ([]byte, error) {
	size := int64(npages) * int64(t.env.pageSize)
	if t.write {
		if buf := t.dirty.Get(id); buf != nil {
			if int64(len(buf)) < size {
				return nil, corruptf("overflow run at page %d shorter than %d pages", id, npages)
			}
			return buf[:size], nil
		}
	}
	off := int64(id) * int64(t.env.pageSize)
	if id < numMetaPages || off+size > int64(len(t.data)) {
		return nil, corruptf("overflow run at page %d outside mapped region", id)
	}
	return t.data[off : off+size], nil
}

// allocPages reserves npages consecutive pages and registers a fresh
// dirty buffer for them, trying freed pages before extending the file.
func (t *Txn) allocPages(npages int) (pgno, []byte, error) {
	id, ok := t.env.fl.allocate(npages)
	if !ok {
		id = t.meta.GeoNow
		if pgno(npages) > t.env.geoMax-id {
			return 0, nil, ErrMapFull
		}
		t.meta.GeoNow += pgno(npages)
	}
	buf := make([]byte, npages*t.env.pageSize)
	t.dirty.Set(id, buf)
	return id, buf, nil
}

// freePages releases a run. Pages dirtied by this transaction never
// existed in a committed state and are reusable at once; committed
// pages wait until no snapshot can reference them.
func (t *Txn) freePages(id pgno, npages int) {
	if t.dirty.Has(id) {
		t.env.fl.reuseNow(id, npages)
		return
	}
	t.env.fl.free(t.id, id, npages)
}

// touch returns a writable copy of page id, allocating and copying it
// on first touch.
func (t *Txn) touch(id pgno) (pgno, []byte, error) {
	if buf := t.dirty.Get(id); buf != nil {
		return id, buf[:t.env.pageSize], nil
	}
	src, err := t.page(id)
	if err != nil {
		return 0, nil, err
	}
	newID, buf, err := t.allocPages(1)
	if err != nil {
		return 0, nil, err
	}
	copy(buf, src)
	page{buf: buf}.setPgno(newID)
	t.env.fl.free(t.id, id, 1)
	return newID, buf, nil
}

// Commit makes the transaction's changes durable and visible. On a
// read transaction it just releases the snapshot.
func (t *Txn) Commit() error {
	if t.done {
		return ErrBadTxn
	}
	if !t.write {
		t.releaseRead()
		return nil
	}
	if err := t.commitWrite(); err != nil {
		t.restoreFreelist()
		t.releaseWrite()
		return err
	}
	t.releaseWrite()
	return nil
}

func (t *Txn) commitWrite() error {
	e := t.env

	// Named database roots changed by this transaction are written
	// back into the catalogue before the main root is sealed.
	for dbi := range t.dbiDirty {
		if DBI(dbi) == mainDBI || !t.dbiDirty[dbi] {
			continue
		}
		e.dbiMu.Lock()
		h := e.dbis[dbi]
		e.dbiMu.Unlock()
		if h == nil {
			continue
		}
		rec := make([]byte, treeRecordSize)
		t.trees[dbi].encode(rec)
		if err := t.putRaw(mainDBI, []byte(h.name), rec); err != nil {
			return err
		}
	}

	freeRoot, freePages, err := t.writeFreelist()
	if err != nil {
		return err
	}

	if err := e.grow(t.meta.GeoNow); err != nil {
		return err
	}

	ps := int64(e.pageSize)
	if err := t.dirty.ForEach(func(id uint32, buf []byte) error {
		if _, werr := e.file.WriteAt(buf, int64(id)*ps); werr != nil {
			return ioError("write pages", werr)
		}
		return nil
	}); err != nil {
		return err
	}
	if !e.cfg.NoSync {
		if err := e.file.Sync(); err != nil {
			return ioError("sync pages", err)
		}
	}

	m := meta{
		Version:   formatVersion,
		PageSize:  uint32(e.pageSize),
		GeoNow:    t.meta.GeoNow,
		GeoMax:    e.geoMax,
		FreeRoot:  freeRoot,
		FreePages: freePages,
		Main:      t.trees[mainDBI],
		Txnid:     t.id,
	}
	e.mu.Lock()
	slot := 1 - e.metaSlot
	e.mu.Unlock()

	metaBuf := make([]byte, e.pageSize)
	pg := page{buf: metaBuf}
	pg.init(pgno(slot), pageMeta)
	m.encode(metaBuf[pageHeaderSize:])
	if _, err := e.file.WriteAt(metaBuf, int64(slot)*ps); err != nil {
		return ioError("write meta page", err)
	}
	if !e.cfg.NoSync {
		if err := e.file.Sync(); err != nil {
			return ioError("sync meta page", err)
		}
	}

	e.mu.Lock()
	e.metaSlot = slot
	e.mu.Unlock()
	e.metaRef.Store(&m)

	e.log.Debug("transaction committed",
		zap.Uint64("txnid", t.id),
		zap.Int("dirtyPages", t.dirty.Len()),
		zap.Duration("elapsed", time.Since(t.started)))
	return nil
}

// writeFreelist serializes the free-page tracker into a fresh page
// chain. Released pages are preferred for the chain itself; the
// tracker is re-serialized after taking them so the stream reflects
// their removal.
func (t *Txn) writeFreelist() (pgno, uint32, error) {
	e := t.env
	stream := e.fl.serialize()
	if e.fl.count() == 0 {
		return invalidPgno, 0, nil
	}
	perPage := e.pageSize - pageHeaderSize - 8
	npages := (len(stream) + perPage - 1) / perPage

	head, ok := e.fl.allocate(npages)
	if ok {
		stream = e.fl.serialize()
	} else {
		head = t.meta.GeoNow
		if pgno(npages) > e.geoMax-head {
			return 0, 0, ErrMapFull
		}
		t.meta.GeoNow += pgno(npages)
	}

	buf := make([]byte, npages*e.pageSize)
	for i := 0; i < npages; i++ {
		id := head + pgno(i)
		pg := page{buf: buf[i*e.pageSize : (i+1)*e.pageSize]}
		pg.init(id, pageFreelist)
		body := pg.buf[pageHeaderSize:]
		next := invalidPgno
		if i+1 < npages {
			next = id + 1
		}
		chunk := stream
		if len(chunk) > perPage {
			chunk = chunk[:perPage]
		}
		stream = stream[len(chunk):]
		binary.LittleEndian.PutUint32(body[0:4], next)
		binary.LittleEndian.PutUint32(body[4:8], uint32(len(chunk)))
		copy(body[8:], chunk)
		t.dirty.Set(id, pg.buf)
	}
	return head, uint32(npages), nil
}

// Abort discards the transaction. Safe to call after Commit, where it
// does nothing.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	if !t.write {
		t.releaseRead()
		return
	}
	t.restoreFreelist()
	t.releaseWrite()
}

func (t *Txn) restoreFreelist() {
	t.env.fl.ids = t.flSnapshot
	t.env.fl.rollback(t.id)
	t.env.fl.recount()
}

func (t *Txn) releaseRead() {
	t.done = true
	t.env.lck.releaseSlot(t.slot)
	t.env.liveTxns.Add(-1)
}

func (t *Txn) releaseWrite() {
	t.done = true
	t.flSnapshot = nil
	if err := t.env.lck.unlockWriter(); err != nil {
		t.env.log.Warn("releasing writer lock failed", zap.Error(err))
	}
	t.env.liveTxns.Add(-1)
	t.env.writerMu.Unlock()
}

// tree returns the transaction's working record for dbi, loading a
// named database's record from the catalogue snapshot on first use.
func (t *Txn) tree(dbi DBI) (*treeRecord, error) {
	t.env.dbiMu.Lock()
	nHandles := len(t.env.dbis)
	t.env.dbiMu.Unlock()
	if int(dbi) >= nHandles {
		return nil, ErrBadDBI
	}
	for len(t.trees) < nHandles {
		t.trees = append(t.trees, treeRecord{})
		t.treesLoaded = append(t.treesLoaded, false)
		t.dbiDirty = append(t.dbiDirty, false)
	}
	if !t.treesLoaded[dbi] {
		t.env.dbiMu.Lock()
		h := t.env.dbis[dbi]
		t.env.dbiMu.Unlock()
		if h == nil {
			return nil, ErrBadDBI
		}
		val, err := t.getRaw(mainDBI, []byte(h.name))
		if err != nil {
			if IsNotFound(err) {
				return nil, ErrBadDBI
			}
			return nil, err
		}
		if len(val) != treeRecordSize {
			return nil, corruptf("catalogue entry %q has size %d", h.name, len(val))
		}
		t.trees[dbi] = decodeTreeRecord(val)
		t.treesLoaded[dbi] = true
	}
	return &t.trees[dbi], nil
}

// Get returns the value stored for key. In a DupSort database the
// first (lowest) duplicate is returned. The slice points into the map
// and is valid until the environment closes.
func (t *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrBadTxn
	}
	return t.getRaw(dbi, key)
}

func (t *Txn) getRaw(dbi DBI, key []byte) ([]byte, error) {
	c := Cursor{txn: t, dbi: dbi}
	if err := c.bind(); err != nil {
		return nil, err
	}
	_, v, err := c.Get(key, nil, Set)
	return v, err
}

// Put stores a key/value pair. In a DupSort database the pair is added
// to the key's sorted duplicates; otherwise an existing value is
// replaced unless NoOverwrite is set.
func (t *Txn) Put(dbi DBI, key, val []byte, flags PutFlags) error {
	if t.done {
		return ErrBadTxn
	}
	if !t.write {
		return ErrReadOnly
	}
	c := Cursor{txn: t, dbi: dbi}
	if err := c.bind(); err != nil {
		return err
	}
	return c.Put(key, val, flags)
}

// putRaw writes into a tree bypassing the dup handling, used for
// catalogue records.
func (t *Txn) putRaw(dbi DBI, key, val []byte) error {
	c := Cursor{txn: t, dbi: dbi}
	if err := c.bind(); err != nil {
		return err
	}
	return c.Put(key, val, 0)
}

// Del removes an entry. With a nil value in a DupSort database the key
// and all its duplicates are removed; with a value only that duplicate
// is.
func (t *Txn) Del(dbi DBI, key, val []byte) error {
	if t.done {
		return ErrBadTxn
	}
	if !t.write {
		return ErrReadOnly
	}
	c := Cursor{txn: t, dbi: dbi}
	if err := c.bind(); err != nil {
		return err
	}
	if val == nil {
		if _, _, err := c.Get(key, nil, Set); err != nil {
			return err
		}
		return c.Del(true)
	}
	if _, _, err := c.Get(key, val, GetBoth); err != nil {
		return err
	}
	return c.Del(false)
}

// Stat returns statistics for one database of this snapshot.
func (t *Txn) Stat(dbi DBI) (Stat, error) {
	if t.done {
		return Stat{}, ErrBadTxn
	}
	tr, err := t.tree(dbi)
	if err != nil {
		return Stat{}, err
	}
	return statOf(t.env.pageSize, *tr), nil
}

// Sequence atomically adds incr to the database's persistent counter
// and returns the value before the addition. With incr zero it is a
// plain read and works in read transactions.
func (t *Txn) Sequence(dbi DBI, incr uint64) (uint64, error) {
	if t.done {
		return 0, ErrBadTxn
	}
	tr, err := t.tree(dbi)
	if err != nil {
		return 0, err
	}
	cur := tr.Sequence
	if incr == 0 {
		return cur, nil
	}
	if !t.write {
		return 0, ErrReadOnly
	}
	tr.Sequence = cur + incr
	tr.ModTxn = t.id
	t.dbiDirty[dbi] = true
	t.mutations++
	return cur, nil
}
