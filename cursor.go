package skiff

import (
	"bytes"
)

// Cursor navigates one database in key order, and within a DupSort
// key in value order. Returned slices point into the memory map or the
// transaction's pages and are valid until the environment closes.
//
// In a write transaction a cursor survives modifications made through
// other cursors: it re-seeks its remembered position when the tree
// has changed under it.
type Cursor struct {
	txn *Txn
	dbi DBI
	dup bool

	tc  treeCursor
	sub treeCursor
	// subRec is the working duplicate sub-tree record when the cursor
	// stands on a key with converted duplicates.
	subRec treeRecord
	hasSub bool

	positioned bool
	afterDel   bool
	seq        uint64
	keyBuf     []byte
	valBuf     []byte
	closed     bool
}

// OpenCursor returns a cursor over dbi, bound to this transaction.
func (t *Txn) OpenCursor(dbi DBI) (*Cursor, error) {
	if t.done {
		return nil, ErrBadTxn
	}
	c := &Cursor{txn: t, dbi: dbi}
	if err := c.bind(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) bind() error {
	tr, err := c.txn.tree(c.dbi)
	if err != nil {
		return err
	}
	flags := DBIFlags(tr.Flags)
	c.dup = flags&DupSort != 0
	c.tc = treeCursor{txn: c.txn, cmp: compareFor(flags)}
	c.sub = treeCursor{txn: c.txn, cmp: bytes.Compare}
	c.seq = c.txn.mutations
	return nil
}

// Close invalidates the cursor. The transaction is unaffected.
func (c *Cursor) Close() { c.closed = true }

func (c *Cursor) usable() error {
	if c.closed {
		return ErrBadCursor
	}
	if c.txn.done {
		return ErrBadTxn
	}
	return nil
}

func (c *Cursor) tree() (*treeRecord, error) {
	return c.txn.tree(c.dbi)
}

// loadSub adopts the duplicate sub-tree of the current main node.
func (c *Cursor) loadSub(nd node) {
	c.subRec = nd.dupTree()
	c.hasSub = true
	c.sub.clear()
}

// enterDups positions the duplicate cursor at the first or last value
// of the current key.
func (c *Cursor) enterDups(last bool) error {
	_, nd, err := c.tc.currentNode()
	if err != nil {
		return err
	}
	if !nd.isDup() {
		c.hasSub = false
		return nil
	}
	c.loadSub(nd)
	if last {
		return c.sub.last(&c.subRec)
	}
	return c.sub.first(&c.subRec)
}

// current returns the key/value under the cursor.
func (c *Cursor) current() ([]byte, []byte, error) {
	_, nd, err := c.tc.currentNode()
	if err != nil {
		return nil, nil, err
	}
	if nd.isDup() {
		_, snd, err := c.sub.currentNode()
		if err != nil {
			return nil, nil, err
		}
		return nd.key(), snd.key(), nil
	}
	val, err := c.tc.readValue(nd)
	if err != nil {
		return nil, nil, err
	}
	return nd.key(), val, nil
}

// save remembers the position so it can be re-established after other
// cursors of the same write transaction reshape the tree.
func (c *Cursor) save() {
	c.positioned = true
	if !c.txn.write {
		return
	}
	k, v, err := c.current()
	if err != nil {
		return
	}
	c.keyBuf = append(c.keyBuf[:0], k...)
	if c.hasSub {
		c.valBuf = append(c.valBuf[:0], v...)
	} else {
		c.valBuf = c.valBuf[:0]
	}
}

// normalizeForward moves the cursor off a past-the-end leaf slot to
// the next real entry.
func (c *Cursor) normalizeForward() error {
	pg, err := c.tc.leafPage()
	if err != nil {
		return err
	}
	if c.tc.idxs[c.tc.top-1] < pg.count() {
		return nil
	}
	return c.tc.next()
}

// revalidate re-seeks the remembered position after the tree changed
// through another cursor. If the entry itself is gone the cursor lands
// on its successor with the deleted-entry flag set.
func (c *Cursor) revalidate() error {
	if c.seq == c.txn.mutations {
		return nil
	}
	c.seq = c.txn.mutations
	if !c.positioned {
		return nil
	}
	tr, err := c.tree()
	if err != nil {
		return err
	}
	found, err := c.tc.seek(tr, c.keyBuf)
	if err != nil {
		return err
	}
	if !c.tc.valid() {
		c.positioned = false
		return nil
	}
	if !found {
		c.afterDel = true
		if err := c.normalizeForward(); err != nil {
			if IsNotFound(err) {
				c.positioned = false
				return nil
			}
			return err
		}
		return c.enterDups(false)
	}
	_, nd, err := c.tc.currentNode()
	if err != nil {
		return err
	}
	if !nd.isDup() {
		c.hasSub = false
		return nil
	}
	c.loadSub(nd)
	if len(c.valBuf) == 0 {
		return c.sub.first(&c.subRec)
	}
	vfound, err := c.sub.seek(&c.subRec, c.valBuf)
	if err != nil {
		return err
	}
	if !vfound {
		c.afterDel = true
		spg, err := c.sub.leafPage()
		if err != nil {
			return err
		}
		if c.sub.idxs[c.sub.top-1] >= spg.count() {
			if err := c.sub.next(); err != nil {
				if !IsNotFound(err) {
					return err
				}
				// past the last duplicate: move to the next key
				if err := c.tc.next(); err != nil {
					if IsNotFound(err) {
						c.positioned = false
						return nil
					}
					return err
				}
				return c.enterDups(false)
			}
		}
	}
	return nil
}

// Get positions the cursor according to op and returns the entry at
// the new position. The key and val arguments are only consulted by
// the Set*, GetBoth* and SetRange* operations.
func (c *Cursor) Get(key, val []byte, op CursorOp) ([]byte, []byte, error) {
	if err := c.usable(); err != nil {
		return nil, nil, err
	}
	if err := c.revalidate(); err != nil {
		return nil, nil, err
	}
	tr, err := c.tree()
	if err != nil {
		return nil, nil, err
	}
	switch op {
	case Set, SetRange, SetRangeBack, GetBoth, GetBothRange:
		if len(key) == 0 {
			return nil, nil, ErrInvalid
		}
		if len(key) > c.txn.env.maxKeySize {
			return nil, nil, ErrKeyTooLarge
		}
	}

	wasAfterDel := c.afterDel
	c.afterDel = false

	switch op {
	case First:
		if err := c.tc.first(tr); err != nil {
			return nil, nil, err
		}
		if err := c.enterDups(false); err != nil {
			return nil, nil, err
		}

	case Last:
		if err := c.tc.last(tr); err != nil {
			return nil, nil, err
		}
		if err := c.enterDups(true); err != nil {
			return nil, nil, err
		}

	case Set, SetRange:
		found, err := c.tc.seek(tr, key)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			if op == Set {
				c.positioned = false
				return nil, nil, ErrNotFound
			}
			if !c.tc.valid() {
				return nil, nil, ErrNotFound
			}
			if err := c.normalizeForward(); err != nil {
				return nil, nil, err
			}
		}
		if err := c.enterDups(false); err != nil {
			return nil, nil, err
		}

	case SetRangeBack:
		found, err := c.tc.seek(tr, key)
		if err != nil {
			return nil, nil, err
		}
		if !c.tc.valid() {
			return nil, nil, ErrNotFound
		}
		if !found {
			// The insertion point is the first entry past key; its
			// predecessor is the last entry at or below it.
			if err := c.tc.prev(); err != nil {
				return nil, nil, err
			}
		}
		if err := c.enterDups(true); err != nil {
			return nil, nil, err
		}

	case GetBoth, GetBothRange:
		found, err := c.tc.seek(tr, key)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			c.positioned = false
			return nil, nil, ErrNotFound
		}
		_, nd, err := c.tc.currentNode()
		if err != nil {
			return nil, nil, err
		}
		if nd.isDup() {
			c.loadSub(nd)
			vfound, err := c.sub.seek(&c.subRec, val)
			if err != nil {
				return nil, nil, err
			}
			if !vfound {
				if op == GetBoth {
					return nil, nil, ErrNotFound
				}
				spg, err := c.sub.leafPage()
				if err != nil {
					return nil, nil, err
				}
				if c.sub.idxs[c.sub.top-1] >= spg.count() {
					if err := c.sub.next(); err != nil {
						return nil, nil, err
					}
				}
			}
		} else {
			c.hasSub = false
			stored, err := c.tc.readValue(nd)
			if err != nil {
				return nil, nil, err
			}
			cmpv := bytes.Compare(stored, val)
			if cmpv < 0 || (op == GetBoth && cmpv != 0) {
				return nil, nil, ErrNotFound
			}
		}

	case Next:
		if !c.positioned {
			return c.Get(nil, nil, First)
		}
		if !wasAfterDel {
			if err := c.stepNext(); err != nil {
				return nil, nil, err
			}
		}

	case Prev:
		if !c.positioned {
			return c.Get(nil, nil, Last)
		}
		if err := c.stepPrev(); err != nil {
			return nil, nil, err
		}

	case NextDup:
		if !c.positioned {
			return nil, nil, ErrBadCursor
		}
		if !c.hasSub {
			return nil, nil, ErrNotFound
		}
		if err := c.sub.next(); err != nil {
			return nil, nil, err
		}

	case PrevDup:
		if !c.positioned {
			return nil, nil, ErrBadCursor
		}
		if !c.hasSub {
			return nil, nil, ErrNotFound
		}
		if err := c.sub.prev(); err != nil {
			return nil, nil, err
		}

	case NextNoDup:
		if !c.positioned {
			return c.Get(nil, nil, First)
		}
		if err := c.tc.next(); err != nil {
			return nil, nil, err
		}
		if err := c.enterDups(false); err != nil {
			return nil, nil, err
		}

	case PrevNoDup:
		if !c.positioned {
			return c.Get(nil, nil, Last)
		}
		if err := c.tc.prev(); err != nil {
			return nil, nil, err
		}
		if err := c.enterDups(true); err != nil {
			return nil, nil, err
		}

	case FirstDup:
		if !c.positioned {
			return nil, nil, ErrBadCursor
		}
		if c.hasSub {
			if err := c.sub.first(&c.subRec); err != nil {
				return nil, nil, err
			}
		}

	case LastDup:
		if !c.positioned {
			return nil, nil, ErrBadCursor
		}
		if c.hasSub {
			if err := c.sub.last(&c.subRec); err != nil {
				return nil, nil, err
			}
		}

	case GetCurrent:
		if !c.positioned {
			return nil, nil, ErrBadCursor
		}

	default:
		return nil, nil, invalidf("unknown cursor operation %d", op)
	}

	k, v, err := c.current()
	if err != nil {
		return nil, nil, err
	}
	c.save()
	return k, v, nil
}

// stepNext advances across duplicates first, then keys.
func (c *Cursor) stepNext() error {
	if c.hasSub {
		if err := c.sub.next(); err == nil {
			return nil
		} else if !IsNotFound(err) {
			return err
		}
	}
	if err := c.tc.next(); err != nil {
		return err
	}
	return c.enterDups(false)
}

func (c *Cursor) stepPrev() error {
	if c.hasSub {
		if err := c.sub.prev(); err == nil {
			return nil
		} else if !IsNotFound(err) {
			return err
		}
	}
	if err := c.tc.prev(); err != nil {
		return err
	}
	return c.enterDups(true)
}

// Count returns the number of values stored for the current key.
func (c *Cursor) Count() (uint64, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if err := c.revalidate(); err != nil {
		return 0, err
	}
	if !c.positioned {
		return 0, ErrBadCursor
	}
	_, nd, err := c.tc.currentNode()
	if err != nil {
		return 0, err
	}
	if nd.isDup() {
		return nd.dupTree().Entries, nil
	}
	return 1, nil
}

// Put stores key/val through the cursor and leaves it positioned on
// the written pair. See Txn.Put for the flag semantics.
func (c *Cursor) Put(key, val []byte, flags PutFlags) error {
	t := c.txn
	if err := c.usable(); err != nil {
		return err
	}
	if !t.write {
		return ErrReadOnly
	}
	if len(key) == 0 {
		return ErrInvalid
	}
	if len(key) > t.env.maxKeySize {
		return ErrKeyTooLarge
	}
	if c.dup && len(val) > t.env.maxKeySize {
		return ErrBadValSize
	}
	tr, err := c.tree()
	if err != nil {
		return err
	}
	if flags&AppendHint != 0 {
		if err := c.tc.last(tr); err == nil {
			_, nd, err := c.tc.currentNode()
			if err != nil {
				return err
			}
			if c.tc.cmp(key, nd.key()) <= 0 {
				return ErrKeyExist
			}
		} else if !IsNotFound(err) {
			return err
		}
	}

	found, err := c.tc.seek(tr, key)
	if err != nil {
		return err
	}
	if found {
		if err := c.putExisting(tr, key, val, flags); err != nil {
			return err
		}
	} else {
		if tr.Root == invalidPgno {
			if err := c.tc.createRoot(tr); err != nil {
				return err
			}
		} else if err := c.tc.touchPath(tr); err != nil {
			return err
		}
		if err := c.insertFresh(tr, key, val); err != nil {
			return err
		}
		tr.Entries++
	}
	t.dbiDirty[c.dbi] = true
	tr.ModTxn = t.id
	t.mutations++
	c.seq = t.mutations
	return c.reposition(key, val)
}

// buildLeafNode serializes a plain or big leaf node for key/val,
// spilling oversized values into an overflow chain.
func (c *Cursor) buildLeafNode(tr *treeRecord, key, val []byte) ([]byte, error) {
	t := c.txn
	if leafNodeSize(len(key), len(val)) <= maxInlineNode(t.env.pageSize) {
		bn := make([]byte, leafNodeSize(len(key), len(val)))
		putLeafNode(bn, key, val)
		return bn, nil
	}
	head, n, err := t.writeOverflow(val)
	if err != nil {
		return nil, err
	}
	tr.OverflowPages += uint32(n)
	bn := make([]byte, bigNodeSize(len(key)))
	putBigNode(bn, key, head, len(val))
	return bn, nil
}

func (c *Cursor) insertFresh(tr *treeRecord, key, val []byte) error {
	bn, err := c.buildLeafNode(tr, key, val)
	if err != nil {
		return err
	}
	return c.tc.insertAt(tr, c.tc.top-1, bn)
}

func (c *Cursor) putExisting(tr *treeRecord, key, val []byte, flags PutFlags) error {
	t := c.txn
	_, nd, err := c.tc.currentNode()
	if err != nil {
		return err
	}

	if !c.dup {
		if flags&NoOverwrite != 0 {
			return ErrKeyExist
		}
		if err := c.tc.touchPath(tr); err != nil {
			return err
		}
		pg, nd, err := c.tc.currentNode()
		if err != nil {
			return err
		}
		if nd.isBig() {
			n, err := t.freeOverflow(nd)
			if err != nil {
				return err
			}
			tr.OverflowPages -= uint32(n)
		}
		pg.removeNode(c.tc.idxs[c.tc.top-1])
		bn, err := c.buildLeafNode(tr, key, val)
		if err != nil {
			return err
		}
		return c.tc.insertAt(tr, c.tc.top-1, bn)
	}

	// DupSort: the pair joins the key's sorted values.
	if nd.isDup() {
		c.loadSub(nd)
		vfound, err := c.sub.seek(&c.subRec, val)
		if err != nil {
			return err
		}
		if vfound {
			if flags&(NoOverwrite|NoDupData) != 0 {
				return ErrKeyExist
			}
			return nil // pair already present
		}
		if err := c.tc.touchPath(tr); err != nil {
			return err
		}
		if err := c.sub.touchPath(&c.subRec); err != nil {
			return err
		}
		bn := make([]byte, leafNodeSize(len(val), 0))
		putLeafNode(bn, val, nil)
		if err := c.sub.insertAt(&c.subRec, c.sub.top-1, bn); err != nil {
			return err
		}
		c.subRec.Entries++
		tr.Entries++
		_, mn, err := c.tc.currentNode()
		if err != nil {
			return err
		}
		mn.setDupTree(c.subRec)
		return nil
	}

	// Single inline value so far.
	stored, err := c.tc.readValue(nd)
	if err != nil {
		return err
	}
	if bytes.Equal(stored, val) {
		if flags&(NoOverwrite|NoDupData) != 0 {
			return ErrKeyExist
		}
		return nil
	}
	if err := c.tc.touchPath(tr); err != nil {
		return err
	}
	return c.convertToDups(tr, key, stored, val)
}

// convertToDups replaces a single-value node by a duplicate sub-tree
// holding the old and the new value.
func (c *Cursor) convertToDups(tr *treeRecord, key, oldVal, newVal []byte) error {
	t := c.txn
	old := append([]byte(nil), oldVal...)

	id, buf, err := t.allocPages(1)
	if err != nil {
		return err
	}
	sp := page{buf: buf}
	sp.init(id, pageLeaf)
	lo, hi := old, newVal
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	bn := make([]byte, leafNodeSize(len(lo), 0))
	putLeafNode(bn, lo, nil)
	copy(sp.insertNode(0, len(bn)), bn)
	bn = make([]byte, leafNodeSize(len(hi), 0))
	putLeafNode(bn, hi, nil)
	copy(sp.insertNode(1, len(bn)), bn)

	sub := treeRecord{Root: id, Height: 1, LeafPages: 1, Entries: 2, ModTxn: t.id}

	pg, err := c.tc.leafPage()
	if err != nil {
		return err
	}
	// old is already copied out, so a big node's chain can go back to
	// the freelist before the node is dropped.
	if nd := pg.node(c.tc.idxs[c.tc.top-1]); nd.isBig() {
		n, err := t.freeOverflow(nd)
		if err != nil {
			return err
		}
		tr.OverflowPages -= uint32(n)
	}
	pg.removeNode(c.tc.idxs[c.tc.top-1])
	dn := make([]byte, dupNodeSize(len(key)))
	putDupNode(dn, key, sub)
	if err := c.tc.insertAt(tr, c.tc.top-1, dn); err != nil {
		return err
	}
	tr.Entries++
	return nil
}

// reposition re-seeks the cursor onto a specific pair after a
// structural change.
func (c *Cursor) reposition(key, val []byte) error {
	tr, err := c.tree()
	if err != nil {
		return err
	}
	found, err := c.tc.seek(tr, key)
	if err != nil {
		return err
	}
	if !found {
		c.positioned = false
		return nil
	}
	_, nd, err := c.tc.currentNode()
	if err != nil {
		return err
	}
	if nd.isDup() {
		c.loadSub(nd)
		if _, err := c.sub.seek(&c.subRec, val); err != nil {
			return err
		}
	} else {
		c.hasSub = false
	}
	c.afterDel = false
	c.save()
	return nil
}

// Del removes the entry under the cursor. In a DupSort database only
// the current value is removed unless all is set, which drops the key
// with every duplicate. Afterwards the cursor stands on the following
// entry and the next Get(Next) returns it.
func (c *Cursor) Del(all bool) error {
	t := c.txn
	if err := c.usable(); err != nil {
		return err
	}
	if !t.write {
		return ErrReadOnly
	}
	if err := c.revalidate(); err != nil {
		return err
	}
	if !c.positioned || c.afterDel {
		return ErrNotFound
	}
	tr, err := c.tree()
	if err != nil {
		return err
	}
	_, nd, err := c.tc.currentNode()
	if err != nil {
		return err
	}
	delKey := append([]byte(nil), nd.key()...)
	var delVal []byte
	if nd.isDup() && !all {
		_, snd, err := c.sub.currentNode()
		if err != nil {
			return err
		}
		delVal = append([]byte(nil), snd.key()...)
	}

	if err := c.tc.touchPath(tr); err != nil {
		return err
	}
	_, nd, err = c.tc.currentNode()
	if err != nil {
		return err
	}
	switch {
	case nd.isDup() && !all:
		c.loadSub(nd)
		vfound, err := c.sub.seek(&c.subRec, delVal)
		if err != nil {
			return err
		}
		if !vfound {
			return corruptf("duplicate value vanished during delete")
		}
		if err := c.sub.touchPath(&c.subRec); err != nil {
			return err
		}
		if err := c.sub.deleteAt(&c.subRec); err != nil {
			return err
		}
		c.subRec.Entries--
		tr.Entries--
		if c.subRec.Entries == 0 {
			if err := c.tc.deleteAt(tr); err != nil {
				return err
			}
		} else {
			_, mn, err := c.tc.currentNode()
			if err != nil {
				return err
			}
			mn.setDupTree(c.subRec)
		}

	case nd.isDup():
		sub := nd.dupTree()
		if sub.Root != invalidPgno {
			if err := t.freeTree(sub.Root, int(sub.Height)); err != nil {
				return err
			}
		}
		tr.Entries -= sub.Entries
		if err := c.tc.deleteAt(tr); err != nil {
			return err
		}

	default:
		if nd.isBig() {
			n, err := t.freeOverflow(nd)
			if err != nil {
				return err
			}
			tr.OverflowPages -= uint32(n)
		}
		tr.Entries--
		if err := c.tc.deleteAt(tr); err != nil {
			return err
		}
	}

	t.dbiDirty[c.dbi] = true
	tr.ModTxn = t.id
	t.mutations++
	c.seq = t.mutations
	return c.settleAfterDelete(tr, delKey, delVal)
}

// settleAfterDelete parks the cursor on the successor of the removed
// pair, flagged so the next forward step returns it.
func (c *Cursor) settleAfterDelete(tr *treeRecord, key, val []byte) error {
	c.afterDel = true
	found, err := c.tc.seek(tr, key)
	if err != nil {
		return err
	}
	if !c.tc.valid() {
		c.positioned = false
		return nil
	}
	atEnd := func(err error) error {
		if IsNotFound(err) {
			c.positioned = false
			return nil
		}
		return err
	}
	if found && val != nil {
		_, nd, err := c.tc.currentNode()
		if err != nil {
			return err
		}
		if nd.isDup() {
			c.loadSub(nd)
			if _, err := c.sub.seek(&c.subRec, val); err != nil {
				return err
			}
			spg, err := c.sub.leafPage()
			if err != nil {
				return err
			}
			if c.sub.idxs[c.sub.top-1] >= spg.count() {
				if err := c.sub.next(); err != nil {
					if !IsNotFound(err) {
						return err
					}
					if err := c.tc.next(); err != nil {
						return atEnd(err)
					}
					if err := c.enterDups(false); err != nil {
						return atEnd(err)
					}
				}
			}
		} else {
			c.hasSub = false
		}
	} else {
		if err := c.normalizeForward(); err != nil {
			return atEnd(err)
		}
		if err := c.enterDups(false); err != nil {
			return atEnd(err)
		}
	}
	c.positioned = true
	if c.txn.write {
		if k, v, err := c.current(); err == nil {
			c.keyBuf = append(c.keyBuf[:0], k...)
			if c.hasSub {
				c.valBuf = append(c.valBuf[:0], v...)
			} else {
				c.valBuf = c.valBuf[:0]
			}
		}
	}
	return nil
}

// RangeIter iterates the entries of [lo, hi) in key order, including
// every duplicate. A nil lo starts at the first entry; a nil hi runs
// to the end.
type RangeIter struct {
	c          *Cursor
	hi         []byte
	started    bool
	pending    [2][]byte
	hasPending bool
	err        error
}

// Range returns an iterator over dbi for the half-open key interval
// [lo, hi).
func (t *Txn) Range(dbi DBI, lo, hi []byte) (*RangeIter, error) {
	if t.done {
		return nil, ErrBadTxn
	}
	c, err := t.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	it := &RangeIter{c: c}
	if hi != nil {
		it.hi = append([]byte(nil), hi...)
	}
	if lo != nil {
		it.started = true
		k, v, err := c.Get(lo, nil, SetRange)
		if err != nil {
			if !IsNotFound(err) {
				it.err = err
			}
			it.c.Close()
			return it, nil
		}
		it.pending = [2][]byte{k, v}
		it.hasPending = true
	}
	return it, nil
}

// Next returns the following entry, or ok=false when the range is
// exhausted or an error occurred.
func (it *RangeIter) Next() (key, val []byte, ok bool) {
	if it.err != nil || it.c.closed {
		return nil, nil, false
	}
	var k, v []byte
	var err error
	if it.hasPending {
		k, v = it.pending[0], it.pending[1]
		it.hasPending = false
	} else {
		op := Next
		if !it.started {
			op = First
			it.started = true
		}
		k, v, err = it.c.Get(nil, nil, op)
		if err != nil {
			if !IsNotFound(err) {
				it.err = err
			}
			it.c.Close()
			return nil, nil, false
		}
	}
	if it.hi != nil && it.c.tc.cmp(k, it.hi) >= 0 {
		it.c.Close()
		return nil, nil, false
	}
	return k, v, true
}

// Err reports the first failure encountered while iterating.
func (it *RangeIter) Err() error { return it.err }

// Close releases the iterator's cursor.
func (it *RangeIter) Close() { it.c.Close() }
