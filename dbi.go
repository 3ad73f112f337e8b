package skiff

import (
	"bytes"
)

// compareFor returns the key ordering for a database's flags.
func compareFor(flags DBIFlags) func(a, b []byte) int {
	switch {
	case flags&IntegerKey != 0:
		return compareInteger
	case flags&ReverseKey != 0:
		return compareReverse
	default:
		return bytes.Compare
	}
}

// compareInteger orders fixed-size big-endian unsigned integers:
// shorter keys sort first, equal lengths compare bytewise.
func compareInteger(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return bytes.Compare(a, b)
}

// compareReverse compares keys from their last byte backwards.
func compareReverse(a, b []byte) int {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		if a[i] != b[j] {
			if a[i] < b[j] {
				return -1
			}
			return 1
		}
		i--
		j--
	}
	switch {
	case i >= 0:
		return 1
	case j >= 0:
		return -1
	default:
		return 0
	}
}

// OpenDBI returns a handle to the named database, creating it when the
// Create flag is set in a write transaction. The empty name is the
// main database. Handles are environment-wide: once opened they stay
// valid for later transactions.
func (t *Txn) OpenDBI(name string, flags DBIFlags) (DBI, error) {
	if t.done {
		return 0, ErrBadTxn
	}
	e := t.env
	persistent := uint16(flags & persistentDBIFlags)

	if name == "" {
		if persistent != t.meta.Main.Flags {
			return 0, ErrBadDBI
		}
		return mainDBI, nil
	}

	e.dbiMu.Lock()
	for i, h := range e.dbis {
		if h != nil && h.name == name {
			if uint16(h.flags&persistentDBIFlags) != persistent {
				e.dbiMu.Unlock()
				return 0, ErrBadDBI
			}
			e.dbiMu.Unlock()
			return DBI(i), nil
		}
	}
	e.dbiMu.Unlock()

	var rec treeRecord
	created := false
	val, err := t.getRaw(mainDBI, []byte(name))
	switch {
	case err == nil:
		if len(val) != treeRecordSize {
			return 0, corruptf("catalogue entry %q has size %d", name, len(val))
		}
		rec = decodeTreeRecord(val)
		if rec.Flags != persistent {
			return 0, ErrBadDBI
		}
	case IsNotFound(err):
		if flags&Create == 0 {
			return 0, ErrNotFound
		}
		if !t.write {
			return 0, ErrReadOnly
		}
		rec = emptyTreeRecord(persistent)
		rec.ModTxn = t.id
		buf := make([]byte, treeRecordSize)
		rec.encode(buf)
		if err := t.putRaw(mainDBI, []byte(name), buf); err != nil {
			return 0, err
		}
		created = true
	default:
		return 0, err
	}

	e.dbiMu.Lock()
	if len(e.dbis) > e.cfg.MaxDBs {
		e.dbiMu.Unlock()
		return 0, ErrDBsFull
	}
	e.dbis = append(e.dbis, &dbiHandle{name: name, flags: flags &^ Create})
	dbi := DBI(len(e.dbis) - 1)
	e.dbiMu.Unlock()

	for len(t.trees) < int(dbi) {
		t.trees = append(t.trees, treeRecord{})
		t.treesLoaded = append(t.treesLoaded, false)
		t.dbiDirty = append(t.dbiDirty, false)
	}
	t.trees = append(t.trees, rec)
	t.treesLoaded = append(t.treesLoaded, true)
	t.dbiDirty = append(t.dbiDirty, created)
	return dbi, nil
}

// Drop empties the database, freeing every page it owns. With del the
// database is also removed from the catalogue and its handle closed.
// The main database can only be emptied.
func (t *Txn) Drop(dbi DBI, del bool) error {
	if t.done {
		return ErrBadTxn
	}
	if !t.write {
		return ErrReadOnly
	}
	if dbi == mainDBI && del {
		return invalidf("cannot delete the main database")
	}
	tr, err := t.tree(dbi)
	if err != nil {
		return err
	}
	if tr.Root != invalidPgno {
		if err := t.freeTree(tr.Root, int(tr.Height)); err != nil {
			return err
		}
	}
	flags := tr.Flags
	seq := tr.Sequence
	*tr = emptyTreeRecord(flags)
	tr.Sequence = seq
	tr.ModTxn = t.id
	t.dbiDirty[dbi] = true
	t.mutations++

	if !del {
		return nil
	}
	t.env.dbiMu.Lock()
	name := t.env.dbis[dbi].name
	t.env.dbis[dbi] = nil
	t.env.dbiMu.Unlock()
	t.dbiDirty[dbi] = false
	return t.delRaw(mainDBI, []byte(name))
}

func (t *Txn) delRaw(dbi DBI, key []byte) error {
	c := Cursor{txn: t, dbi: dbi}
	if err := c.bind(); err != nil {
		return err
	}
	if _, _, err := c.Get(key, nil, Set); err != nil {
		return err
	}
	return c.Del(true)
}

// freeTree releases every page reachable from root, including overflow
// chains and duplicate sub-trees.
func (t *Txn) freeTree(root pgno, height int) error {
	buf, err := t.page(root)
	if err != nil {
		return err
	}
	pg := page{buf: buf}
	switch {
	case pg.isBranch():
		if height <= 1 {
			return corruptf("branch page %d at leaf height", root)
		}
		for i := 0; i < pg.count(); i++ {
			if err := t.freeTree(pg.node(i).child(), height-1); err != nil {
				return err
			}
		}
	case pg.isLeaf():
		for i := 0; i < pg.count(); i++ {
			nd := pg.node(i)
			switch {
			case nd.isBig():
				head := nd.overflowHead()
				hbuf, err := t.page(head)
				if err != nil {
					return err
				}
				t.freePages(head, page{buf: hbuf}.overflowLen())
			case nd.isDup():
				sub := nd.dupTree()
				if sub.Root != invalidPgno {
					if err := t.freeTree(sub.Root, int(sub.Height)); err != nil {
						return err
					}
				}
			}
		}
	default:
		return corruptf("page %d has flags %#x inside a tree", root, pg.flags())
	}
	t.freePages(root, 1)
	return nil
}
