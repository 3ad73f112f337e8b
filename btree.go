package skiff

// treeCursor is a page-stack position inside one B+tree. The public
// Cursor composes two of them, one for the main tree and one for the
// duplicate sub-tree of the current key.
//
// The stack holds page numbers rather than buffers, so each access
// resolves through the transaction and always sees the transaction's
// dirty copy of a page.
type treeCursor struct {
	txn *Txn
	cmp func(a, b []byte) int

	pgnos [maxTreeDepth]pgno
	idxs  [maxTreeDepth]int
	top   int
}

func (tc *treeCursor) clear() { tc.top = 0 }

func (tc *treeCursor) valid() bool { return tc.top > 0 }

func (tc *treeCursor) pageAt(level int) (page, error) {
	buf, err := tc.txn.page(tc.pgnos[level])
	if err != nil {
		return page{}, err
	}
	return page{buf: buf}, nil
}

func (tc *treeCursor) leafPage() (page, error) {
	return tc.pageAt(tc.top - 1)
}

// currentNode returns the leaf page and node under the cursor.
func (tc *treeCursor) currentNode() (page, node, error) {
	pg, err := tc.leafPage()
	if err != nil {
		return page{}, nil, err
	}
	idx := tc.idxs[tc.top-1]
	if idx >= pg.count() {
		return page{}, nil, ErrNotFound
	}
	return pg, pg.node(idx), nil
}

// branchIndex picks the child slot to follow for key: the last entry
// whose separator does not exceed key. Entry 0 has no separator.
func (tc *treeCursor) branchIndex(pg page, key []byte) int {
	lo, hi := 1, pg.count()
	for lo < hi {
		mid := (lo + hi) / 2
		if tc.cmp(pg.node(mid).key(), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// leafIndex finds the lower bound of key in a leaf page.
func (tc *treeCursor) leafIndex(pg page, key []byte) (int, bool) {
	lo, hi := 0, pg.count()
	for lo < hi {
		mid := (lo + hi) / 2
		if tc.cmp(pg.node(mid).key(), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	exact := lo < pg.count() && tc.cmp(pg.node(lo).key(), key) == 0
	return lo, exact
}

// seek descends to the lower bound of key. It returns whether the key
// was found exactly; either way the stack marks the insertion point,
// whose leaf index may equal the leaf's entry count.
func (tc *treeCursor) seek(tr *treeRecord, key []byte) (bool, error) {
	tc.top = 0
	if tr.Root == invalidPgno {
		return false, nil
	}
	id := tr.Root
	for level := 0; ; level++ {
		if level >= maxTreeDepth {
			return false, corruptf("tree deeper than %d levels", maxTreeDepth)
		}
		buf, err := tc.txn.page(id)
		if err != nil {
			return false, err
		}
		pg := page{buf: buf}
		tc.pgnos[level] = id
		switch {
		case pg.isLeaf():
			idx, exact := tc.leafIndex(pg, key)
			tc.idxs[level] = idx
			tc.top = level + 1
			return exact, nil
		case pg.isBranch():
			if pg.count() == 0 {
				return false, corruptf("branch page %d is empty", id)
			}
			idx := tc.branchIndex(pg, key)
			tc.idxs[level] = idx
			id = pg.node(idx).child()
		default:
			return false, corruptf("page %d has flags %#x inside a tree", id, pg.flags())
		}
	}
}

// descend walks from level to a leaf, taking the first child when
// left is true and the last otherwise.
func (tc *treeCursor) descend(level int, left bool) error {
	for {
		pg, err := tc.pageAt(level)
		if err != nil {
			return err
		}
		if pg.isLeaf() {
			if left {
				tc.idxs[level] = 0
			} else {
				tc.idxs[level] = pg.count() - 1
			}
			tc.top = level + 1
			return nil
		}
		if !pg.isBranch() {
			return corruptf("page %d has flags %#x inside a tree", tc.pgnos[level], pg.flags())
		}
		if pg.count() == 0 {
			return corruptf("branch page %d is empty", tc.pgnos[level])
		}
		idx := 0
		if !left {
			idx = pg.count() - 1
		}
		tc.idxs[level] = idx
		if level+1 >= maxTreeDepth {
			return corruptf("tree deeper than %d levels", maxTreeDepth)
		}
		tc.pgnos[level+1] = pg.node(idx).child()
		level++
	}
}

func (tc *treeCursor) first(tr *treeRecord) error {
	tc.top = 0
	if tr.Root == invalidPgno || tr.Entries == 0 {
		return ErrNotFound
	}
	tc.pgnos[0] = tr.Root
	if err := tc.descend(0, true); err != nil {
		return err
	}
	pg, err := tc.leafPage()
	if err != nil {
		return err
	}
	if pg.count() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tc *treeCursor) last(tr *treeRecord) error {
	tc.top = 0
	if tr.Root == invalidPgno || tr.Entries == 0 {
		return ErrNotFound
	}
	tc.pgnos[0] = tr.Root
	if err := tc.descend(0, false); err != nil {
		return err
	}
	pg, err := tc.leafPage()
	if err != nil {
		return err
	}
	if pg.count() == 0 {
		return ErrNotFound
	}
	return nil
}

// next advances to the following entry, leaving the position unchanged
// when already at the end.
func (tc *treeCursor) next() error {
	level := tc.top - 1
	for level >= 0 {
		pg, err := tc.pageAt(level)
		if err != nil {
			return err
		}
		if tc.idxs[level]+1 < pg.count() {
			tc.idxs[level]++
			break
		}
		level--
	}
	if level < 0 {
		return ErrNotFound
	}
	if level == tc.top-1 {
		return nil
	}
	pg, err := tc.pageAt(level)
	if err != nil {
		return err
	}
	if level+1 >= maxTreeDepth {
		return corruptf("tree deeper than %d levels", maxTreeDepth)
	}
	tc.pgnos[level+1] = pg.node(tc.idxs[level]).child()
	return tc.descend(level+1, true)
}

// prev steps back to the preceding entry.
func (tc *treeCursor) prev() error {
	level := tc.top - 1
	for level >= 0 {
		if tc.idxs[level] > 0 {
			tc.idxs[level]--
			break
		}
		level--
	}
	if level < 0 {
		return ErrNotFound
	}
	if level == tc.top-1 {
		return nil
	}
	pg, err := tc.pageAt(level)
	if err != nil {
		return err
	}
	if level+1 >= maxTreeDepth {
		return corruptf("tree deeper than %d levels", maxTreeDepth)
	}
	tc.pgnos[level+1] = pg.node(tc.idxs[level]).child()
	return tc.descend(level+1, false)
}

// readValue resolves a leaf node's payload, following the overflow
// chain for big nodes.
func (tc *treeCursor) readValue(nd node) ([]byte, error) {
	if nd.isBig() {
		head := nd.overflowHead()
		hbuf, err := tc.txn.page(head)
		if err != nil {
			return nil, err
		}
		hp := page{buf: hbuf}
		if !hp.isOverflow() {
			return nil, corruptf("page %d expected overflow, has flags %#x", head, hp.flags())
		}
		run, err := tc.txn.pageRun(head, hp.overflowLen())
		if err != nil {
			return nil, err
		}
		size := nd.dataSize()
		if pageHeaderSize+size > len(run) {
			return nil, corruptf("overflow chain at page %d shorter than value", head)
		}
		return run[pageHeaderSize : pageHeaderSize+size], nil
	}
	return nd.inlineValue(), nil
}
