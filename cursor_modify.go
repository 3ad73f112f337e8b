package skiff

// Mutation machinery shared by the main tree and duplicate sub-trees.
// Every path from root to the modified leaf is copied on first touch,
// so committed pages are never written and readers keep consistent
// snapshots. Structural operations invalidate the cursor stack; public
// cursor methods re-seek afterwards.

// touchPath copies every page on the stack that still belongs to a
// committed state, rewiring parent child pointers and the tree root.
func (tc *treeCursor) touchPath(tr *treeRecord) error {
	for level := 0; level < tc.top; level++ {
		id := tc.pgnos[level]
		newID, _, err := tc.txn.touch(id)
		if err != nil {
			return err
		}
		if newID == id {
			continue
		}
		if level == 0 {
			tr.Root = newID
		} else {
			parent, err := tc.pageAt(level - 1)
			if err != nil {
				return err
			}
			parent.node(tc.idxs[level-1]).setChild(newID)
		}
		tc.pgnos[level] = newID
	}
	return nil
}

// touchSibling copies the child at slot idx of the parent page at
// parentLevel, which must already be dirty.
func (tc *treeCursor) touchSibling(parentLevel, idx int) (pgno, page, error) {
	parent, err := tc.pageAt(parentLevel)
	if err != nil {
		return 0, page{}, err
	}
	id := parent.node(idx).child()
	newID, buf, err := tc.txn.touch(id)
	if err != nil {
		return 0, page{}, err
	}
	if newID != id {
		parent.node(idx).setChild(newID)
	}
	return newID, page{buf: buf}, nil
}

// createRoot starts a tree with one empty leaf and positions the
// cursor on it.
func (tc *treeCursor) createRoot(tr *treeRecord) error {
	id, buf, err := tc.txn.allocPages(1)
	if err != nil {
		return err
	}
	page{buf: buf}.init(id, pageLeaf)
	tr.Root = id
	tr.Height = 1
	tr.LeafPages++
	tc.pgnos[0] = id
	tc.idxs[0] = 0
	tc.top = 1
	return nil
}

// insertAt places a serialized node at the cursor's slot of the given
// level, splitting as needed. The stack may be invalid afterwards.
func (tc *treeCursor) insertAt(tr *treeRecord, level int, nd []byte) error {
	pg, err := tc.pageAt(level)
	if err != nil {
		return err
	}
	if pg.fitsNode(len(nd)) {
		copy(pg.insertNode(tc.idxs[level], len(nd)), nd)
		return nil
	}
	return tc.splitInsert(tr, level, nd)
}

// chooseSplit returns the index of the first entry that moves to the
// new right page, balancing bytes. Appending to the end keeps the
// left page full, the fast path for sorted loads.
func chooseSplit(virtual []node, branch bool, insertIdx, capacity int) int {
	n := len(virtual)
	if insertIdx == n-1 {
		return n - 1
	}
	sizes := make([]int, n)
	total := 0
	for j, v := range virtual {
		sizes[j] = v.size(branch) + slotSize
		total += sizes[j]
	}
	half := total / 2
	s := n - 1
	cum := 0
	for j := 0; j < n-1; j++ {
		cum += sizes[j]
		if cum >= half {
			s = j + 1
			break
		}
	}
	if s < 1 {
		s = 1
	}
	left := 0
	for j := 0; j < s; j++ {
		left += sizes[j]
	}
	for s > 1 && left > capacity {
		s--
		left -= sizes[s]
	}
	for s < n-1 && total-left > capacity {
		left += sizes[s]
		s++
	}
	return s
}

func (tc *treeCursor) splitInsert(tr *treeRecord, level int, nd []byte) error {
	ps := tc.txn.env.pageSize
	pg, err := tc.pageAt(level)
	if err != nil {
		return err
	}
	branch := pg.isBranch()
	i := tc.idxs[level]
	n := pg.count()

	// The left page is rebuilt in place, so work from a snapshot.
	old := make([]byte, ps)
	copy(old, pg.buf)
	op := page{buf: old}
	virtual := make([]node, 0, n+1)
	for j := 0; j < i; j++ {
		virtual = append(virtual, op.node(j))
	}
	virtual = append(virtual, node(nd))
	for j := i; j < n; j++ {
		virtual = append(virtual, op.node(j))
	}
	s := chooseSplit(virtual, branch, i, ps-pageHeaderSize)

	leftID := pg.pgno()
	rightID, rbuf, err := tc.txn.allocPages(1)
	if err != nil {
		return err
	}
	right := page{buf: rbuf}
	right.init(rightID, op.flags())
	pg.init(leftID, op.flags())
	for j := 0; j < s; j++ {
		sz := virtual[j].size(branch)
		copy(pg.insertNode(j, sz), virtual[j][:sz])
	}
	for j := s; j < len(virtual); j++ {
		sz := virtual[j].size(branch)
		copy(right.insertNode(j-s, sz), virtual[j][:sz])
	}
	if branch {
		tr.BranchPages++
	} else {
		tr.LeafPages++
	}
	sep := append([]byte(nil), right.node(0).key()...)

	if level == 0 {
		rootID, rootBuf, err := tc.txn.allocPages(1)
		if err != nil {
			return err
		}
		root := page{buf: rootBuf}
		root.init(rootID, pageBranch)
		putBranchNode(root.insertNode(0, branchNodeSize(0)), nil, leftID)
		putBranchNode(root.insertNode(1, branchNodeSize(len(sep))), sep, rightID)
		tr.Root = rootID
		tr.Height++
		tr.BranchPages++
		tc.top = 0
		return nil
	}
	bn := make([]byte, branchNodeSize(len(sep)))
	putBranchNode(bn, sep, rightID)
	tc.idxs[level-1]++
	return tc.insertAt(tr, level-1, bn)
}

// deleteAt removes the leaf entry under the cursor and restores the
// tree's shape invariants.
func (tc *treeCursor) deleteAt(tr *treeRecord) error {
	pg, err := tc.leafPage()
	if err != nil {
		return err
	}
	pg.removeNode(tc.idxs[tc.top-1])
	return tc.rebalance(tr, tc.top-1)
}

// rebalance merges an underfull page into a neighbor. Pages stay
// above a quarter of their capacity; a non-empty page without a
// neighbor it fits into is left alone, which keeps the tree valid if
// loose. Empty pages are always unlinked.
func (tc *treeCursor) rebalance(tr *treeRecord, level int) error {
	ps := tc.txn.env.pageSize
	pg, err := tc.pageAt(level)
	if err != nil {
		return err
	}
	branch := pg.isBranch()
	minCount := 1
	if branch {
		minCount = 2
	}
	fill := ps - pageHeaderSize - pg.totalFree()
	if pg.count() >= minCount && fill >= ps/4 {
		return nil
	}

	if level == 0 {
		switch {
		case branch && pg.count() == 1:
			// Collapse single-child roots until the tree height fits
			// its content again.
			for {
				child := pg.node(0).child()
				tc.txn.freePages(tr.Root, 1)
				tr.Root = child
				tr.Height--
				tr.BranchPages--
				cbuf, err := tc.txn.page(child)
				if err != nil {
					return err
				}
				pg = page{buf: cbuf}
				if !pg.isBranch() || pg.count() != 1 {
					break
				}
			}
			tc.top = 0
		case pg.count() == 0:
			tc.txn.freePages(tr.Root, 1)
			tr.Root = invalidPgno
			tr.Height = 0
			if branch {
				tr.BranchPages--
			} else {
				tr.LeafPages--
			}
			tc.top = 0
		}
		return nil
	}

	parent, err := tc.pageAt(level - 1)
	if err != nil {
		return err
	}
	pidx := tc.idxs[level-1]

	// An empty page is unlinked outright. Merging needs room in a
	// sibling and may be skipped; descent must never land on an empty
	// page, so removal cannot depend on it.
	if pg.count() == 0 {
		tc.txn.freePages(tc.pgnos[level], 1)
		if branch {
			tr.BranchPages--
		} else {
			tr.LeafPages--
		}
		parent.removeNode(pidx)
		if pidx > 0 {
			tc.idxs[level-1] = pidx - 1
		}
		return tc.rebalance(tr, level-1)
	}

	if pidx > 0 {
		return tc.mergeIntoLeft(tr, level, pidx)
	}
	if parent.count() > 1 {
		return tc.mergeRightIn(tr, level)
	}
	return nil
}

// mergeBody appends src's entries to dst. For branch pages the first
// entry's key becomes sep, the separator the parent is dropping.
func mergeBody(dst, src page, sep []byte) {
	branch := src.isBranch()
	base := dst.count()
	for j := 0; j < src.count(); j++ {
		nd := src.node(j)
		if branch && j == 0 {
			bn := make([]byte, branchNodeSize(len(sep)))
			putBranchNode(bn, sep, nd.child())
			dst.fitsNode(len(bn))
			copy(dst.insertNode(base+j, len(bn)), bn)
			continue
		}
		sz := nd.size(branch)
		dst.fitsNode(sz)
		copy(dst.insertNode(base+j, sz), nd[:sz])
	}
}

// mergeCost is the space src's entries need in another page, with the
// branch separator substitution accounted for.
func mergeCost(src page, sep []byte) int {
	cost := src.usedNodeBytes() + src.count()*slotSize
	if src.isBranch() && src.count() > 0 {
		cost += len(sep) - src.node(0).keySize()
	}
	return cost
}

func (tc *treeCursor) mergeIntoLeft(tr *treeRecord, level, pidx int) error {
	parent, err := tc.pageAt(level - 1)
	if err != nil {
		return err
	}
	cur, err := tc.pageAt(level)
	if err != nil {
		return err
	}
	sep := parent.node(pidx).key()
	leftID := parent.node(pidx-1).child()
	leftBuf, err := tc.txn.page(leftID)
	if err != nil {
		return err
	}
	left := page{buf: leftBuf}
	if mergeCost(cur, sep) > left.totalFree() {
		return nil
	}
	_, left, err = tc.touchSibling(level-1, pidx-1)
	if err != nil {
		return err
	}
	mergeBody(left, cur, sep)
	tc.txn.freePages(tc.pgnos[level], 1)
	if cur.isBranch() {
		tr.BranchPages--
	} else {
		tr.LeafPages--
	}
	parent.removeNode(pidx)
	tc.idxs[level-1] = pidx - 1
	return tc.rebalance(tr, level-1)
}

func (tc *treeCursor) mergeRightIn(tr *treeRecord, level int) error {
	parent, err := tc.pageAt(level - 1)
	if err != nil {
		return err
	}
	cur, err := tc.pageAt(level)
	if err != nil {
		return err
	}
	sep := parent.node(1).key()
	rightID := parent.node(1).child()
	rightBuf, err := tc.txn.page(rightID)
	if err != nil {
		return err
	}
	right := page{buf: rightBuf}
	if mergeCost(right, sep) > cur.totalFree() {
		return nil
	}
	mergeBody(cur, right, sep)
	tc.txn.freePages(rightID, 1)
	if right.isBranch() {
		tr.BranchPages--
	} else {
		tr.LeafPages--
	}
	parent.removeNode(1)
	return tc.rebalance(tr, level-1)
}

// writeOverflow stores val in a fresh overflow run and returns its
// head page and length in pages.
func (t *Txn) writeOverflow(val []byte) (pgno, int, error) {
	ps := t.env.pageSize
	npages := (pageHeaderSize + len(val) + ps - 1) / ps
	id, buf, err := t.allocPages(npages)
	if err != nil {
		return 0, 0, err
	}
	hp := page{buf: buf[:ps]}
	hp.init(id, pageOverflow)
	hp.setOverflowLen(npages)
	copy(buf[pageHeaderSize:], val)
	return id, npages, nil
}

// freeOverflow releases a big node's chain, returning its length.
func (t *Txn) freeOverflow(nd node) (int, error) {
	head := nd.overflowHead()
	hbuf, err := t.page(head)
	if err != nil {
		return 0, err
	}
	hp := page{buf: hbuf}
	if !hp.isOverflow() {
		return 0, corruptf("page %d expected overflow, has flags %#x", head, hp.flags())
	}
	n := hp.overflowLen()
	t.freePages(head, n)
	return n, nil
}
