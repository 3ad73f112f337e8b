package skiff

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/skiffdb/skiff/mmap"
)

// Config tunes an environment. The zero value is usable: every field
// falls back to a sensible default.
type Config struct {
	// PageSize is the page size for newly created files. Existing
	// files keep the size they were created with. Must be a power of
	// two in [MinPageSize, MaxPageSize]. Default 4096.
	PageSize int
	// MapSize is the maximum total size of the database in bytes.
	// Allocations past it fail with ErrMapFull. Default 1GiB.
	MapSize int64
	// MaxReaders sizes the reader table of a newly created lock file.
	// Default 126.
	MaxReaders int
	// MaxDBs bounds the number of named database handles open at once.
	// Default 16.
	MaxDBs int
	// MaxKeySize bounds key length (and duplicate value length, since
	// duplicates are stored as sorted keys). Capped by the structural
	// page-size limit. Default 511.
	MaxKeySize int
	// ReadOnly opens the environment without write access.
	ReadOnly bool
	// NoSync skips the data fsync on commit. A crash may then lose
	// recent transactions but never corrupts the file, because the
	// meta page is still written after the data.
	NoSync bool
	// FileMode is used when creating the data and lock files.
	// Default 0644.
	FileMode os.FileMode
	// Logger receives operational events. Default zap.NewNop().
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MapSize == 0 {
		c.MapSize = 1 << 30
	}
	if c.MaxReaders == 0 {
		c.MaxReaders = 126
	}
	if c.MaxDBs == 0 {
		c.MaxDBs = 16
	}
	if c.MaxKeySize == 0 {
		c.MaxKeySize = 511
		if lim := maxKeySizeFor(c.PageSize); c.MaxKeySize > lim {
			c.MaxKeySize = lim
		}
	}
	if c.FileMode == 0 {
		c.FileMode = 0o644
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Env is an open database environment: one data file, its lock file
// and the shared memory mappings. An Env is safe for concurrent use.
type Env struct {
	cfg  Config
	log  *zap.Logger
	path string
	file *os.File
	lck  *lockFile

	pageSize   int
	maxKeySize int
	geoMax     pgno

	metaRef atomic.Pointer[meta]
	mapRef  atomic.Pointer[mmap.Map]

	// mu guards metaSlot, oldMaps and map growth.
	mu       sync.Mutex
	metaSlot int
	oldMaps  []*mmap.Map

	// writerMu is the in-process writer gate; the cross-process gate
	// is the lock file flock taken while it is held.
	writerMu sync.Mutex
	fl       *freelist

	dbiMu sync.Mutex
	dbis  []*dbiHandle

	// liveTxns counts transactions between begin and commit/abort.
	// Close refuses to tear the mappings down while it is non-zero.
	liveTxns atomic.Int64
	closed   atomic.Bool
}

type dbiHandle struct {
	name  string
	flags DBIFlags
}

// openEnvs detects a second Open of the same path within one process,
// which the flock cannot see because flock locks are per-process.
var openEnvs = struct {
	sync.Mutex
	paths map[string]struct{}
}{paths: make(map[string]struct{})}

// Open opens or creates the database at path. The lock file is created
// next to it as path + "-lock".
func Open(path string, cfg Config) (*Env, error) {
	cfg = cfg.withDefaults()
	if cfg.PageSize < MinPageSize || cfg.PageSize > MaxPageSize ||
		cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, invalidf("page size %d is not a power of two in [%d, %d]",
			cfg.PageSize, MinPageSize, MaxPageSize)
	}
	if cfg.MaxKeySize > maxKeySizeFor(cfg.PageSize) {
		return nil, invalidf("max key size %d exceeds page size limit %d",
			cfg.MaxKeySize, maxKeySizeFor(cfg.PageSize))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, invalidf("resolve path %q: %v", path, err)
	}
	openEnvs.Lock()
	if _, dup := openEnvs.paths[abs]; dup {
		openEnvs.Unlock()
		return nil, ErrBusy
	}
	openEnvs.paths[abs] = struct{}{}
	openEnvs.Unlock()

	env, err := openEnv(abs, cfg)
	if err != nil {
		openEnvs.Lock()
		delete(openEnvs.paths, abs)
		openEnvs.Unlock()
		return nil, err
	}
	return env, nil
}

func openEnv(path string, cfg Config) (*Env, error) {
	flag := os.O_RDWR | os.O_CREATE
	if cfg.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, cfg.FileMode)
	if err != nil {
		return nil, ioError("open data file", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError("stat data file", err)
	}

	env := &Env{
		cfg:  cfg,
		log:  cfg.Logger.Named("skiff"),
		path: path,
		file: f,
		fl:   newFreelist(),
	}

	if st.Size() == 0 {
		if cfg.ReadOnly {
			f.Close()
			return nil, &Error{Code: CodeInvalid, Message: "cannot create database read-only"}
		}
		if err := env.initFile(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := env.readHeader(st.Size()); err != nil {
		f.Close()
		return nil, err
	}

	env.lck, err = openLockFile(path+"-lock", cfg.MaxReaders)
	if err != nil {
		f.Close()
		return nil, err
	}
	if cleared := env.lck.staleCheck(); cleared > 0 {
		env.log.Info("cleared stale reader slots", zap.Int("slots", cleared))
	}

	st, err = f.Stat()
	if err != nil {
		env.lck.close()
		f.Close()
		return nil, ioError("stat data file", err)
	}
	m, err := mmap.New(int(f.Fd()), int(st.Size()), !cfg.ReadOnly)
	if err != nil {
		env.lck.close()
		f.Close()
		return nil, ioError("map data file", err)
	}
	m.AdviseRandom()
	env.mapRef.Store(m)

	cur := env.metaRef.Load()
	if int64(cur.GeoNow)*int64(env.pageSize) > m.Size() {
		env.Close()
		return nil, corruptf("meta claims %d pages but file holds %d",
			cur.GeoNow, m.Size()/int64(env.pageSize))
	}
	if !cfg.ReadOnly {
		if err := env.loadFreelist(*cur); err != nil {
			env.Close()
			return nil, err
		}
	}

	env.dbis = make([]*dbiHandle, 1, cfg.MaxDBs+1)
	env.dbis[0] = &dbiHandle{flags: DBIFlags(cur.Main.Flags)}

	env.log.Info("environment opened",
		zap.String("path", path),
		zap.Int("pageSize", env.pageSize),
		zap.Uint64("txnid", cur.Txnid),
		zap.Uint64("entries", cur.Main.Entries))
	return env, nil
}

// initFile writes the two meta pages of a fresh database.
func (e *Env) initFile() error {
	e.pageSize = e.cfg.PageSize
	e.maxKeySize = e.cfg.MaxKeySize
	e.geoMax = pgno(e.cfg.MapSize / int64(e.pageSize))

	m := meta{
		Version:  formatVersion,
		PageSize: uint32(e.pageSize),
		GeoNow:   numMetaPages,
		GeoMax:   e.geoMax,
		FreeRoot: invalidPgno,
		Main:     emptyTreeRecord(0),
		Txnid:    1,
	}
	buf := make([]byte, numMetaPages*e.pageSize)
	for i := 0; i < numMetaPages; i++ {
		pg := page{buf: buf[i*e.pageSize : (i+1)*e.pageSize]}
		pg.init(pgno(i), pageMeta)
		m.encode(buf[i*e.pageSize+pageHeaderSize:])
	}
	if _, err := e.file.WriteAt(buf, 0); err != nil {
		return ioError("write initial meta pages", err)
	}
	if err := e.file.Sync(); err != nil {
		return ioError("sync initial meta pages", err)
	}
	e.metaRef.Store(&m)
	e.metaSlot = 1
	return nil
}

// readHeader locates and validates the meta pages of an existing file.
func (e *Env) readHeader(fileSize int64) error {
	// The page size lives at a fixed offset of meta page 0; read it
	// raw first to know where meta page 1 starts.
	head := make([]byte, pageHeaderSize+metaSize)
	if _, err := e.file.ReadAt(head, 0); err != nil {
		return ioError("read meta page 0", err)
	}
	if binary.LittleEndian.Uint64(head[pageHeaderSize:pageHeaderSize+8]) != formatMagic {
		return &Error{Code: CodeInvalid, Message: "not a skiff database file"}
	}
	ps := int(binary.LittleEndian.Uint32(head[pageHeaderSize+12 : pageHeaderSize+16]))
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return corruptf("page size field %d out of range", ps)
	}
	if fileSize < int64(numMetaPages*ps) {
		return corruptf("file smaller than its meta pages")
	}

	pages := make([]byte, numMetaPages*ps)
	if _, err := e.file.ReadAt(pages, 0); err != nil {
		return ioError("read meta pages", err)
	}
	m, slot, err := chooseMeta(
		pages[pageHeaderSize:pageHeaderSize+metaSize],
		pages[ps+pageHeaderSize:ps+pageHeaderSize+metaSize])
	if err != nil {
		return err
	}
	e.pageSize = int(m.PageSize)
	e.maxKeySize = e.cfg.MaxKeySize
	if e.maxKeySize > maxKeySizeFor(e.pageSize) {
		e.maxKeySize = maxKeySizeFor(e.pageSize)
	}
	e.geoMax = pgno(e.cfg.MapSize / int64(e.pageSize))
	if e.geoMax < m.GeoNow {
		e.geoMax = m.GeoNow
	}
	e.metaRef.Store(&m)
	e.metaSlot = slot
	return nil
}

// loadFreelist rebuilds the free-page tracker from the committed chain.
func (e *Env) loadFreelist(m meta) error {
	if m.FreeRoot == invalidPgno {
		return nil
	}
	data := e.mapRef.Load().Data()
	var stream []byte
	id := m.FreeRoot
	for n := uint32(0); n < m.FreePages; n++ {
		if int64(id+1)*int64(e.pageSize) > int64(len(data)) {
			return corruptf("freelist page %d beyond end of file", id)
		}
		pg := page{buf: data[int(id)*e.pageSize : int(id+1)*e.pageSize]}
		if pg.flags()&pageFreelist == 0 {
			return corruptf("page %d in freelist chain has flags %#x", id, pg.flags())
		}
		body := pg.buf[pageHeaderSize:]
		next := binary.LittleEndian.Uint32(body[0:4])
		used := int(binary.LittleEndian.Uint32(body[4:8]))
		if used > len(body)-8 {
			return corruptf("freelist page %d claims %d payload bytes", id, used)
		}
		stream = append(stream, body[8:8+used]...)
		id = next
	}
	return e.fl.load(stream)
}

// grow extends the data file and mapping to cover at least pages
// pages. Old mappings stay alive until Close because read snapshots
// may still reference them. Caller holds the writer gate.
func (e *Env) grow(pages pgno) error {
	need := int64(pages) * int64(e.pageSize)
	cur := e.mapRef.Load()
	if need <= cur.Size() {
		return nil
	}
	// Double up to the cap so remaps stay rare.
	newSize := cur.Size() * 2
	if newSize < need {
		newSize = need
	}
	if max := int64(e.geoMax) * int64(e.pageSize); newSize > max {
		newSize = max
	}
	if newSize < need {
		return ErrMapFull
	}
	if err := e.file.Truncate(newSize); err != nil {
		return ioError("extend data file", err)
	}
	m, err := mmap.New(int(e.file.Fd()), int(newSize), !e.cfg.ReadOnly)
	if err != nil {
		return ioError("map extended data file", err)
	}
	m.AdviseRandom()

	e.mu.Lock()
	e.oldMaps = append(e.oldMaps, e.mapRef.Load())
	e.mapRef.Store(m)
	e.mu.Unlock()

	e.log.Info("data file grown",
		zap.Int64("bytes", newSize),
		zap.Int("retainedMaps", len(e.oldMaps)))
	return nil
}

// Begin starts a transaction. Exactly one write transaction runs at a
// time; with NoWait a contended write begin fails with ErrWriterBusy
// instead of blocking. Read transactions never block.
func (e *Env) Begin(flags TxnFlags) (*Txn, error) {
	if e.closed.Load() {
		return nil, ErrBadTxn
	}
	if flags&ReadOnly != 0 {
		return e.beginRead()
	}
	if e.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	return e.beginWrite(flags&NoWait == 0)
}

// View runs fn in a read transaction, releasing it when fn returns.
func (e *Env) View(fn func(*Txn) error) error {
	txn, err := e.Begin(ReadOnly)
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

// Update runs fn in a write transaction and commits it if fn returns
// nil, aborting otherwise.
func (e *Env) Update(fn func(*Txn) error) error {
	txn, err := e.Begin(0)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// Sync forces the data file to stable storage. Useful with NoSync,
// where commits skip the fsync.
func (e *Env) Sync() error {
	if e.closed.Load() {
		return ErrBadTxn
	}
	if err := e.file.Sync(); err != nil {
		return ioError("fsync", err)
	}
	return nil
}

// ReaderCheck clears reader slots left behind by dead processes and
// returns the number reclaimed.
func (e *Env) ReaderCheck() (int, error) {
	if e.closed.Load() {
		return 0, ErrBadTxn
	}
	cleared := e.lck.staleCheck()
	if cleared > 0 {
		e.log.Info("cleared stale reader slots", zap.Int("slots", cleared))
	}
	return cleared, nil
}

// Path returns the data file path.
func (e *Env) Path() string { return e.path }

// MaxKeySize returns the effective key size limit.
func (e *Env) MaxKeySize() int { return e.maxKeySize }

// Stat describes one tree of the environment.
type Stat struct {
	PageSize      int
	Depth         int
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
	Entries       uint64
}

func statOf(pageSize int, t treeRecord) Stat {
	return Stat{
		PageSize:      pageSize,
		Depth:         int(t.Height),
		BranchPages:   uint64(t.BranchPages),
		LeafPages:     uint64(t.LeafPages),
		OverflowPages: uint64(t.OverflowPages),
		Entries:       t.Entries,
	}
}

// Stat returns statistics for the main database.
func (e *Env) Stat() (Stat, error) {
	if e.closed.Load() {
		return Stat{}, ErrBadTxn
	}
	return statOf(e.pageSize, e.metaRef.Load().Main), nil
}

// Info describes the environment as a whole.
type Info struct {
	MapSize    int64
	PageSize   int
	LastTxnID  uint64
	NumReaders int
	FreePages  int
}

// Info returns environment-level figures. FreePages is only meaningful
// in the process holding write access.
func (e *Env) Info() (Info, error) {
	if e.closed.Load() {
		return Info{}, ErrBadTxn
	}
	m := e.metaRef.Load()
	readers := 0
	for i := 0; i < e.lck.maxReaders; i++ {
		txnWord, pidWord := e.lck.slotWords(i)
		if atomic.LoadUint32(pidWord) != 0 && atomic.LoadUint64(txnWord) != 0 {
			readers++
		}
	}
	return Info{
		MapSize:    e.cfg.MapSize,
		PageSize:   e.pageSize,
		LastTxnID:  m.Txnid,
		NumReaders: readers,
		FreePages:  e.fl.count(),
	}, nil
}

// Close releases the mappings and files. It fails with ErrBusy while
// any transaction is live; the caller must finish them first. Slices
// returned by Get and cursors become invalid once Close returns.
func (e *Env) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	// closed is set before the count is read; begin increments the
	// count before it reads closed. One side always sees the other.
	if e.liveTxns.Load() != 0 {
		e.closed.Store(false)
		return ErrBusy
	}

	var first error
	if m := e.mapRef.Load(); m != nil {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.mu.Lock()
	old := e.oldMaps
	e.oldMaps = nil
	e.mu.Unlock()
	for _, m := range old {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.lck != nil {
		if err := e.lck.close(); err != nil && first == nil {
			first = err
		}
	}
	if err := e.file.Close(); err != nil && first == nil {
		first = err
	}

	openEnvs.Lock()
	delete(openEnvs.paths, e.path)
	openEnvs.Unlock()

	e.log.Info("environment closed", zap.String("path", e.path))
	if first != nil {
		return ioError("close", first)
	}
	return nil
}
