package skiff

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestConcurrentReadWriteTransactions(t *testing.T) {
	env := testEnv(t, Config{MapSize: 256 << 20})
	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key%04d", i))
			if err := txn.Put(mainDBI, key, []byte("initial"), 0); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var g errgroup.Group
	var stop atomic.Bool

	// One writer churns the tree.
	g.Go(func() error {
		for round := 0; round < 50; round++ {
			err := env.Update(func(txn *Txn) error {
				for i := 0; i < 100; i++ {
					key := []byte(fmt.Sprintf("key%04d", i))
					val := []byte(fmt.Sprintf("round%d", round))
					if err := txn.Put(mainDBI, key, val, 0); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		stop.Store(true)
		return nil
	})

	// Readers verify each snapshot is internally consistent: every key
	// carries the same round marker.
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for !stop.Load() {
				err := env.View(func(txn *Txn) error {
					first, err := txn.Get(mainDBI, []byte("key0000"))
					if err != nil {
						return err
					}
					want := string(first)
					for i := 1; i < 100; i++ {
						key := []byte(fmt.Sprintf("key%04d", i))
						val, err := txn.Get(mainDBI, key)
						if err != nil {
							return err
						}
						if string(val) != want {
							return fmt.Errorf("snapshot mixes %q and %q", want, val)
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent run failed: %v", err)
	}
}

func TestConcurrentWriters(t *testing.T) {
	env := testEnv(t, Config{MapSize: 64 << 20})
	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				err := env.Update(func(txn *Txn) error {
					key := []byte(fmt.Sprintf("w%d-%04d", w, i))
					return txn.Put(mainDBI, key, []byte("v"), 0)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("writers failed: %v", err)
	}
	if err := env.View(func(txn *Txn) error {
		st, err := txn.Stat(mainDBI)
		if err != nil {
			return err
		}
		if st.Entries != 100 {
			t.Errorf("Entries = %d, want 100", st.Entries)
		}
		return nil
	}); err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestReadersFull(t *testing.T) {
	env := testEnv(t, Config{MaxReaders: 2})
	r1, err := env.Begin(ReadOnly)
	if err != nil {
		t.Fatalf("reader 1 failed: %v", err)
	}
	defer r1.Abort()
	r2, err := env.Begin(ReadOnly)
	if err != nil {
		t.Fatalf("reader 2 failed: %v", err)
	}
	if _, err := env.Begin(ReadOnly); !errors.Is(err, ErrReadersFull) {
		t.Fatalf("third reader = %v, want ErrReadersFull", err)
	}
	// Releasing a slot makes room again.
	r2.Abort()
	r3, err := env.Begin(ReadOnly)
	if err != nil {
		t.Fatalf("reader after release failed: %v", err)
	}
	r3.Abort()
}

func TestInfoDuringWrites(t *testing.T) {
	env := testEnv(t, Config{MapSize: 64 << 20})
	var stop atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; !stop.Load(); i++ {
			if err := env.Update(func(txn *Txn) error {
				key := []byte(fmt.Sprintf("key%04d", i%200))
				if i%3 == 2 {
					if err := txn.Del(mainDBI, key, nil); err != nil && !IsNotFound(err) {
						return err
					}
					return nil
				}
				return txn.Put(mainDBI, key, []byte("payload"), 0)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	for i := 0; i < 500; i++ {
		info, err := env.Info()
		if err != nil {
			t.Fatalf("Info failed: %v", err)
		}
		if info.FreePages < 0 {
			t.Fatalf("FreePages = %d", info.FreePages)
		}
	}
	stop.Store(true)
	if err := g.Wait(); err != nil {
		t.Fatalf("writer failed: %v", err)
	}
}

func TestCloseWithActiveTransactions(t *testing.T) {
	env, err := Open(t.TempDir()+"/test.db", Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	reader, err := env.Begin(ReadOnly)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// A live reader keeps the environment busy.
	if err := env.Close(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Close with active reader: got %v, want %v", err, ErrBusy)
	}

	// The refused Close leaves the environment usable.
	if err := env.View(func(txn *Txn) error { return nil }); err != nil {
		t.Fatalf("View after refused Close failed: %v", err)
	}

	writer, err := env.Begin(0)
	if err != nil {
		t.Fatalf("Begin write failed: %v", err)
	}
	if err := env.Close(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Close with active writer: got %v, want %v", err, ErrBusy)
	}
	writer.Abort()

	reader.Abort()
	if err := env.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestSnapshotPinsPages(t *testing.T) {
	env := testEnv(t, Config{MapSize: 64 << 20})
	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < 500; i++ {
			key := []byte(fmt.Sprintf("key%04d", i))
			if err := txn.Put(mainDBI, key, []byte("generation-0"), 0); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	reader, err := env.Begin(ReadOnly)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer reader.Abort()

	// Many commits after the snapshot; page reuse must never touch the
	// pages the pinned reader still sees.
	for g := 1; g <= 20; g++ {
		if err := env.Update(func(txn *Txn) error {
			for i := 0; i < 500; i++ {
				key := []byte(fmt.Sprintf("key%04d", i))
				val := []byte(fmt.Sprintf("generation-%d", g))
				if err := txn.Put(mainDBI, key, val, 0); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			t.Fatalf("generation %d failed: %v", g, err)
		}
	}

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		val, err := reader.Get(mainDBI, key)
		if err != nil {
			t.Fatalf("pinned reader Get failed: %v", err)
		}
		if string(val) != "generation-0" {
			t.Fatalf("pinned snapshot shows %q", val)
		}
	}
}
