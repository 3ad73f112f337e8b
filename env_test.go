package skiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testEnv(t *testing.T, cfg Config) *Env {
	t.Helper()
	env, err := Open(filepath.Join(t.TempDir(), "test.db"), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func TestOpenClose(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	env, err := Open(dbPath, Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if env.Path() != dbPath {
		t.Errorf("Path mismatch: got %q, want %q", env.Path(), dbPath)
	}
	if _, err := os.Stat(dbPath + "-lock"); err != nil {
		t.Errorf("lock file missing: %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent.
	if err := env.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	if _, err := Open(path, Config{PageSize: 1000}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Open with non-power-of-two page size = %v, want ErrInvalid", err)
	}
	if _, err := Open(path, Config{PageSize: 512, MaxKeySize: 4096}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Open with oversized MaxKeySize = %v, want ErrInvalid", err)
	}
}

func TestOpenSmallPageDefaults(t *testing.T) {
	// The default key limit shrinks to fit small pages; only an
	// explicit oversized limit is an error.
	env := testEnv(t, Config{PageSize: 512})
	if got, want := env.MaxKeySize(), maxKeySizeFor(512); got != want {
		t.Errorf("MaxKeySize = %d, want %d", got, want)
	}
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(mainDBI, bytes.Repeat([]byte("k"), env.MaxKeySize()), []byte("v"), 0)
	}); err != nil {
		t.Errorf("Put at the key limit failed: %v", err)
	}
}

func TestDoubleOpenDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	env, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer env.Close()

	if _, err := Open(path, Config{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Open = %v, want ErrBusy", err)
	}

	// After Close the path is free again.
	env.Close()
	env2, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("reopen after Close failed: %v", err)
	}
	env2.Close()
}

func TestOpenNotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 8192), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, Config{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Open of junk file = %v, want ErrInvalid", err)
	}
}

func TestGreetingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greetings.db")

	env, err := Open(path, Config{MapSize: 10 << 20})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(mainDBI, []byte("greeting"), []byte("Hello world"), 0)
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := env.View(func(txn *Txn) error {
		val, err := txn.Get(mainDBI, []byte("greeting"))
		if err != nil {
			return err
		}
		if string(val) != "Hello world" {
			t.Errorf("got %q, want %q", val, "Hello world")
		}
		return nil
	}); err != nil {
		t.Fatalf("View failed: %v", err)
	}
	env.Close()

	// The value survives a reopen.
	env, err = Open(path, Config{MapSize: 10 << 20})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer env.Close()
	if err := env.View(func(txn *Txn) error {
		val, err := txn.Get(mainDBI, []byte("greeting"))
		if err != nil {
			return err
		}
		if string(val) != "Hello world" {
			t.Errorf("after reopen: got %q", val)
		}
		return nil
	}); err != nil {
		t.Fatalf("View after reopen failed: %v", err)
	}

	if err := env.Update(func(txn *Txn) error {
		return txn.Del(mainDBI, []byte("greeting"), nil)
	}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := env.View(func(txn *Txn) error {
		if _, err := txn.Get(mainDBI, []byte("greeting")); !IsNotFound(err) {
			t.Errorf("Get after delete: got %v, want not found", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("View after delete failed: %v", err)
	}
}

func TestReadOnlyEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	env, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(mainDBI, []byte("k"), []byte("v"), 0)
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	env.Close()

	ro, err := Open(path, Config{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only Open failed: %v", err)
	}
	defer ro.Close()
	if _, err := ro.Begin(0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("write Begin on read-only env = %v, want ErrReadOnly", err)
	}
	if err := ro.View(func(txn *Txn) error {
		val, err := txn.Get(mainDBI, []byte("k"))
		if err != nil {
			return err
		}
		if string(val) != "v" {
			t.Errorf("got %q", val)
		}
		return nil
	}); err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestStatAndInfo(t *testing.T) {
	env := testEnv(t, Config{})
	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			key := []byte{byte(i / 10), byte(i % 10)}
			if err := txn.Put(mainDBI, key, []byte("value"), 0); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	st, err := env.Stat()
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if st.Entries != 100 {
		t.Errorf("Entries = %d, want 100", st.Entries)
	}
	if st.Depth == 0 || st.LeafPages == 0 {
		t.Errorf("empty tree shape: %+v", st)
	}
	info, err := env.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.LastTxnID < 2 {
		t.Errorf("LastTxnID = %d, want >= 2", info.LastTxnID)
	}
	if info.PageSize != DefaultPageSize {
		t.Errorf("PageSize = %d", info.PageSize)
	}
}

func TestTornMetaFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	env, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	put := func(k, v string) {
		t.Helper()
		if err := env.Update(func(txn *Txn) error {
			return txn.Put(mainDBI, []byte(k), []byte(v), 0)
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	put("a", "1") // meta slot 0
	put("b", "2") // meta slot 1
	env.Close()

	// Corrupt the checksum of the newest meta, simulating a torn
	// write during the final commit.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ps := DefaultPageSize
	txn0 := binary.LittleEndian.Uint64(raw[pageHeaderSize+76 : pageHeaderSize+84])
	txn1 := binary.LittleEndian.Uint64(raw[ps+pageHeaderSize+76 : ps+pageHeaderSize+84])
	victim := 0
	if txn1 > txn0 {
		victim = 1
	}
	raw[victim*ps+pageHeaderSize+92] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	env, err = Open(path, Config{})
	if err != nil {
		t.Fatalf("Open after torn meta failed: %v", err)
	}
	defer env.Close()
	if err := env.View(func(txn *Txn) error {
		if _, err := txn.Get(mainDBI, []byte("a")); err != nil {
			t.Errorf("key from surviving state missing: %v", err)
		}
		if _, err := txn.Get(mainDBI, []byte("b")); !IsNotFound(err) {
			t.Errorf("key of torn commit visible: %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestBothMetasCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	env, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	env.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ps := DefaultPageSize
	raw[pageHeaderSize+92] ^= 0xFF
	raw[ps+pageHeaderSize+92] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, Config{}); !IsCorrupt(err) {
		t.Fatalf("Open with both metas corrupt = %v, want corruption", err)
	}
}

func TestNoSyncAndManualSync(t *testing.T) {
	env := testEnv(t, Config{NoSync: true})
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(mainDBI, []byte("k"), []byte("v"), 0)
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := env.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}

func TestReaderCheck(t *testing.T) {
	env := testEnv(t, Config{})
	cleared, err := env.ReaderCheck()
	if err != nil {
		t.Fatalf("ReaderCheck failed: %v", err)
	}
	if cleared != 0 {
		t.Errorf("cleared %d slots on a fresh environment", cleared)
	}
}
