package skiff

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func benchKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

var benchVal = make([]byte, 100)

func benchEnv(b *testing.B) *Env {
	b.Helper()
	env, err := Open(filepath.Join(b.TempDir(), "bench.db"), Config{
		MapSize: 1 << 30,
		NoSync:  true,
	})
	if err != nil {
		b.Fatalf("Open failed: %v", err)
	}
	b.Cleanup(func() { env.Close() })
	return env
}

func BenchmarkPut(b *testing.B) {
	env := benchEnv(b)
	b.ResetTimer()
	i := 0
	for i < b.N {
		err := env.Update(func(txn *Txn) error {
			for j := 0; j < 1000 && i < b.N; j++ {
				if err := txn.Put(mainDBI, benchKey(i), benchVal, 0); err != nil {
					return err
				}
				i++
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPutAppend(b *testing.B) {
	env := benchEnv(b)
	b.ResetTimer()
	i := 0
	for i < b.N {
		err := env.Update(func(txn *Txn) error {
			c, err := txn.OpenCursor(mainDBI)
			if err != nil {
				return err
			}
			defer c.Close()
			for j := 0; j < 1000 && i < b.N; j++ {
				if err := c.Put(benchKey(i), benchVal, AppendHint); err != nil {
					return err
				}
				i++
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	env := benchEnv(b)
	const n = 100000
	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			if err := txn.Put(mainDBI, benchKey(i), benchVal, 0); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.Fatal(err)
	}
	txn, err := env.Begin(ReadOnly)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := txn.Get(mainDBI, benchKey(i%n)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCursorScan(b *testing.B) {
	env := benchEnv(b)
	const n = 100000
	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			if err := txn.Put(mainDBI, benchKey(i), benchVal, 0); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.Fatal(err)
	}
	txn, err := env.Begin(ReadOnly)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()
	b.ResetTimer()
	for i := 0; i < b.N; {
		c, err := txn.OpenCursor(mainDBI)
		if err != nil {
			b.Fatal(err)
		}
		for _, _, err := c.Get(nil, nil, First); err == nil && i < b.N; _, _, err = c.Get(nil, nil, Next) {
			i++
		}
		c.Close()
	}
}

// bbolt counterparts for a rough comparison under the same workload
// shapes; run with -bench 'Put$|BoltPut$' and friends.

func benchBolt(b *testing.B) *bolt.DB {
	b.Helper()
	db, err := bolt.Open(filepath.Join(b.TempDir(), "bench.bolt"), 0o644, &bolt.Options{NoSync: true})
	if err != nil {
		b.Fatalf("bolt.Open failed: %v", err)
	}
	b.Cleanup(func() { db.Close() })
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("bench"))
		return err
	}); err != nil {
		b.Fatal(err)
	}
	return db
}

func BenchmarkBoltPut(b *testing.B) {
	db := benchBolt(b)
	b.ResetTimer()
	i := 0
	for i < b.N {
		err := db.Update(func(tx *bolt.Tx) error {
			bk := tx.Bucket([]byte("bench"))
			for j := 0; j < 1000 && i < b.N; j++ {
				if err := bk.Put(benchKey(i), benchVal); err != nil {
					return err
				}
				i++
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBoltGet(b *testing.B) {
	db := benchBolt(b)
	const n = 100000
	if err := db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("bench"))
		for i := 0; i < n; i++ {
			if err := bk.Put(benchKey(i), benchVal); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.Fatal(err)
	}
	tx, err := db.Begin(false)
	if err != nil {
		b.Fatal(err)
	}
	defer tx.Rollback()
	bk := tx.Bucket([]byte("bench"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if bk.Get(benchKey(i%n)) == nil {
			b.Fatal("missing key")
		}
	}
}
