// Package skiff is an embedded, transactional key-value storage engine
// backed by a single memory-mapped file.
//
// Data is organized as copy-on-write B+trees of fixed-size pages. A
// database file holds a main catalogue tree plus any number of named
// sub-databases, each addressed through a DBI handle. Keys within a
// database are unique unless the database was opened with DupSort, in
// which case a key may hold multiple sorted values.
//
// Concurrency follows the single-writer, multi-reader model: any number
// of read transactions may run in parallel with at most one write
// transaction, and readers observe the snapshot that was committed when
// they began. Commits are made durable by an fsync of the data pages
// followed by an atomic meta-page update, so a crash at any point leaves
// the file openable at the last fully committed state.
//
// Get and cursor results are slices into the memory map. They are valid
// until the environment is closed and must not be modified; callers that
// need to retain data across transactions should copy it.
package skiff
