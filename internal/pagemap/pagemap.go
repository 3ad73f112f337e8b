// Package pagemap provides a hash map from page numbers to page
// buffers, used to track the dirty pages of a write transaction.
// Fibonacci hashing keeps sequential page numbers well distributed.
package pagemap

// Map is an open-addressing hash map from uint32 page numbers to page
// buffers. The zero value is ready to use.
type Map struct {
	buckets []bucket
	count   int
	mask    uint32
}

type bucket struct {
	key  uint32
	buf  []byte
	used bool // page 0 is a valid key, so nil buf cannot mark emptiness
}

// Fibonacci hash constant: 2^32 / golden ratio.
const fibHash32 = 2654435769

func hash(key uint32) uint32 {
	return key * fibHash32
}

// Get returns the buffer for key, or nil if absent.
func (m *Map) Get(key uint32) []byte {
	if len(m.buckets) == 0 {
		return nil
	}
	idx := hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return nil
		}
		if b.key == key {
			return b.buf
		}
		idx = (idx + 1) & m.mask
	}
}

// Has reports whether key is present.
func (m *Map) Has(key uint32) bool {
	return m.Get(key) != nil
}

// Set stores or replaces the buffer for key.
func (m *Map) Set(key uint32, buf []byte) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket, 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}
	idx := hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.buf = buf
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.buf = buf
			return
		}
		idx = (idx + 1) & m.mask
	}
}

func (m *Map) grow() {
	old := m.buckets
	m.buckets = make([]bucket, len(old)*2)
	m.mask = uint32(len(m.buckets) - 1)
	m.count = 0
	for i := range old {
		if old[i].used {
			m.Set(old[i].key, old[i].buf)
		}
	}
}

// ForEach calls fn for every entry, in no particular order.
func (m *Map) ForEach(fn func(uint32, []byte) error) error {
	for i := range m.buckets {
		if m.buckets[i].used {
			if err := fn(m.buckets[i].key, m.buckets[i].buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clear removes all entries but keeps the backing array for reuse.
func (m *Map) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return m.count
}
