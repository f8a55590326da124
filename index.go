// PrimaryIndex is a hash map from document id to header pointer. See
// spec.md §3 and §4.2.
package ledger

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// Header is the in-memory record locating the current revision of a
// document. Per spec.md §9's re-architecture note, it stores
// (datafile id, offset) rather than a raw pointer; DocumentCollection's
// GetDocument turns that into a byte slice of the datafile's mapping.
//
// Only Rev, DatafileID, Offset and Deletion are mutated after
// creation (always under the collection's write lock); DocID is
// immutable, matching spec.md §9's "demote const headers" note.
type Header struct {
	DocID      Tick
	Rev        Tick
	Deletion   Tick // 0 if alive
	DatafileID Tick
	Offset     int64

	next *Header // free-list link when recycled by the slab allocator
}

// Alive reports whether the header has not been tombstoned.
func (h *Header) Alive() bool { return h.Deletion == 0 }

// headerSlab is a simple free-list allocator for Header values. A
// removed document's header is returned to the slab rather than
// handed to the garbage collector immediately, matching spec.md §3's
// "physically recycled only after no compactor/cleanup still
// references it" — callers only call Free once they hold the
// collection's write lock and know no concurrent reader can still be
// dereferencing the header (a barrier Element pins the datafile, not
// the header struct itself, so this is safe once the write lock has
// excluded in-flight readers).
type headerSlab struct {
	free *Header
}

func (s *headerSlab) Alloc(docID Tick) *Header {
	if s.free != nil {
		h := s.free
		s.free = h.next
		*h = Header{DocID: docID}
		return h
	}
	return &Header{DocID: docID}
}

func (s *headerSlab) Free(h *Header) {
	h.next = s.free
	s.free = h
}

// PrimaryIndex is the hash map from document id to Header. A Header is
// present for every logically known id, alive or tombstoned.
// Consulted and mutated under mu: readers take RLock and are
// wait-free relative to other readers; writers take Lock and exclude
// readers entirely.
type PrimaryIndex struct {
	mu   sync.RWMutex
	m    map[Tick]*Header
	slab headerSlab
}

func newPrimaryIndex() *PrimaryIndex {
	return &PrimaryIndex{m: make(map[Tick]*Header)}
}

// Lookup returns the header for id, or nil if no header is known.
func (p *PrimaryIndex) Lookup(id Tick) *Header {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.m[id]
}

// Insert adds a new header for id. It returns false without mutating
// the map if a header already exists — this is the fix for spec.md
// §9's Open Question #2: the baseline source reported success even on
// a failed insertion. Callers must treat a false return as fatal for
// the write in progress and roll back any datafile accounting already
// applied for the marker that prompted the insert.
func (p *PrimaryIndex) Insert(docID Tick, h *Header) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.m[docID]; exists {
		return false
	}
	p.m[docID] = h
	return true
}

// Remove deletes id from the index and returns its Header (or nil) so
// the caller can recycle it through the slab once it's safe to do so.
func (p *PrimaryIndex) Remove(docID Tick) *Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.m[docID]
	if !ok {
		return nil
	}
	delete(p.m, docID)
	return h
}

// Recycle returns a removed Header to the slab allocator. Call only
// once no barrier Element could still be resolving it.
func (p *PrimaryIndex) Recycle(h *Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slab.Free(h)
}

// NewHeader allocates a Header from the slab for docID.
func (p *PrimaryIndex) NewHeader(docID Tick) *Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slab.Alloc(docID)
}

// Len returns the number of known document ids (alive or tombstoned).
func (p *PrimaryIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

// Range calls f for every header in the index, stopping early if f
// returns false. f must not call back into the PrimaryIndex. No code
// in this package calls it outside the tests; replay and the
// compactor walk datafiles with Iterate instead.
func (p *PrimaryIndex) Range(f func(*Header) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, h := range p.m {
		if !f(h) {
			return
		}
	}
}

// Digest computes a fast, order-independent fingerprint of the
// index's (docID, rev, deletion) triples using xxh3, so tests can
// assert "same primary index contents" (spec.md §8's round-trip
// property) without comparing full snapshots. Grounded on the
// teacher's hash.go, which used xxh3 to turn document identity into a
// small fixed-width digest; here the digest covers the whole index
// instead of one label.
func (p *PrimaryIndex) Digest() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var acc uint64
	var buf [24]byte
	for id, h := range p.m {
		putTick(buf[0:8], id)
		putTick(buf[8:16], h.Rev)
		putTick(buf[16:24], h.Deletion)
		// XOR-combine per-entry hashes so the digest doesn't depend on
		// Go's randomized map iteration order.
		acc ^= xxh3.Hash(buf[:])
	}
	return acc
}

func putTick(buf []byte, t Tick) {
	v := uint64(t)
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
}
