// Datafile owns one memory-mapped, append-only file of CRC-checked
// markers and offers reserve/write/sync/seal/iterate primitives. See
// spec.md §3 and §4.1.
package ledger

import (
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
)

// DatafileState mirrors spec.md §3's Datafile state machine.
type DatafileState int32

const (
	StateWrite DatafileState = iota
	StateRead
	StateWriteError
	StateClosed
)

// DatafileKind distinguishes the three logical categories a Datafile
// can play: an actively written journal, a sealed immutable datafile,
// or an actively written compactor output.
type DatafileKind int

const (
	KindJournal DatafileKind = iota
	KindDatafile
	KindCompactor
)

// Slot is a reserved, not-yet-written region inside a Datafile's mmap.
type Slot struct {
	Offset int64
	buf    []byte
}

// Datafile is a single append-only, memory-mapped marker file.
type Datafile struct {
	ID           Tick
	CollectionID uint64
	Kind         DatafileKind
	path         string

	file     *os.File
	region   *mmapRegion
	capacity int64

	// written/synced cursors and counters. Protected by the owning
	// collection's journals condition (see collection.go); Datafile
	// itself performs no locking of its own so the collection can hold
	// one mutex across a whole reserve+write+accounting sequence.
	written       int64
	synced        int64
	writtenCount  int
	syncedCount   int
	state         DatafileState
	sealed        bool

	// full is set by Reserve once a reservation has been rejected for
	// lack of room. It, not a written-vs-capacity comparison, is what
	// Full reports: spec.md §4.3 step 3 has the writer mark a
	// DATAFILE_FULL journal full and wait for the synchroniser to seal
	// it and open a replacement (§4.4 step 2).
	full bool
}

// footerReserveSize is the space Reserve holds back from df.capacity
// so that a full journal can still fit its footer marker (Seal always
// succeeds once full is set). EncodeFooterMarker carries no body, so
// its wire size is fixed at align8(commonHeaderSize).
const footerReserveSize = int64((commonHeaderSize + 7) &^ 7)

// createDatafile creates a new, empty Datafile of exactly the given
// capacity (no rounding is applied) and writes its header marker.
func createDatafile(path string, id Tick, collectionID uint64, kind DatafileKind, capacity int64, version uint32) (*Datafile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("ledger: create datafile: %w", err)
	}
	if err := f.Truncate(capacity); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("ledger: truncate datafile: %w", err)
	}
	region, err := mmapFile(f, capacity)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	df := &Datafile{
		ID: id, CollectionID: collectionID, Kind: kind, path: path,
		file: f, region: region, capacity: capacity, state: StateWrite,
	}

	hdr := EncodeHeaderMarker(HeaderMarker{Tick: id, CollectionID: collectionID, Version: version})
	slot, err := df.Reserve(len(hdr))
	if err != nil {
		df.Close()
		return nil, err
	}
	if err := df.Write(slot, hdr, nil, false); err != nil {
		df.Close()
		return nil, err
	}
	if err := df.sync(0, df.written); err != nil {
		df.Close()
		return nil, err
	}
	return df, nil
}

// openDatafile opens an existing Datafile, mapping its full size.
// Kind and sealed state are determined by the caller from the file's
// name (journal-/datafile-/compactor-<fid>.db) since that is the
// authoritative signal after a seal renames the file.
func openDatafile(path string, kind DatafileKind, sealed bool) (*Datafile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open datafile: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	region, err := mmapFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	state := StateWrite
	if sealed {
		state = StateRead
	}

	df := &Datafile{
		Kind: kind, path: path, file: f, region: region,
		capacity: info.Size(), state: state, sealed: sealed,
	}
	return df, nil
}

// Reserve advances the write cursor by the 8-byte-aligned size and
// returns a Slot pointing into the mmap region. It stops footerReserveSize
// short of the true capacity so a footer can always be reserved once the
// journal is marked full. Fails with ErrDatafileFull when the reservation
// would cross that margin, setting full so the caller's journal-selection
// loop (spec.md §4.3 step 3) knows to stop retrying this datafile and wait
// for the synchroniser to seal it and open a replacement.
func (df *Datafile) Reserve(size int) (Slot, error) {
	if df.state == StateWriteError || df.state == StateClosed {
		return Slot{}, ErrWriteFailed
	}
	aligned := int64(align8(size))
	if df.written+aligned > df.capacity-footerReserveSize {
		df.full = true
		return Slot{}, ErrDatafileFull
	}
	offset := df.written
	df.written += aligned
	return Slot{Offset: offset, buf: df.region.data[offset : offset+aligned]}, nil
}

// reserveFooter is Reserve without the footer margin, used only by Seal
// for the footer marker itself once a journal has been marked full.
func (df *Datafile) reserveFooter(size int) (Slot, error) {
	if df.state == StateWriteError || df.state == StateClosed {
		return Slot{}, ErrWriteFailed
	}
	aligned := int64(align8(size))
	if df.written+aligned > df.capacity {
		return Slot{}, ErrDatafileFull
	}
	offset := df.written
	df.written += aligned
	return Slot{Offset: offset, buf: df.region.data[offset : offset+aligned]}, nil
}

// Write copies marker (header+prefix) and body into the reserved slot.
// If fillCRCFlag is set, the CRC is (re)computed over the whole marker
// with the CRC field zeroed first. markerBytes must already be
// body-inclusive (the wire encoders in marker.go return a single
// contiguous buffer), so body is normally nil; it exists so callers
// that build a marker incrementally can pass the two parts separately.
func (df *Datafile) Write(slot Slot, markerBytes, body []byte, fillCRCFlag bool) error {
	if df.state == StateWriteError || df.state == StateClosed {
		return ErrWriteFailed
	}
	n := copy(slot.buf, markerBytes)
	if body != nil {
		copy(slot.buf[n:], body)
	}
	if fillCRCFlag {
		fillCRC(slot.buf)
	}
	df.writtenCount++
	return nil
}

// sync fsyncs the page-aligned superset of [begin, end) and advances
// the synced cursor on success. On failure the Datafile transitions to
// StateWriteError; the caller (the synchroniser) is responsible for
// broadcasting the journals condition either way.
func (df *Datafile) sync(begin, end int64) error {
	if end <= df.synced {
		return nil
	}
	if err := df.region.sync(begin, end); err != nil {
		df.state = StateWriteError
		return err
	}
	if err := df.file.Sync(); err != nil {
		df.state = StateWriteError
		return fmt.Errorf("ledger: fsync: %w", err)
	}
	df.synced = end
	df.syncedCount = df.writtenCount
	return nil
}

// MarkerVisitor is invoked by Iterate for each validated marker. offset
// is the marker's byte offset within the datafile, needed by callers
// that resolve a Header to (datafileID, offset) per spec.md §9.
// isJournal is true when the Datafile being iterated is currently a
// journal (actively written), matching spec.md §4.1's "is-journal" flag.
type MarkerVisitor func(buf []byte, offset int64, isJournal bool) error

// Iterate walks markers from the header forward, validating CRC.
// Iteration stops at the first invalid marker, at the footer, or at
// the end of written data — never past df.written, since bytes beyond
// that cursor are reserved-but-not-yet-written, not corrupt. On return,
// df.written is truncated to the offset just past the last validated
// marker, so a truncated tail discovered during replay of an unsealed
// journal does not get treated as already-written space by future
// reservations (spec.md §8 scenario 6).
func (df *Datafile) Iterate(visit MarkerVisitor) error {
	isJournal := df.Kind == KindJournal || df.Kind == KindCompactor
	offset := int64(0)
	for offset+commonHeaderSize <= df.written {
		buf := df.region.data[offset:df.written]
		size := int64(markerSize(buf))
		if size < commonHeaderSize || offset+size > df.written {
			break // truncated tail; stop cleanly
		}
		marker := df.region.data[offset : offset+size]
		if !verifyCRC(marker) {
			break // first invalid marker: stop per spec.md §4.1
		}
		if err := visit(marker, offset, isJournal); err != nil {
			return err
		}
		if markerType(marker) == TypeFooter {
			offset += size
			break
		}
		offset += size
	}
	df.written = offset
	return nil
}

// Seal appends a footer marker, fsyncs, flips the sealed flag, renames
// the file to datafile-<fid>.db, and transitions to StateRead. tick is
// the tick to stamp on the footer.
func (df *Datafile) Seal(tick Tick, newPath string) error {
	footer := EncodeFooterMarker(FooterMarker{Tick: tick})
	slot, err := df.reserveFooter(len(footer))
	if err != nil {
		return fmt.Errorf("ledger: seal: reserve footer: %w", err)
	}
	if err := df.Write(slot, footer, nil, false); err != nil {
		return fmt.Errorf("ledger: seal: write footer: %w", err)
	}
	if err := df.sync(slot.Offset, df.written); err != nil {
		return fmt.Errorf("ledger: seal: sync: %w", err)
	}
	if err := df.file.Close(); err != nil {
		return fmt.Errorf("ledger: seal: close: %w", err)
	}
	if err := os.Rename(df.path, newPath); err != nil {
		return fmt.Errorf("ledger: seal: rename: %w", err)
	}
	f, err := os.OpenFile(newPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("ledger: seal: reopen: %w", err)
	}
	df.file = f
	df.path = newPath
	df.sealed = true
	df.Kind = KindDatafile
	df.state = StateRead
	return nil
}

// Verify recomputes a running blake2b-256 digest across every live
// (non-superseded-at-iteration-time) marker in df, in offset order. It
// is a maintenance helper for operators who want a stronger-than-CRC32
// integrity check before a backup; CRC32 already guards every read and
// replay, so Verify is never called from the hot path. alive reports
// whether a given (docID, offset) pair is still the primary index's
// current pointer for that document — callers pass c.index-backed
// closures so compacted-away markers don't perturb the digest.
func (df *Datafile) Verify(alive func(docID Tick, offset int64) bool) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: verify datafile %d: %w", df.ID, err)
	}
	err = df.Iterate(func(buf []byte, offset int64, isJournal bool) error {
		if markerType(buf) != TypeDocument && markerType(buf) != TypeEdge {
			return nil
		}
		docID, derr := markerDocID(buf)
		if derr != nil {
			return derr
		}
		if alive != nil && !alive(docID, offset) {
			return nil
		}
		_, werr := h.Write(buf)
		return werr
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: verify datafile %d: %w", df.ID, err)
	}
	return h.Sum(nil), nil
}

// Full reports whether Reserve has rejected a reservation on this
// datafile. Set once full stays set; a full journal is only ever
// cleared by being sealed and replaced, never reused.
func (df *Datafile) Full() bool { return df.full }

// Close unmaps and closes the underlying file handle. It does not
// remove or rename anything; that is Cleanup's job.
func (df *Datafile) Close() error {
	var err error
	if df.region != nil {
		err = df.region.unmap()
	}
	if cerr := df.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	df.state = StateClosed
	return err
}
