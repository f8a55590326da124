// DocumentCollection is the durable collection: journals, sealed
// datafiles, compactor files, the primary index, per-datafile
// accounting, and the barrier list that gates their retirement. See
// spec.md §3 and §4.3.
package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// collectionState mirrors spec.md §3's collection lifecycle.
type collectionState int32

const (
	StateUnloaded collectionState = iota
	StateLoading
	StateLoaded
	StateUnloading
	StateCorrupted
	StateDeleted
)

// datafileInfo is the per-datafile live/dead/deletion accounting
// spec.md §3 calls "per-datafile info".
type datafileInfo struct {
	AliveCount, DeadCount, DeletionCount    int
	AliveBytes, DeadBytes, DeletionBytes    int64
}

// DocumentCollection owns one collection's journals, sealed datafiles,
// compactor files, primary index, and barrier list.
type DocumentCollection struct {
	CID  uint64
	Name string

	dir    *CollectionDir
	config Config
	params CollectionParameters

	tickGen *tickGenerator

	state atomic.Int32

	codec *bodyCodec // non-nil when config.CompressBodies is set

	index *PrimaryIndex

	journalsMu   sync.Mutex
	journalsCond *sync.Cond
	journals     []*Datafile
	compactors   []*Datafile
	datafiles    []*Datafile // sealed, ordered by id ascending

	dfInfoMu sync.Mutex
	dfInfo   map[Tick]*datafileInfo

	// unsyncedObjects/unsyncedBytes count markers/bytes written since the
	// synchroniser's last successful sync, for the SyncAfterObjects/
	// SyncAfterBytes thresholds (spec.md §4.3: "any non-zero threshold
	// arms its rule"). Reset by the synchroniser, not by writers.
	unsyncedObjects atomic.Int64
	unsyncedBytes   atomic.Int64

	barriers *BarrierList

	closing chan struct{}
}

func newDocumentCollection(dir *CollectionDir, params CollectionParameters, config Config, tickGen *tickGenerator) *DocumentCollection {
	c := &DocumentCollection{
		CID:      params.CID,
		Name:     params.Name,
		dir:      dir,
		config:   config,
		params:   params,
		tickGen:  tickGen,
		index:    newPrimaryIndex(),
		dfInfo:   make(map[Tick]*datafileInfo),
		barriers: &BarrierList{},
		closing:  make(chan struct{}),
	}
	c.journalsCond = sync.NewCond(&c.journalsMu)
	c.state.Store(int32(StateLoading))
	if config.CompressBodies {
		if codec, err := newBodyCodec(); err == nil {
			c.codec = codec
		}
	}
	return c
}

func (c *DocumentCollection) State() collectionState {
	return collectionState(c.state.Load())
}

func (c *DocumentCollection) setState(s collectionState) {
	c.journalsMu.Lock()
	c.state.Store(int32(s))
	c.journalsCond.Broadcast()
	c.journalsMu.Unlock()
}

func (c *DocumentCollection) infoFor(fid Tick) *datafileInfo {
	c.dfInfoMu.Lock()
	defer c.dfInfoMu.Unlock()
	info, ok := c.dfInfo[fid]
	if !ok {
		info = &datafileInfo{}
		c.dfInfo[fid] = info
	}
	return info
}

// load opens every mapped marker file found in the collection
// directory (in fid order), replays Document/Edge/Deletion markers
// into the primary index, observes ticks, and leaves the collection
// ready to accept writes (spec.md §4.3 "Startup replay").
func (c *DocumentCollection) load() error {
	entries, err := c.dir.Scan()
	if err != nil {
		return fmt.Errorf("ledger: load collection %d: %w", c.CID, err)
	}
	for _, e := range entries {
		sealed := e.kind == KindDatafile
		df, err := openDatafile(e.path, e.kind, sealed)
		if err != nil {
			c.setState(StateCorrupted)
			return fmt.Errorf("%w: collection %d: %w", ErrCorruptCollection, c.CID, err)
		}
		df.ID = e.fid
		df.CollectionID = c.CID
		if err := c.replayDatafile(df); err != nil {
			c.setState(StateCorrupted)
			return fmt.Errorf("%w: collection %d: %w", ErrCorruptCollection, c.CID, err)
		}
		switch e.kind {
		case KindJournal:
			c.journals = append(c.journals, df)
		case KindCompactor:
			c.compactors = append(c.compactors, df)
		default:
			c.datafiles = append(c.datafiles, df)
		}
	}
	c.setState(StateLoaded)
	return nil
}

func (c *DocumentCollection) replayDatafile(df *Datafile) error {
	// df.written defaults to 0 for a freshly opened file since Datafile
	// tracks the write cursor itself; seed it from the mmap length so
	// Iterate can walk the whole file's markers.
	df.written = df.capacity
	info := c.infoFor(df.ID)
	return df.Iterate(func(buf []byte, offset int64, isJournal bool) error {
		tick := markerTick(buf)
		c.tickGen.Observe(tick)
		switch markerType(buf) {
		case TypeDocument:
			m, err := DecodeDocumentMarker(buf)
			if err != nil {
				return err
			}
			c.replayUpsert(m.DocID, m.RevID, df.ID, offset, len(buf), info)
		case TypeEdge:
			m, err := DecodeEdgeMarker(buf)
			if err != nil {
				return err
			}
			c.replayUpsert(m.DocID, m.RevID, df.ID, offset, len(buf), info)
		case TypeDeletion:
			m, err := DecodeDeletionMarker(buf)
			if err != nil {
				return err
			}
			c.replayDelete(m.DocID, m.Tick, info)
		case TypeHeader, TypeFooter:
			// no index effect
		}
		return nil
	})
}

func (c *DocumentCollection) replayUpsert(docID, rid, fid Tick, offset int64, size int, info *datafileInfo) {
	h := c.index.Lookup(docID)
	if h == nil {
		h = c.index.NewHeader(docID)
		h.Rev = rid
		h.DatafileID = fid
		h.Offset = offset
		c.index.Insert(docID, h)
		info.AliveCount++
		info.AliveBytes += int64(size)
		return
	}
	if rid.counter() > h.Rev.counter() {
		prev := c.infoFor(h.DatafileID)
		prev.AliveCount--
		prev.DeadCount++
		h.Rev = rid
		h.DatafileID = fid
		h.Offset = offset
		info.AliveCount++
		info.AliveBytes += int64(size)
	} else {
		info.DeadCount++
		info.DeadBytes += int64(size)
	}
}

func (c *DocumentCollection) replayDelete(docID, tick Tick, info *datafileInfo) {
	h := c.index.Lookup(docID)
	if h == nil {
		h = c.index.NewHeader(docID)
		h.Deletion = tick
		c.index.Insert(docID, h)
	} else {
		h.Deletion = tick
	}
	info.DeletionCount++
}

// SelectJournal blocks on the journals condition until a reservation
// of size succeeds on some active journal, or the collection leaves
// StateLoaded. This is the only place a writer waits for the
// synchroniser to create or replace a journal (spec.md §4.3 step 3).
// A rejected reservation marks the offending journal full as a side
// effect of Reserve itself, so the loop below just skips it; the
// synchroniser's syncAndSeal seals any journal with Full() set and
// tick opens a replacement once none are left active, which is what
// wakes journalsCond and lets this retry succeed.
func (c *DocumentCollection) SelectJournal(size int) (*Datafile, Slot, error) {
	c.journalsMu.Lock()
	defer c.journalsMu.Unlock()
	for {
		if c.State() != StateLoaded {
			return nil, Slot{}, ErrNoJournal
		}
		for _, df := range c.journals {
			if df.state == StateWriteError {
				continue
			}
			slot, err := df.Reserve(size)
			if err == nil {
				return df, slot, nil
			}
			if err == ErrDatafileFull {
				continue
			}
			return nil, Slot{}, err
		}
		c.journalsCond.Wait()
	}
}

// WaitSync blocks until df's synced cursor has passed end, or df
// enters WRITE_ERROR.
func (c *DocumentCollection) WaitSync(df *Datafile, end int64) error {
	c.journalsMu.Lock()
	defer c.journalsMu.Unlock()
	for df.synced < end {
		if df.state == StateWriteError {
			return ErrWriteFailed
		}
		c.journalsCond.Wait()
	}
	return nil
}

// shouldWaitSync applies the collection's sync discipline to decide
// whether the write path's step 9 (spec.md §4.3) must block, and feeds
// the object/byte counters the SyncAfterObjects/SyncAfterBytes
// thresholds are measured against. Any non-zero threshold arms its
// rule regardless of the selected SyncPolicy.
func (c *DocumentCollection) shouldWaitSync(writeLen int) bool {
	if c.params.SyncPolicy == SyncEveryWrite || c.params.WaitForSync {
		return true
	}
	objects := c.unsyncedObjects.Add(1)
	bytes := c.unsyncedBytes.Add(int64(writeLen))
	if c.params.SyncObjects > 0 && objects >= int64(c.params.SyncObjects) {
		return true
	}
	if c.params.SyncBytes > 0 && bytes >= c.params.SyncBytes {
		return true
	}
	return false
}

// CreateDocument appends a Document marker for a fresh id, installs
// its header and primary-index entry, and applies the sync discipline.
func (c *DocumentCollection) CreateDocument(body []byte, shapeID uint32) (docID Tick, rev Tick, err error) {
	if len(body) > int(c.config.MaxRecordSize) {
		return 0, 0, ErrBodyTooLarge
	}
	docID = c.tickGen.Next()
	rev = docID

	if c.codec != nil {
		body = c.codec.compress(body)
	}
	marker := EncodeDocumentMarker(DocumentMarker{Tick: rev, DocID: docID, RevID: rev, ShapeID: shapeID, Body: body})

	installed, err := c.appendMarker(docID, rev, marker)
	if err != nil {
		if !installed {
			return 0, 0, err
		}
		return docID, rev, err
	}
	return docID, rev, nil
}

// CreateEdge appends an Edge marker for a fresh id, linking
// (fromCID, fromDocID) to (toCID, toDocID). It is otherwise identical
// to CreateDocument: same index/accounting/sync-discipline treatment,
// since spec.md §3 and §6 treat Edge as a Document-prefixed marker
// with a from/to pair tacked on, not a distinct storage path.
func (c *DocumentCollection) CreateEdge(body []byte, shapeID uint32, fromCID, fromDocID, toCID, toDocID uint64) (docID Tick, rev Tick, err error) {
	if len(body) > int(c.config.MaxRecordSize) {
		return 0, 0, ErrBodyTooLarge
	}
	docID = c.tickGen.Next()
	rev = docID

	if c.codec != nil {
		body = c.codec.compress(body)
	}
	marker := EncodeEdgeMarker(EdgeMarker{
		Tick: rev, DocID: docID, RevID: rev, ShapeID: shapeID,
		FromCID: fromCID, FromDocID: fromDocID, ToCID: toCID, ToDocID: toDocID,
		Body: body,
	})

	installed, err := c.appendMarker(docID, rev, marker)
	if err != nil {
		if !installed {
			return 0, 0, err
		}
		return docID, rev, err
	}
	return docID, rev, nil
}

// appendMarker writes a freshly encoded Document or Edge marker (whose
// body already carries docID/rev) to a journal, installs its header in
// the primary index, credits the datafile's alive accounting, and
// applies the sync discipline. Shared by CreateDocument and CreateEdge,
// which differ only in how they build the marker bytes. installed
// reports whether the header was successfully indexed, so the caller
// can distinguish a genuine write failure (no docID was ever assigned)
// from a WaitSync failure (ErrWriteFailed) after the marker was written
// and indexed (docID is real and must still be returned to the caller).
func (c *DocumentCollection) appendMarker(docID, rev Tick, marker []byte) (installed bool, err error) {
	df, slot, err := c.SelectJournal(len(marker))
	if err != nil {
		return false, err
	}
	if err := df.Write(slot, marker, nil, true); err != nil {
		return false, err
	}

	h := c.index.NewHeader(docID)
	h.Rev = rev
	h.DatafileID = df.ID
	h.Offset = slot.Offset
	if !c.index.Insert(docID, h) {
		// Open Question #2 fix: insertion failure surfaces as an error
		// instead of silently reporting success. The counters below are
		// credited only after a successful insert, so none are applied
		// for the rejected write.
		c.index.Recycle(h)
		return false, fmt.Errorf("%w: document id %d", ErrConflict, docID)
	}
	info := c.infoFor(df.ID)
	c.dfInfoMu.Lock()
	info.AliveCount++
	info.AliveBytes += int64(len(marker))
	c.dfInfoMu.Unlock()

	if c.shouldWaitSync(len(marker)) {
		return true, c.WaitSync(df, slot.Offset+int64(align8(len(marker))))
	}
	return true, nil
}

// UpdateDocument appends a new Document marker for an existing id,
// re-pointing its header and crediting the old revision's datafile
// with dead bytes (spec.md §4.3 step 7, scenario 2 in §8).
func (c *DocumentCollection) UpdateDocument(docID Tick, body []byte, shapeID uint32) (rev Tick, err error) {
	if len(body) > int(c.config.MaxRecordSize) {
		return 0, ErrBodyTooLarge
	}
	h := c.index.Lookup(docID)
	if h == nil || !h.Alive() {
		return 0, ErrNotFound
	}
	rev = c.tickGen.Next()
	if c.codec != nil {
		body = c.codec.compress(body)
	}
	marker := EncodeDocumentMarker(DocumentMarker{Tick: rev, DocID: docID, RevID: rev, ShapeID: shapeID, Body: body})

	df, slot, err := c.SelectJournal(len(marker))
	if err != nil {
		return 0, err
	}
	if err := df.Write(slot, marker, nil, true); err != nil {
		return 0, err
	}

	oldFid := h.DatafileID
	var oldSize int64
	if oldDf := c.datafileByID(oldFid); oldDf != nil {
		oldSize = int64(markerSize(oldDf.region.data[h.Offset:]))
	}

	h.Rev = rev
	h.DatafileID = df.ID
	h.Offset = slot.Offset

	c.dfInfoMu.Lock()
	if old := c.dfInfo[oldFid]; old != nil {
		old.AliveCount--
		old.AliveBytes -= oldSize
		old.DeadCount++
		old.DeadBytes += oldSize
	}
	newInfo := c.dfInfo[df.ID]
	if newInfo == nil {
		newInfo = &datafileInfo{}
		c.dfInfo[df.ID] = newInfo
	}
	newInfo.AliveCount++
	newInfo.AliveBytes += int64(len(marker))
	c.dfInfoMu.Unlock()

	if c.shouldWaitSync(len(marker)) {
		if err := c.WaitSync(df, slot.Offset+int64(align8(len(marker)))); err != nil {
			return rev, err
		}
	}
	return rev, nil
}

// DeleteDocument appends a Deletion marker, sets the header's deletion
// tick, and credits the deletion marker's datafile.
func (c *DocumentCollection) DeleteDocument(docID Tick) error {
	h := c.index.Lookup(docID)
	if h == nil || !h.Alive() {
		return ErrNotFound
	}
	tick := c.tickGen.Next()
	marker := EncodeDeletionMarker(DeletionMarker{Tick: tick, DocID: docID})

	df, slot, err := c.SelectJournal(len(marker))
	if err != nil {
		return err
	}
	if err := df.Write(slot, marker, nil, true); err != nil {
		return err
	}

	h.Deletion = tick

	c.dfInfoMu.Lock()
	if old := c.dfInfo[h.DatafileID]; old != nil {
		old.AliveCount--
		old.DeadCount++
	}
	newInfo := c.dfInfo[df.ID]
	if newInfo == nil {
		newInfo = &datafileInfo{}
		c.dfInfo[df.ID] = newInfo
	}
	newInfo.DeletionCount++
	newInfo.DeletionBytes += int64(len(marker))
	c.dfInfoMu.Unlock()

	if c.shouldWaitSync(len(marker)) {
		return c.WaitSync(df, slot.Offset+int64(align8(len(marker))))
	}
	return nil
}

// resolved document or edge content, returned by GetDocument. IsEdge
// and the From*/To* fields are zero for a plain Document marker.
type ResolvedDocument struct {
	DocID, Rev Tick
	ShapeID    uint32
	Body       []byte

	IsEdge                             bool
	FromCID, FromDocID, ToCID, ToDocID uint64
}

// datafileByID finds a datafile among journals/compactors/datafiles.
func (c *DocumentCollection) datafileByID(id Tick) *Datafile {
	c.journalsMu.Lock()
	defer c.journalsMu.Unlock()
	for _, df := range c.journals {
		if df.ID == id {
			return df
		}
	}
	for _, df := range c.compactors {
		if df.ID == id {
			return df
		}
	}
	for _, df := range c.datafiles {
		if df.ID == id {
			return df
		}
	}
	return nil
}

// GetDocument looks up docID and decodes its current Document or Edge
// marker. It holds an Element barrier from after the index lookup until
// it returns, so Cleanup cannot run a retirement callback queued behind
// that barrier while the marker is being decoded.
func (c *DocumentCollection) GetDocument(docID Tick) (ResolvedDocument, error) {
	h := c.index.Lookup(docID)
	if h == nil || !h.Alive() {
		return ResolvedDocument{}, ErrNotFound
	}
	b := c.barriers.Acquire()
	defer c.barriers.Release(b)

	df := c.datafileByID(h.DatafileID)
	if df == nil {
		return ResolvedDocument{}, ErrNotFound
	}
	buf := df.region.data[h.Offset:df.written]
	size := int64(markerSize(buf))
	marker := buf[:size]

	if markerType(marker) == TypeEdge {
		m, err := DecodeEdgeMarker(marker)
		if err != nil {
			return ResolvedDocument{}, err
		}
		body, err := c.decodeBody(m.Body)
		if err != nil {
			return ResolvedDocument{}, err
		}
		return ResolvedDocument{
			DocID: m.DocID, Rev: m.RevID, ShapeID: m.ShapeID, Body: body,
			IsEdge: true, FromCID: m.FromCID, FromDocID: m.FromDocID, ToCID: m.ToCID, ToDocID: m.ToDocID,
		}, nil
	}

	m, err := DecodeDocumentMarker(marker)
	if err != nil {
		return ResolvedDocument{}, err
	}
	body, err := c.decodeBody(m.Body)
	if err != nil {
		return ResolvedDocument{}, err
	}
	return ResolvedDocument{DocID: m.DocID, Rev: m.RevID, ShapeID: m.ShapeID, Body: body}, nil
}

// decodeBody applies the collection's body codec, if configured.
func (c *DocumentCollection) decodeBody(body []byte) ([]byte, error) {
	if c.codec == nil {
		return body, nil
	}
	return c.codec.decompress(body)
}

// VerifyDatafile recomputes fid's blake2b-256 content digest over its
// still-live markers, for operators who want a stronger check than the
// CRC32 every read already performs (e.g. before a backup).
func (c *DocumentCollection) VerifyDatafile(fid Tick) ([]byte, error) {
	df := c.datafileByID(fid)
	if df == nil {
		return nil, ErrNotFound
	}
	return df.Verify(func(docID Tick, offset int64) bool {
		h := c.index.Lookup(docID)
		return h != nil && h.Alive() && h.DatafileID == fid && h.Offset == offset
	})
}

// shutdown signals all background workers to stop.
func (c *DocumentCollection) shutdown() {
	close(c.closing)
	c.journalsMu.Lock()
	c.journalsCond.Broadcast()
	c.journalsMu.Unlock()
}
