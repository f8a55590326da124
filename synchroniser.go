// Synchroniser is the per-collection background worker that fsyncs
// dirty ranges, seals full journals, and opens replacement ones. See
// spec.md §4.4.
package ledger

import (
	"fmt"
	"time"
)

const synchroniserIdleWait = 100 * time.Millisecond

// synchroniser drives one DocumentCollection's durability loop until
// the collection's closing channel fires.
type synchroniser struct {
	c *DocumentCollection
}

func newSynchroniser(c *DocumentCollection) *synchroniser {
	return &synchroniser{c: c}
}

// Run executes the synchroniser loop. It is meant to be started with
// `go s.Run()` once per loaded collection.
func (s *synchroniser) Run() {
	for {
		select {
		case <-s.c.closing:
			return
		default:
		}
		changed := s.tick()
		if !changed {
			s.c.journalsMu.Lock()
			if s.c.State() == StateLoaded {
				waitOnCondTimeout(s.c.journalsCond, synchroniserIdleWait)
			}
			s.c.journalsMu.Unlock()
		}
	}
}

// tick runs one synchroniser iteration (spec.md §4.4 steps 1-4) and
// reports whether anything changed, so Run knows whether to wait.
func (s *synchroniser) tick() bool {
	c := s.c
	changed := false

	c.journalsMu.Lock()
	defer c.journalsMu.Unlock()

	changed = s.syncAndSeal(&c.journals, KindJournal) || changed
	changed = s.syncAndSeal(&c.compactors, KindCompactor) || changed

	if c.State() == StateLoaded && activeJournalCount(c.journals) == 0 {
		if err := s.openJournal(); err == nil {
			changed = true
		}
	}

	if changed {
		c.journalsCond.Broadcast()
	}
	return changed
}

// syncAndSeal fsyncs dirty ranges for every datafile in list and seals
// any that report Full(), moving sealed journals into c.datafiles.
// Must be called with c.journalsMu held.
func (s *synchroniser) syncAndSeal(list *[]*Datafile, kind DatafileKind) bool {
	c := s.c
	changed := false
	remaining := (*list)[:0]
	for _, df := range *list {
		if df.synced < df.written {
			if err := df.sync(df.synced, df.written); err == nil {
				changed = true
				if kind == KindJournal {
					// A real sync just happened: the SyncAfterObjects/
					// SyncAfterBytes counters measure bytes/markers
					// accumulated since the *last* sync, so they reset here
					// rather than in the write path.
					c.unsyncedObjects.Store(0)
					c.unsyncedBytes.Store(0)
				}
			} else {
				changed = true // state flip to WRITE_ERROR is itself a change
			}
		}
		if df.Full() && df.state != StateWriteError {
			newPath := datafilePath(c.dir.Path(), df.ID)
			if err := df.Seal(c.tickGen.Next(), newPath); err == nil {
				c.datafiles = append(c.datafiles, df)
				changed = true
				continue
			}
		}
		remaining = append(remaining, df)
	}
	*list = remaining
	return changed
}

func activeJournalCount(journals []*Datafile) int {
	n := 0
	for _, df := range journals {
		if df.state == StateWrite {
			n++
		}
	}
	return n
}

// openJournal allocates, maps, and writes the header marker for a new
// journal, then appends it to c.journals. Must be called with
// c.journalsMu held. Capacity follows the collection's own
// CollectionParameters.MaximumSize (set from CreateCollection's
// maxSize argument, defaulting to Config.DatafileSize), not the
// database-wide default directly, so a per-collection size actually
// governs journal rotation.
func (s *synchroniser) openJournal() error {
	c := s.c
	fid := c.tickGen.Next()
	path := journalPath(c.dir.Path(), fid)
	df, err := createDatafile(path, fid, c.CID, KindJournal, c.params.MaximumSize, 1)
	if err != nil {
		return fmt.Errorf("ledger: open journal: %w", err)
	}
	c.journals = append(c.journals, df)
	return nil
}
