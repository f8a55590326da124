// Cleanup is the per-collection background worker that drains the
// barrier list and executes deferred file-removal/unload/drop
// callbacks. See spec.md §4.6.
package ledger

import (
	"os"
	"time"
)

const cleanupIdleWait = 200 * time.Millisecond

type cleanup struct {
	c       *DocumentCollection
	unlink  bool // whether retired files are actually unlinked after rename
}

func newCleanup(c *DocumentCollection, unlink bool) *cleanup {
	return &cleanup{c: c, unlink: unlink}
}

func (cl *cleanup) Run() {
	for {
		select {
		case <-cl.c.closing:
			return
		default:
		}
		if !cl.drainAll() {
			time.Sleep(cleanupIdleWait)
		}
	}
}

// drainAll repeatedly pops deferred barriers until the head is a live
// Element or the list is empty (spec.md §4.6 step 3), executing each
// callback outside the barrier list's lock. It reports whether any
// callback ran.
func (cl *cleanup) drainAll() bool {
	ran := false
	for {
		b, blocked := cl.c.barriers.DrainOne()
		if blocked || b == nil {
			return ran
		}
		// Errors from a deferred callback are not fatal to the worker;
		// a failed rename or unlink leaves the artifact on disk, and the
		// callback is not queued again.
		_ = b.Callback()
		ran = true
	}
}

// datafileCallback builds a DatafileCallback closure: rename the retired
// file to deleted-<fid>.db, and optionally unlink it. CompactifyDatafile
// does not use it; it defers retireDatafile directly, which renames the
// file and never unlinks it.
func datafileCallback(dirPath string, df *Datafile, unlink bool) func() error {
	return func() error {
		if err := retireDatafile(dirPath, df); err != nil {
			return err
		}
		if unlink {
			return os.Remove(deletedDatafilePath(dirPath, df.ID))
		}
		return nil
	}
}

// collectionUnloadCallback closes all datafiles and the body codec once
// no Element barrier remains, transitioning the collection to UNLOADED
// (spec.md §4.6). The primary index and its header slab are not freed;
// they stay attached to the collection.
func collectionUnloadCallback(c *DocumentCollection) func() error {
	return func() error {
		if c.State() != StateUnloading {
			return nil
		}
		if c.barriers.HasLiveElement() {
			// Re-defer: a reader is still pinning a datafile. The
			// cleanup loop will retry this callback on its next pass.
			c.barriers.Defer(BarrierCollectionUnload, collectionUnloadCallback(c))
			return nil
		}
		c.journalsMu.Lock()
		all := make([]*Datafile, 0, len(c.journals)+len(c.datafiles)+len(c.compactors))
		all = append(all, c.journals...)
		all = append(all, c.datafiles...)
		all = append(all, c.compactors...)
		c.journalsMu.Unlock()
		for _, df := range all {
			_ = df.Close()
		}
		c.codec.Close()
		c.setState(StateUnloaded)
		return nil
	}
}

// collectionDropCallback renames the collection directory to
// deleted-<cid> and transitions the collection to DELETED.
func collectionDropCallback(c *DocumentCollection, dbPath string, unlink bool) func() error {
	return func() error {
		oldPath := c.dir.Path()
		newPath := dbPath + string(os.PathSeparator) + deletedCollectionDirName(c.CID)
		if err := os.Rename(oldPath, newPath); err != nil {
			return err
		}
		if unlink {
			if err := os.RemoveAll(newPath); err != nil {
				return err
			}
		}
		c.setState(StateDeleted)
		return nil
	}
}
