package ledger

import (
	"path/filepath"
	"testing"
	"time"
)

// TestSynchroniserSealsFullJournalAndOpensReplacement exercises spec
// §4.4's rotation: once a journal reports Full, the background
// synchroniser must seal it into a sealed datafile and keep exactly
// one active journal available for new writes.
func TestSynchroniserSealsFullJournalAndOpensReplacement(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "db"), Config{DatafileSize: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	col, err := db.CreateCollection("widgets", 2, 0, SyncEveryWrite)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	var lastID Tick
	for i := 0; i < 40; i++ {
		id, _, err := col.CreateDocument([]byte("stuffing the journal until it rotates"), 1)
		if err != nil {
			t.Fatalf("CreateDocument #%d: %v", i, err)
		}
		lastID = id
	}

	deadline := time.Now().Add(2 * time.Second)
	var sealed bool
	for time.Now().Before(deadline) {
		col.journalsMu.Lock()
		sealed = len(col.datafiles) > 0 && activeJournalCount(col.journals) >= 1
		col.journalsMu.Unlock()
		if sealed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sealed {
		t.Fatal("synchroniser did not seal the full journal and open a replacement in time")
	}

	got, err := col.GetDocument(lastID)
	if err != nil {
		t.Fatalf("GetDocument after rotation: %v", err)
	}
	if len(got.Body) == 0 {
		t.Error("document written just before rotation should still be readable")
	}
}

// TestSynchroniserSyncAfterObjectsThreshold checks that a collection
// configured with SyncAfterObjects eventually syncs once the threshold
// is reached, without requiring every write to block.
func TestSynchroniserSyncAfterObjectsThreshold(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "db"), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	col, err := db.CreateCollection("widgets", 2, 0, SyncAfterObjects)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	col.params.SyncObjects = 3

	var lastID Tick
	for i := 0; i < 3; i++ {
		id, _, err := col.CreateDocument([]byte("x"), 1)
		if err != nil {
			t.Fatalf("CreateDocument: %v", err)
		}
		lastID = id
	}

	h := col.index.Lookup(lastID)
	deadline := time.Now().Add(2 * time.Second)
	var synced bool
	for time.Now().Before(deadline) {
		df := col.datafileByID(h.DatafileID)
		if df.synced >= h.Offset {
			synced = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !synced {
		t.Fatal("synchroniser never synced past the SyncAfterObjects threshold")
	}
}
