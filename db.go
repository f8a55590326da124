// DB is the top-level database: the process-wide lock file, the
// server identity, and the registry of open collections. Open is the
// package's main entry point; see spec.md §6 for the on-disk layout.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gojson "github.com/goccy/go-json"
)

// DB represents one open database directory.
type DB struct {
	path string

	lock     *fileLock
	lockFile *os.File

	tickGen *tickGenerator

	config Config

	mu          sync.RWMutex
	collections map[uint64]*DocumentCollection
	byName      map[string]uint64

	unlinkRetired bool // whether deleted-* artifacts are actually unlinked
	nextCID       atomicCounter
}

// atomicCounter is a tiny helper distinct from tickGenerator: it
// allocates collection ids, which need not carry the server-id
// encoding ticks do.
type atomicCounter struct {
	mu sync.Mutex
	n  uint64
}

func (a *atomicCounter) next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return a.n
}

const serverFileName = "SERVER"
const lockFileName = "lock"

type serverFile struct {
	ServerID uint16 `json:"serverId"`
}

// Open opens or initializes a database directory: acquires the
// process-wide lock file, reads or creates SERVER, then opens every
// existing collection subdirectory (spec.md §6).
func Open(path string, config Config) (*DB, error) {
	config.applyDefaults()

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	lockPath := filepath.Join(path, lockFileName)
	lf, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open lock file: %w", err)
	}
	flock := &fileLock{f: lf}
	if err := flock.TryLock(LockExclusive); err != nil {
		lf.Close()
		if err == ErrAlreadyLocked {
			return nil, ErrAlreadyLocked
		}
		return nil, err
	}

	serverID, err := loadOrCreateServerID(path)
	if err != nil {
		flock.Unlock()
		lf.Close()
		return nil, err
	}

	db := &DB{
		path:        path,
		lock:        flock,
		lockFile:    lf,
		tickGen:     newTickGenerator(serverID),
		config:      config,
		collections: make(map[uint64]*DocumentCollection),
		byName:      make(map[string]uint64),
	}

	if err := db.loadCollections(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func loadOrCreateServerID(dbPath string) (uint16, error) {
	path := filepath.Join(dbPath, serverFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		var sf serverFile
		if err := gojson.Unmarshal(raw, &sf); err != nil {
			return 0, fmt.Errorf("ledger: parse SERVER: %w", err)
		}
		return sf.ServerID, nil
	}
	if !os.IsNotExist(err) {
		return 0, fmt.Errorf("ledger: read SERVER: %w", err)
	}
	id := uint16(randomServerID())
	buf, _ := gojson.Marshal(serverFile{ServerID: id})
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return 0, fmt.Errorf("ledger: write SERVER: %w", err)
	}
	return id, nil
}

// randomServerID derives a server identifier from the low 16 bits of
// the process id, good enough for the single-node scope of this package
// (spec.md explicitly excludes clustering); a real deployment would
// assign ids out of band.
func randomServerID() uint32 {
	return uint32(os.Getpid()) & 0xFFFF
}

func (db *DB) loadCollections() error {
	names, err := os.ReadDir(db.path)
	if err != nil {
		return fmt.Errorf("ledger: scan database dir: %w", err)
	}
	for _, n := range names {
		if !n.IsDir() || !strings.HasPrefix(n.Name(), "collection-") {
			continue
		}
		dir := &CollectionDir{path: filepath.Join(db.path, n.Name())}
		params, err := dir.ReadParameters()
		if err != nil {
			return err
		}
		c := newDocumentCollection(dir, params, db.config, db.tickGen)
		if err := c.load(); err != nil {
			return err
		}
		db.startWorkers(c)
		db.mu.Lock()
		db.collections[params.CID] = c
		db.byName[params.Name] = params.CID
		db.mu.Unlock()
	}
	return nil
}

func (db *DB) startWorkers(c *DocumentCollection) {
	go newSynchroniser(c).Run()
	go newCompactor(c).Run()
	go newCleanup(c, db.unlinkRetired).Run()
}

// CreateCollection creates a new collection directory, writes its
// parameter.json, and registers it for CRUD and background workers.
func (db *DB) CreateCollection(name string, collectionType int, maxSize int64, policy SyncPolicy) (*DocumentCollection, error) {
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	if _, exists := db.byName[name]; exists {
		db.mu.Unlock()
		return nil, ErrDuplicateName
	}
	db.mu.Unlock()

	cid := db.nextCID.next()
	dir, err := createCollectionDir(db.path, cid)
	if err != nil {
		return nil, err
	}
	if maxSize == 0 {
		maxSize = db.config.DatafileSize
	}
	params := CollectionParameters{
		Version:     1,
		Type:        collectionType,
		CID:         cid,
		Name:        name,
		MaximumSize: maxSize,
		SyncPolicy:  policy,
	}
	if err := dir.WriteParameters(params); err != nil {
		return nil, err
	}

	c := newDocumentCollection(dir, params, db.config, db.tickGen)
	c.setState(StateLoaded)
	db.startWorkers(c)

	db.mu.Lock()
	db.collections[cid] = c
	db.byName[name] = cid
	db.mu.Unlock()
	return c, nil
}

// DropCollection transitions a collection to UNLOADING and defers its
// directory removal through the barrier/cleanup path.
func (db *DB) DropCollection(cid uint64) error {
	db.mu.Lock()
	c, ok := db.collections[cid]
	db.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	c.setState(StateUnloading)
	c.barriers.Defer(BarrierCollectionUnload, collectionUnloadCallback(c))
	c.barriers.Defer(BarrierCollectionDrop, collectionDropCallback(c, db.path, db.unlinkRetired))

	db.mu.Lock()
	delete(db.collections, cid)
	delete(db.byName, c.Name)
	db.mu.Unlock()
	return nil
}

// Lookup returns a collection by name.
func (db *DB) Lookup(name string) (*DocumentCollection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cid, ok := db.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return db.collections[cid], nil
}

// Collection returns a collection by id.
func (db *DB) Collection(cid uint64) (*DocumentCollection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.collections[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Collections returns every currently registered collection.
func (db *DB) Collections() []*DocumentCollection {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*DocumentCollection, 0, len(db.collections))
	for _, c := range db.collections {
		out = append(out, c)
	}
	return out
}

// Close shuts down every collection's background workers and releases
// the process-wide lock file.
func (db *DB) Close() error {
	db.mu.Lock()
	collections := make([]*DocumentCollection, 0, len(db.collections))
	for _, c := range db.collections {
		collections = append(collections, c)
	}
	db.mu.Unlock()

	for _, c := range collections {
		c.shutdown()
	}

	if db.lock != nil {
		db.lock.Unlock()
	}
	if db.lockFile != nil {
		return db.lockFile.Close()
	}
	return nil
}
