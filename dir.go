// CollectionDir manages one collection's on-disk directory layout:
// parameter.json, numbered journal/datafile/compactor files, and the
// deleted-* artifacts produced by retirement. See spec.md §6.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// CollectionDir wraps the filesystem path of one collection directory.
type CollectionDir struct {
	path string
}

func collectionDirName(cid uint64) string {
	return fmt.Sprintf("collection-%d", cid)
}

func openCollectionDir(dbPath string, cid uint64) *CollectionDir {
	return &CollectionDir{path: filepath.Join(dbPath, collectionDirName(cid))}
}

func createCollectionDir(dbPath string, cid uint64) (*CollectionDir, error) {
	d := openCollectionDir(dbPath, cid)
	if err := os.Mkdir(d.path, 0755); err != nil {
		return nil, fmt.Errorf("ledger: create collection dir: %w", err)
	}
	return d, nil
}

func (d *CollectionDir) Path() string { return d.path }

func (d *CollectionDir) parametersPath() string {
	return filepath.Join(d.path, "parameter.json")
}

// ReadParameters loads parameter.json, tolerating JSONC-style comments
// and trailing commas via hujson before strict decode — the file is
// hand-edited occasionally by operators per spec.md §6.
func (d *CollectionDir) ReadParameters() (CollectionParameters, error) {
	raw, err := os.ReadFile(d.parametersPath())
	if err != nil {
		return CollectionParameters{}, fmt.Errorf("ledger: read parameter.json: %w", err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return CollectionParameters{}, fmt.Errorf("ledger: parameter.json: %w: %w", ErrCorruptCollection, err)
	}
	var params CollectionParameters
	if err := gojson.Unmarshal(standardized, &params); err != nil {
		return CollectionParameters{}, fmt.Errorf("ledger: parameter.json: %w: %w", ErrCorruptCollection, err)
	}
	return params, nil
}

// WriteParameters atomically replaces parameter.json by writing to a
// temp file and renaming over the destination, matching spec.md §6's
// ".tmp then rename" requirement.
func (d *CollectionDir) WriteParameters(params CollectionParameters) error {
	buf, err := gojson.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: encode parameter.json: %w", err)
	}
	if err := atomic.WriteFile(d.parametersPath(), strings.NewReader(string(buf))); err != nil {
		return fmt.Errorf("ledger: write parameter.json: %w", err)
	}
	return nil
}

// datafileKind/fid parsing for the three mapped-marker-file families.
const (
	prefixJournal   = "journal-"
	prefixDatafile  = "datafile-"
	prefixCompactor = "compactor-"
	prefixDeleted   = "deleted-"
	suffixDB        = ".db"
)

func journalPath(dir string, fid Tick) string {
	return filepath.Join(dir, prefixJournal+strconv.FormatUint(uint64(fid), 10)+suffixDB)
}

func datafilePath(dir string, fid Tick) string {
	return filepath.Join(dir, prefixDatafile+strconv.FormatUint(uint64(fid), 10)+suffixDB)
}

func compactorPath(dir string, fid Tick) string {
	return filepath.Join(dir, prefixCompactor+strconv.FormatUint(uint64(fid), 10)+suffixDB)
}

func deletedDatafilePath(dir string, fid Tick) string {
	return filepath.Join(dir, prefixDeleted+strconv.FormatUint(uint64(fid), 10)+suffixDB)
}

// deletedCollectionDirName is the rename target used by
// CollectionDropCallback (spec.md §4.6).
func deletedCollectionDirName(cid uint64) string {
	return prefixDeleted + strconv.FormatUint(cid, 10)
}

// entry describes one mapped-marker file discovered on disk.
type entry struct {
	fid  Tick
	kind DatafileKind
	path string
}

// Scan lists every journal-/datafile-/compactor-<fid>.db file in the
// directory, sorted by fid ascending — the order startup replay and
// compaction enumeration both require (spec.md §4.1, §4.2).
func (d *CollectionDir) Scan() ([]entry, error) {
	names, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("ledger: scan collection dir: %w", err)
	}
	var entries []entry
	for _, n := range names {
		if n.IsDir() {
			continue
		}
		name := n.Name()
		var prefix string
		var kind DatafileKind
		switch {
		case strings.HasPrefix(name, prefixJournal):
			prefix, kind = prefixJournal, KindJournal
		case strings.HasPrefix(name, prefixDatafile):
			prefix, kind = prefixDatafile, KindDatafile
		case strings.HasPrefix(name, prefixCompactor):
			prefix, kind = prefixCompactor, KindCompactor
		default:
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffixDB)
		fid, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue // not a recognized numbered file; ignore
		}
		entries = append(entries, entry{fid: Tick(fid), kind: kind, path: filepath.Join(d.path, name)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].fid < entries[j].fid })
	return entries, nil
}

// IndexDescriptors enumerates index-<iid>.json files. Their contents
// are out of scope (spec.md §6); only each file's path is reported,
// for tooling that needs to know secondary indexes exist.
func (d *CollectionDir) IndexDescriptors() ([]string, error) {
	names, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("ledger: scan index descriptors: %w", err)
	}
	var out []string
	for _, n := range names {
		name := n.Name()
		if strings.HasPrefix(name, "index-") && strings.HasSuffix(name, ".json") {
			out = append(out, filepath.Join(d.path, name))
		}
	}
	sort.Strings(out)
	return out, nil
}
