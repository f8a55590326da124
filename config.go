// Config and the on-disk CollectionParameters describing a
// collection's durability policy and limits. See spec.md §6.
package ledger

import (
	"fmt"
	"regexp"
)

// SyncPolicy selects a collection's durability discipline (spec.md §6).
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every marker append.
	SyncEveryWrite SyncPolicy = iota
	// SyncAfterObjects fsyncs once SyncObjects markers have accumulated
	// unsynced since the last sync.
	SyncAfterObjects
	// SyncAfterBytes fsyncs once SyncBytes unsynced bytes have accumulated.
	SyncAfterBytes
	// SyncAfterSeconds makes writers never wait for a sync; durability
	// comes from the synchroniser, which syncs dirty journals on every
	// iteration (waiting at most about 100ms when idle). SyncSeconds is
	// not consulted.
	SyncAfterSeconds
)

// Config holds database-wide defaults, applied per-collection unless a
// CollectionParameters field overrides them.
type Config struct {
	// DatafileSize is the default capacity, in bytes, for a collection's
	// journals and compactor output files when CreateCollection's
	// maxSize argument is zero; the resolved value is persisted per
	// collection as CollectionParameters.MaximumSize, which is what
	// actually governs journal/compactor capacity from then on.
	DatafileSize int64

	// MaxRecordSize bounds a single Document/Edge body.
	MaxRecordSize int64

	// CompressBodies enables zstd compression of Document/Edge bodies
	// (Datafile.Write stores the compressed form; readers decompress
	// on the way out).
	CompressBodies bool

	// CompactionDeadRatio is the fraction of dead and deletion bytes in a
	// sealed datafile ((deadBytes + deletionBytes) / (aliveBytes +
	// deadBytes + deletionBytes)) above which the compactor selects it
	// for compaction. Resolves spec.md §9's open
	// question about making the threshold configurable instead of a
	// hardcoded constant.
	CompactionDeadRatio float64

	// CompactionMergeThreshold is the written size in bytes below which
	// a sealed datafile with no accounting yet is marked entirely dead,
	// so the compactor copies its live markers into the shared compactor
	// output (see compactor.go's mergeSmallDatafiles); 0 disables it.
	CompactionMergeThreshold int64

	// SyncAfterSeconds is a periodic sync interval that Open fills with
	// a default when unset. Neither the synchroniser nor the write path
	// reads it.
	SyncAfterSeconds float64
}

// DefaultConfig returns the zero-value-safe defaults applied by Open
// when a caller leaves fields unset, mirroring the teacher's
// zero-is-unset convention in its own Config.
// DefaultConfig's CompactionDeadRatio is 0, matching spec.md §9's
// instruction to default to always-compact (any datafile with
// dead>0 qualifies); CompactionMergeThreshold is 0 (disabled) since
// the baseline never merged small datafiles on its own.
func DefaultConfig() Config {
	return Config{
		DatafileSize:     32 * 1024 * 1024,
		MaxRecordSize:    16 * 1024 * 1024,
		SyncAfterSeconds: 1.0,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DatafileSize == 0 {
		c.DatafileSize = d.DatafileSize
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = d.MaxRecordSize
	}
	if c.SyncAfterSeconds == 0 {
		c.SyncAfterSeconds = d.SyncAfterSeconds
	}
}

// CollectionParameters is the durable, JSON-encoded content of a
// collection directory's parameter.json (spec.md §6).
type CollectionParameters struct {
	Version     uint32     `json:"version"`
	Type        int        `json:"type"`
	CID         uint64     `json:"cid"`
	Name        string     `json:"name"`
	MaximumSize int64      `json:"maximalSize"`
	SyncPolicy  SyncPolicy `json:"syncPolicy"`
	SyncObjects int        `json:"syncAfterObjects,omitempty"`
	SyncBytes   int64      `json:"syncAfterBytes,omitempty"`
	SyncSeconds float64    `json:"syncAfterSeconds,omitempty"`
	WaitForSync bool       `json:"waitForSync"`
	Deleted     bool       `json:"deleted"`
}

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

const maxCollectionNameLength = 64

// validateCollectionName enforces spec.md §6's naming rule: must start
// with a letter or underscore, and contain only letters, digits,
// underscore, or hyphen.
func validateCollectionName(name string) error {
	if len(name) == 0 || len(name) > maxCollectionNameLength {
		return fmt.Errorf("%w: %q", ErrIllegalName, name)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrIllegalName, name)
	}
	return nil
}
