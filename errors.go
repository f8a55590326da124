// Package ledger implements an append-only, memory-mapped document
// storage engine: markers are appended to journals, sealed into
// read-only datafiles, compacted in place, and located through an
// in-memory primary index. See DB in db.go for the package's main entry point.
package ledger

import "errors"

// Sentinel errors returned by ledger operations. Callers should use
// errors.Is rather than comparing error strings.
var (
	// ErrNotFound is returned when a document id has no live header.
	ErrNotFound = errors.New("ledger: document not found")

	// ErrConflict is returned when a create finds its freshly assigned
	// document id already present in the primary index.
	ErrConflict = errors.New("ledger: revision conflict")

	// ErrClosed is returned when operating on a closed collection or database.
	ErrClosed = errors.New("ledger: closed")

	// ErrDatafileFull is returned internally by Datafile.Reserve when a
	// reservation would exceed capacity; callers retry on another journal.
	ErrDatafileFull = errors.New("ledger: datafile full")

	// ErrWriteFailed marks a datafile WriteError; surfaced to the caller
	// whose operation triggered the failing write or sync.
	ErrWriteFailed = errors.New("ledger: write failed")

	// ErrNoJournal is raised if SelectJournal is invoked while the
	// collection is not in StateLoaded.
	ErrNoJournal = errors.New("ledger: no journal available")

	// ErrCorruptDatafile names a datafile whose markers fail validation.
	// Replay does not return it: Datafile.Iterate stops and truncates at
	// the first marker whose CRC does not match, and load reports other
	// replay failures as ErrCorruptCollection.
	ErrCorruptDatafile = errors.New("ledger: corrupt datafile")

	// ErrCorruptCollection is surfaced when a collection's on-disk state
	// cannot be reconciled at open; the collection transitions to Corrupted.
	ErrCorruptCollection = errors.New("ledger: corrupt collection")

	// ErrIllegalName is returned for collection names that fail validation.
	ErrIllegalName = errors.New("ledger: illegal collection name")

	// ErrDuplicateName is returned when creating a collection whose name
	// is already registered.
	ErrDuplicateName = errors.New("ledger: duplicate collection name")

	// ErrDuplicateIdentifier is returned when creating a collection whose
	// id is already registered.
	ErrDuplicateIdentifier = errors.New("ledger: duplicate collection id")

	// ErrAlreadyLocked is returned by Open when the database directory's
	// lock file is held by another live process.
	ErrAlreadyLocked = errors.New("ledger: database directory is locked")

	// ErrInvalidMarker is returned when a marker fails structural
	// validation (bad type tag, size below the common header, etc).
	ErrInvalidMarker = errors.New("ledger: invalid marker")

	// ErrBodyTooLarge is returned when a document/edge body exceeds
	// Config.MaxRecordSize.
	ErrBodyTooLarge = errors.New("ledger: body exceeds maximum record size")

	// ErrDecompress is returned when a compressed body cannot be
	// inflated (corrupt stream or bad frame).
	ErrDecompress = errors.New("ledger: decompression failed")
)
