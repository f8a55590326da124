// BarrierList is a per-collection, intrusive doubly-linked list of
// reference-holding elements and deferred-action callbacks. See
// spec.md §3 and §4.6.
package ledger

import "sync"

// BarrierKind distinguishes the four barrier variants spec.md defines.
type BarrierKind int

const (
	// BarrierElement is a pure reader reference; prevents the
	// underlying datafile from being unloaded while held.
	BarrierElement BarrierKind = iota
	// BarrierDatafileCallback is a deferred "retire this datafile" action.
	BarrierDatafileCallback
	// BarrierCollectionUnload is a deferred collection-unload action.
	BarrierCollectionUnload
	// BarrierCollectionDrop is a deferred collection-drop action.
	BarrierCollectionDrop
)

// Barrier is one node in a collection's BarrierList.
type Barrier struct {
	Kind BarrierKind

	// Callback is invoked by Cleanup for all non-Element kinds.
	Callback func() error

	prev, next *Barrier
}

// BarrierList is a FIFO of barrier nodes with one invariant: while any
// Element barrier exists in the list, no Callback barrier ahead of it
// (i.e. appended before it) may be executed until that Element is
// released. Cleanup enforces this by scanning from the head and
// stopping at the first live Element.
type BarrierList struct {
	mu   sync.Mutex // spin-lock in spec.md's terms; a plain mutex suffices in Go
	head *Barrier
	tail *Barrier
}

// Acquire appends and returns a new Element barrier. Callers pin a
// datafile against unload by holding the returned *Barrier and calling
// Release when done.
func (l *BarrierList) Acquire() *Barrier {
	b := &Barrier{Kind: BarrierElement}
	l.append(b)
	return b
}

// Release removes an Element barrier from the list. It is a no-op if
// called more than once on the same barrier.
func (l *BarrierList) Release(b *Barrier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlink(b)
}

// Defer appends a deferred-action barrier (DatafileCallback,
// CollectionUnload, or CollectionDrop) to the tail of the list.
func (l *BarrierList) Defer(kind BarrierKind, callback func() error) {
	l.append(&Barrier{Kind: kind, Callback: callback})
}

func (l *BarrierList) append(b *Barrier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b.prev = l.tail
	if l.tail != nil {
		l.tail.next = b
	} else {
		l.head = b
	}
	l.tail = b
}

func (l *BarrierList) unlink(b *Barrier) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if l.head == b {
		l.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if l.tail == b {
		l.tail = b.prev
	}
	b.prev, b.next = nil, nil
}

// DrainOne inspects the head of the list. If it is a live Element, it
// returns (nil, true) — blocked — so Cleanup should back off. If the
// list is empty it returns (nil, false). Otherwise it detaches and
// returns the head callback barrier for execution outside the lock.
func (l *BarrierList) DrainOne() (b *Barrier, blocked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return nil, false
	}
	if l.head.Kind == BarrierElement {
		return nil, true
	}
	head := l.head
	l.unlink(head)
	return head, false
}

// HasLiveElement reports whether any Element barrier remains in the list.
func (l *BarrierList) HasLiveElement() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for b := l.head; b != nil; b = b.next {
		if b.Kind == BarrierElement {
			return true
		}
	}
	return false
}
