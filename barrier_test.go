package ledger

import "testing"

func TestBarrierListDrainEmpty(t *testing.T) {
	l := &BarrierList{}
	b, blocked := l.DrainOne()
	if b != nil || blocked {
		t.Errorf("DrainOne on empty list = (%v, %v), want (nil, false)", b, blocked)
	}
}

func TestBarrierListElementBlocksCallback(t *testing.T) {
	l := &BarrierList{}
	elem := l.Acquire()

	ran := false
	l.Defer(BarrierDatafileCallback, func() error { ran = true; return nil })

	b, blocked := l.DrainOne()
	if b != nil || !blocked {
		t.Fatalf("DrainOne with a live Element ahead = (%v, %v), want (nil, true)", b, blocked)
	}
	if ran {
		t.Fatal("callback ran while a preceding Element was still live")
	}

	l.Release(elem)
	b, blocked = l.DrainOne()
	if blocked || b == nil {
		t.Fatalf("DrainOne after Release = (%v, %v), want a callback barrier", b, blocked)
	}
	if err := b.Callback(); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !ran {
		t.Fatal("callback was drained but never invoked")
	}
}

func TestBarrierListCallbacksDrainInOrder(t *testing.T) {
	l := &BarrierList{}
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		l.Defer(BarrierDatafileCallback, func() error { order = append(order, i); return nil })
	}
	for i := 0; i < 3; i++ {
		b, blocked := l.DrainOne()
		if blocked || b == nil {
			t.Fatalf("DrainOne[%d] = (%v, %v)", i, b, blocked)
		}
		b.Callback()
	}
	want := []int{0, 1, 2}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("drain order = %v, want %v", order, want)
		}
	}
}

func TestBarrierListHasLiveElement(t *testing.T) {
	l := &BarrierList{}
	if l.HasLiveElement() {
		t.Fatal("empty list should report no live Element")
	}
	elem := l.Acquire()
	if !l.HasLiveElement() {
		t.Fatal("HasLiveElement should be true after Acquire")
	}
	l.Release(elem)
	if l.HasLiveElement() {
		t.Fatal("HasLiveElement should be false after Release")
	}
}

// TestBarrierListMultipleElementsIndependentRelease verifies that two
// concurrently held Element barriers must both be released before a
// trailing callback can drain — a reader that is still scanning must
// not have its datafile pulled out from under it just because some
// other reader finished.
func TestBarrierListMultipleElementsIndependentRelease(t *testing.T) {
	l := &BarrierList{}
	e1 := l.Acquire()
	e2 := l.Acquire()
	l.Defer(BarrierDatafileCallback, func() error { return nil })

	l.Release(e1)
	if _, blocked := l.DrainOne(); !blocked {
		t.Fatal("callback should still be blocked behind the second live Element")
	}

	l.Release(e2)
	if _, blocked := l.DrainOne(); blocked {
		t.Fatal("callback should be drainable once both Elements are released")
	}
}
