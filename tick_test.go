package ledger

import "testing"

func TestTickPacksCounterAndServerID(t *testing.T) {
	tick := newTick(42, 7)
	if got := tick.counter(); got != 42 {
		t.Errorf("counter() = %d, want 42", got)
	}
	if got := tick.serverID(); got != 7 {
		t.Errorf("serverID() = %d, want 7", got)
	}
}

func TestTickGeneratorNextIsStrictlyIncreasing(t *testing.T) {
	g := newTickGenerator(3)
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		cur := g.Next()
		if cur.counter() <= prev.counter() {
			t.Fatalf("tick counter did not increase: prev=%d cur=%d", prev.counter(), cur.counter())
		}
		if cur.serverID() != 3 {
			t.Fatalf("tick serverID changed: got %d, want 3", cur.serverID())
		}
		prev = cur
	}
}

// TestTickGeneratorObserveAdvances checks the replay path: observing a
// tick ahead of the generator's current counter must push the counter
// forward so the next allocation never repeats an on-disk tick.
func TestTickGeneratorObserveAdvances(t *testing.T) {
	g := newTickGenerator(1)
	g.Next() // counter = 1

	ahead := newTick(500, 1)
	g.Observe(ahead)

	next := g.Next()
	if next.counter() <= 500 {
		t.Fatalf("Observe did not advance counter: next=%d", next.counter())
	}
}

// TestTickGeneratorObserveIgnoresStale verifies Observe never moves the
// counter backwards, which would risk reissuing an already-used tick.
func TestTickGeneratorObserveIgnoresStale(t *testing.T) {
	g := newTickGenerator(1)
	for i := 0; i < 10; i++ {
		g.Next()
	}
	before := g.counter.Load()

	g.Observe(newTick(1, 1)) // far behind current counter

	if after := g.counter.Load(); after != before {
		t.Errorf("Observe moved counter backwards: before=%d after=%d", before, after)
	}
}

func TestTickGeneratorConcurrentNextUnique(t *testing.T) {
	g := newTickGenerator(9)
	const n = 200
	results := make(chan Tick, n)
	for i := 0; i < n; i++ {
		go func() { results <- g.Next() }()
	}
	seen := make(map[Tick]bool, n)
	for i := 0; i < n; i++ {
		tick := <-results
		if seen[tick] {
			t.Fatalf("duplicate tick %d issued under concurrent Next", tick)
		}
		seen[tick] = true
	}
}
