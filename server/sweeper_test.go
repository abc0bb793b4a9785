package server

import (
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	name    string
	removed int
	calls   int
	panics  bool
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) SweepExpired(now time.Time) int {
	f.calls++
	if f.panics {
		panic("boom")
	}
	return f.removed
}

func TestSweeperSweepsAllTargets(t *testing.T) {
	a := &fakeTarget{name: "a", removed: 2}
	b := &fakeTarget{name: "b", removed: 3}
	sweeper := NewSweeper(time.Minute, testLogger(), a, b)

	if total := sweeper.Sweep(time.Now()); total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("every target must be swept once, got %d/%d", a.calls, b.calls)
	}
}

func TestSweeperPanicContained(t *testing.T) {
	bad := &fakeTarget{name: "bad", panics: true}
	good := &fakeTarget{name: "good", removed: 1}
	sweeper := NewSweeper(time.Minute, testLogger(), bad, good)

	if total := sweeper.Sweep(time.Now()); total != 1 {
		t.Fatalf("a panicking target must not abort the pass, got %d", total)
	}
	if good.calls != 1 {
		t.Fatalf("target after the panicking one must still be swept")
	}
}

type blockingTarget struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTarget) Name() string { return "blocking" }

func (b *blockingTarget) SweepExpired(now time.Time) int {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return 0
}

func TestSweeperNonReentrant(t *testing.T) {
	target := &blockingTarget{entered: make(chan struct{}), release: make(chan struct{})}
	sweeper := NewSweeper(time.Minute, testLogger(), target)

	done := make(chan int, 1)
	go func() { done <- sweeper.Sweep(time.Now()) }()
	<-target.entered

	// A second pass while the first is in flight is skipped, not queued.
	if got := sweeper.Sweep(time.Now()); got != -1 {
		t.Fatalf("overlapping sweep must be skipped, got %d", got)
	}

	close(target.release)
	if got := <-done; got != 0 {
		t.Fatalf("first sweep must complete normally, got %d", got)
	}

	// After completion the guard is released.
	if got := sweeper.Sweep(time.Now()); got != 0 {
		t.Fatalf("sweep after completion must run, got %d", got)
	}
}

func TestSweeperEmptyPassIsNoop(t *testing.T) {
	sessions := NewSessionStore(SessionsConfig{TTL: time.Hour}, testLogger())
	sweeper := NewSweeper(time.Minute, testLogger(), sessions)

	if got := sweeper.Sweep(time.Now()); got != 0 {
		t.Fatalf("sweeping nothing must remove nothing, got %d", got)
	}
}
