package usage

import (
	"sync"
	"testing"
	"time"
)

func TestSnapshotAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{UserID: "u1", AmountZat: 100, At: now.Add(-30 * time.Minute)},
		{UserID: "u1", AmountZat: 200, At: now.Add(-10 * time.Minute)},
		{UserID: "u1", AmountZat: 400, At: now.Add(-2 * time.Hour)}, // outside window
	}

	snap := SnapshotAt("u1", entries, now, time.Hour)
	if snap.Count != 2 {
		t.Fatalf("expected 2 entries in window, got %d", snap.Count)
	}
	if snap.TotalZat != 300 {
		t.Fatalf("expected total 300, got %d", snap.TotalZat)
	}
	if !snap.OldestAt.Equal(now.Add(-30 * time.Minute)) {
		t.Fatalf("unexpected oldest entry: %s", snap.OldestAt)
	}
}

func TestSnapshotBoundaryInclusive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{{UserID: "u1", AmountZat: 50, At: now.Add(-time.Hour)}}

	snap := SnapshotAt("u1", entries, now, time.Hour)
	if snap.Count != 1 {
		t.Fatal("entry exactly at the window boundary must count")
	}
}

func TestSnapshotEmpty(t *testing.T) {
	snap := SnapshotAt("u1", nil, time.Now(), time.Hour)
	if snap.Count != 0 || snap.TotalZat != 0 || !snap.OldestAt.IsZero() {
		t.Fatalf("empty snapshot expected, got %+v", snap)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	const workers = 16

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("user-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("expected %d increments, got %d", workers, counter)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key should not block")
	}
	unlockA()
}
