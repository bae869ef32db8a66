package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSnapshotter records Save calls and keeps a copy of the last
// contents it was given.
type fakeSnapshotter struct {
	mu    sync.Mutex
	saves int
	last  map[string]Record
	err   error
}

func (f *fakeSnapshotter) Save(records map[string]Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves++
	f.last = make(map[string]Record, len(records))
	for k, v := range records {
		f.last[k] = v
	}
	return nil
}

func (f *fakeSnapshotter) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// fakeRemover records which paths were deleted.
type fakeRemover struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (f *fakeRemover) RemoveFile(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeRemover) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func newTestLedger(t *testing.T, ttl time.Duration) (*Ledger, *fakeSnapshotter, *fakeRemover) {
	t.Helper()
	snap := &fakeSnapshotter{}
	files := &fakeRemover{}
	return New(nil, snap, files, ttl), snap, files
}

func testRecord(token string, maxDownloads int) Record {
	return Record{
		Token:        token,
		CreatedAt:    time.Now(),
		FilePath:     "/tmp/serve/" + token + ".zip",
		MaxDownloads: maxDownloads,
	}
}

func TestLedger_Insert(t *testing.T) {
	t.Run("inserts and snapshots", func(t *testing.T) {
		led, snap, _ := newTestLedger(t, 72*time.Hour)

		if err := led.Insert(testRecord("tok1", 5)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !led.Has("tok1") {
			t.Error("expected token to be mapped")
		}
		if snap.saveCount() != 1 {
			t.Errorf("expected 1 snapshot, got %d", snap.saveCount())
		}
		if _, ok := snap.last["tok1"]; !ok {
			t.Error("snapshot does not contain inserted record")
		}
	})

	t.Run("rejects duplicate token", func(t *testing.T) {
		led, snap, _ := newTestLedger(t, 72*time.Hour)

		if err := led.Insert(testRecord("dup", 5)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		err := led.Insert(testRecord("dup", 5))
		if !errors.Is(err, ErrTokenCollision) {
			t.Fatalf("expected ErrTokenCollision, got %v", err)
		}
		if snap.saveCount() != 1 {
			t.Errorf("collision must not snapshot, got %d saves", snap.saveCount())
		}
	})
}

func TestLedger_Get(t *testing.T) {
	t.Run("returns eligible record", func(t *testing.T) {
		led, _, _ := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("tok1", 5))

		rec, err := led.Get("tok1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Token != "tok1" {
			t.Errorf("wrong record: %+v", rec)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		led, _, _ := newTestLedger(t, 72*time.Hour)

		if _, err := led.Get("ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("expired record is removed on access", func(t *testing.T) {
		led, snap, files := newTestLedger(t, 72*time.Hour)

		rec := testRecord("old", 5)
		rec.CreatedAt = time.Now().Add(-96 * time.Hour)
		led.Insert(rec)
		savesBefore := snap.saveCount()

		if _, err := led.Get("old"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		if led.Has("old") {
			t.Error("expected expired record to be removed")
		}
		if files.removedCount() != 1 {
			t.Errorf("expected 1 file removal, got %d", files.removedCount())
		}
		if snap.saveCount() != savesBefore+1 {
			t.Errorf("expected removal to snapshot, saves %d -> %d", savesBefore, snap.saveCount())
		}
	})
}

func TestLedger_MarkDownloaded(t *testing.T) {
	t.Run("increments the counter", func(t *testing.T) {
		led, _, _ := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("tok1", 5))

		rec, err := led.MarkDownloaded("tok1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Downloads != 1 {
			t.Errorf("expected 1 download, got %d", rec.Downloads)
		}
		if rec.Remaining() != 4 {
			t.Errorf("expected 4 remaining, got %d", rec.Remaining())
		}
	})

	t.Run("does not snapshot on plain increments", func(t *testing.T) {
		led, snap, _ := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("tok1", 5))
		savesBefore := snap.saveCount()

		led.MarkDownloaded("tok1")
		led.MarkDownloaded("tok1")

		if snap.saveCount() != savesBefore {
			t.Errorf("increment must not snapshot, saves %d -> %d", savesBefore, snap.saveCount())
		}
	})

	t.Run("exhausted record is removed and reported missing", func(t *testing.T) {
		led, _, files := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("tok1", 2))

		for i := 0; i < 2; i++ {
			if _, err := led.MarkDownloaded("tok1"); err != nil {
				t.Fatalf("download %d failed: %v", i+1, err)
			}
		}

		if _, err := led.MarkDownloaded("tok1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after exhaustion, got %v", err)
		}
		if led.Has("tok1") {
			t.Error("expected exhausted record to be removed")
		}
		if files.removedCount() != 1 {
			t.Errorf("expected 1 file removal, got %d", files.removedCount())
		}
	})

	t.Run("expired record is removed and reported missing", func(t *testing.T) {
		led, _, _ := newTestLedger(t, time.Hour)

		rec := testRecord("old", 5)
		rec.CreatedAt = time.Now().Add(-2 * time.Hour)
		led.Insert(rec)

		if _, err := led.MarkDownloaded("old"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if led.Has("old") {
			t.Error("expected expired record to be removed")
		}
	})
}

// Concurrent downloads must never exceed the record's budget: with N
// goroutines racing for M slots, exactly M succeed.
func TestLedger_MarkDownloadedConcurrent(t *testing.T) {
	const maxDownloads = 5
	const workers = 25

	led, _, _ := newTestLedger(t, 72*time.Hour)
	led.Insert(testRecord("race", maxDownloads))

	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := led.MarkDownloaded("race")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, missed int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrNotFound):
			missed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != maxDownloads {
		t.Errorf("expected exactly %d successful downloads, got %d", maxDownloads, succeeded)
	}
	if missed != workers-maxDownloads {
		t.Errorf("expected %d misses, got %d", workers-maxDownloads, missed)
	}
	if led.Has("race") {
		t.Error("expected exhausted record to be removed")
	}
}

func TestLedger_Peek(t *testing.T) {
	t.Run("returns record without consuming", func(t *testing.T) {
		led, _, _ := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("tok1", 5))

		for i := 0; i < 3; i++ {
			rec, err := led.Peek("tok1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Downloads != 0 {
				t.Errorf("peek must not consume downloads, got %d", rec.Downloads)
			}
		}
	})

	t.Run("does not trigger expiry", func(t *testing.T) {
		led, snap, files := newTestLedger(t, time.Hour)

		rec := testRecord("old", 5)
		rec.CreatedAt = time.Now().Add(-2 * time.Hour)
		led.Insert(rec)
		savesBefore := snap.saveCount()

		got, err := led.Peek("old")
		if err != nil {
			t.Fatalf("peek of stale record should still return it, got %v", err)
		}
		if got.Token != "old" {
			t.Errorf("wrong record: %+v", got)
		}
		if !led.Has("old") {
			t.Error("peek must not remove the record")
		}
		if files.removedCount() != 0 {
			t.Error("peek must not delete files")
		}
		if snap.saveCount() != savesBefore {
			t.Error("peek must not snapshot")
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		led, _, _ := newTestLedger(t, 72*time.Hour)

		if _, err := led.Peek("ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestLedger_Remove(t *testing.T) {
	t.Run("removes record and file", func(t *testing.T) {
		led, snap, files := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("tok1", 5))
		savesBefore := snap.saveCount()

		if err := led.Remove("tok1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if led.Has("tok1") {
			t.Error("expected record to be gone")
		}
		if files.removedCount() != 1 {
			t.Errorf("expected 1 file removal, got %d", files.removedCount())
		}
		if snap.saveCount() != savesBefore+1 {
			t.Error("expected removal to snapshot")
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		led, _, _ := newTestLedger(t, 72*time.Hour)

		if err := led.Remove("ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("second remove reports missing", func(t *testing.T) {
		led, _, _ := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("tok1", 5))

		led.Remove("tok1")
		if err := led.Remove("tok1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("file deletion failure still removes the entry", func(t *testing.T) {
		led, snap, files := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("tok1", 5))
		files.err = errors.New("disk on fire")
		savesBefore := snap.saveCount()

		if err := led.Remove("tok1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if led.Has("tok1") {
			t.Error("entry must be removed even when the file deletion fails")
		}
		if snap.saveCount() != savesBefore+1 {
			t.Error("expected removal to snapshot")
		}
	})
}

func TestLedger_ExpireStale(t *testing.T) {
	t.Run("removes stale record", func(t *testing.T) {
		led, _, _ := newTestLedger(t, time.Hour)

		rec := testRecord("old", 5)
		rec.CreatedAt = time.Now().Add(-2 * time.Hour)
		led.Insert(rec)

		if !led.ExpireStale("old") {
			t.Error("expected stale record to be expired")
		}
		if led.Has("old") {
			t.Error("expected record to be gone")
		}
	})

	t.Run("leaves eligible record alone", func(t *testing.T) {
		led, _, files := newTestLedger(t, 72*time.Hour)
		led.Insert(testRecord("fresh", 5))

		if led.ExpireStale("fresh") {
			t.Error("must not expire an eligible record")
		}
		if !led.Has("fresh") {
			t.Error("record should still be present")
		}
		if files.removedCount() != 0 {
			t.Error("no files should be deleted")
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		led, _, _ := newTestLedger(t, 72*time.Hour)

		if led.ExpireStale("ghost") {
			t.Error("expected false for unknown token")
		}
	})
}

func TestLedger_Records(t *testing.T) {
	led, _, _ := newTestLedger(t, 72*time.Hour)
	led.Insert(testRecord("a", 5))
	led.Insert(testRecord("b", 5))

	records := led.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	// The copy must be detached from the ledger.
	delete(records, "a")
	if !led.Has("a") {
		t.Error("mutating the copy must not affect the ledger")
	}
}

func TestLedger_RestoredRecords(t *testing.T) {
	snap := &fakeSnapshotter{}
	files := &fakeRemover{}
	restored := map[string]Record{
		"kept": testRecord("kept", 5),
	}

	led := New(restored, snap, files, 72*time.Hour)

	rec, err := led.Get("kept")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Token != "kept" {
		t.Errorf("wrong record: %+v", rec)
	}
}

func TestRecord_Eligible(t *testing.T) {
	now := time.Now()
	ttl := 72 * time.Hour

	tests := []struct {
		name     string
		rec      Record
		expected bool
	}{
		{
			"fresh with downloads left",
			Record{CreatedAt: now.Add(-time.Hour), Downloads: 0, MaxDownloads: 5},
			true,
		},
		{
			"one download left",
			Record{CreatedAt: now.Add(-time.Hour), Downloads: 4, MaxDownloads: 5},
			true,
		},
		{
			"downloads exhausted",
			Record{CreatedAt: now.Add(-time.Hour), Downloads: 5, MaxDownloads: 5},
			false,
		},
		{
			"past ttl",
			Record{CreatedAt: now.Add(-96 * time.Hour), Downloads: 0, MaxDownloads: 5},
			false,
		},
		{
			"exactly at ttl",
			Record{CreatedAt: now.Add(-ttl), Downloads: 0, MaxDownloads: 5},
			false,
		},
		{
			"just inside ttl",
			Record{CreatedAt: now.Add(-ttl + time.Minute), Downloads: 0, MaxDownloads: 5},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Eligible(now, ttl); got != tt.expected {
				t.Errorf("Eligible() = %v, want %v", got, tt.expected)
			}
		})
	}
}
