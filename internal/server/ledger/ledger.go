package ledger

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotFound signals that a token has no live record. Expired,
	// exhausted, and never-issued tokens are deliberately
	// indistinguishable to callers.
	ErrNotFound = errors.New("record not found")

	// ErrTokenCollision signals an insert with a token that is already
	// mapped. The caller is expected to mint a new token and retry.
	ErrTokenCollision = errors.New("token already in use")
)

// Snapshotter persists a full copy of the ledger contents. Save is
// called under the ledger lock and must not retain the map.
type Snapshotter interface {
	Save(records map[string]Record) error
}

// FileRemover deletes an archive file from storage.
type FileRemover interface {
	RemoveFile(path string) error
}

// Ledger is the authoritative in-memory token to record mapping. Every
// compound check-then-mutate sequence runs under one mutex, which is
// what makes the download counter exact under concurrent requests. The
// lock is never held while file contents are streamed.
type Ledger struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
	store   Snapshotter
	files   FileRemover
}

// New creates a Ledger over previously restored records. A nil map
// starts the ledger empty.
func New(records map[string]Record, store Snapshotter, files FileRemover, ttl time.Duration) *Ledger {
	if records == nil {
		records = make(map[string]Record)
	}
	return &Ledger{
		records: records,
		ttl:     ttl,
		store:   store,
		files:   files,
	}
}

// Has reports whether a token is currently mapped. The archive builder
// uses this to pick an unused token before it starts writing.
func (l *Ledger) Has(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[token]
	return ok
}

// Insert adds a new record and snapshots the ledger. It fails only on
// a token collision.
func (l *Ledger) Insert(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.Token]; ok {
		return ErrTokenCollision
	}
	l.records[rec.Token] = rec
	l.persistLocked()
	return nil
}

// Get returns the record for token if it is present and still
// eligible. A record found ineligible is removed on the spot and
// reported as not found.
func (l *Ledger) Get(token string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !rec.Eligible(time.Now(), l.ttl) {
		l.removeLocked(rec)
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// MarkDownloaded atomically checks eligibility and consumes one
// download, returning the updated record. Ineligible records are
// removed and reported as not found. Concurrent calls for one token
// serialize here, so no more than MaxDownloads ever succeed.
func (l *Ledger) MarkDownloaded(token string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !rec.Eligible(time.Now(), l.ttl) {
		l.removeLocked(rec)
		return Record{}, ErrNotFound
	}

	rec.Downloads++
	l.records[token] = rec
	return rec, nil
}

// Peek returns the record without consuming anything or triggering
// expiry. Metadata queries must not change observable state.
func (l *Ledger) Peek(token string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Remove deletes a record and its backing archive, then snapshots.
// Removing an unknown token reports ErrNotFound.
func (l *Ledger) Remove(token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[token]
	if !ok {
		return ErrNotFound
	}
	l.removeLocked(rec)
	return nil
}

// ExpireStale removes the record for token only if it is still
// ineligible, and reports whether it did. The recheck under the lock
// means a sweep working from a stale copy can never evict a record
// that another path has since replaced.
func (l *Ledger) ExpireStale(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[token]
	if !ok || rec.Eligible(time.Now(), l.ttl) {
		return false
	}
	l.removeLocked(rec)
	return true
}

// Records returns a point-in-time copy of the mapping.
func (l *Ledger) Records() map[string]Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Record, len(l.records))
	for token, rec := range l.records {
		out[token] = rec
	}
	return out
}

// Len returns the number of live records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// TTL returns the ledger's eligibility window.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// removeLocked is the single removal procedure shared by lazy expiry,
// explicit deletion, and the reaper: best-effort archive deletion,
// entry removal, snapshot. The caller holds l.mu.
func (l *Ledger) removeLocked(rec Record) {
	if err := l.files.RemoveFile(rec.FilePath); err != nil {
		slog.Error("failed to delete archive file",
			"token", rec.Token,
			"path", rec.FilePath,
			"error", err,
		)
	}
	delete(l.records, rec.Token)
	l.persistLocked()
}

// persistLocked writes a snapshot of the full mapping. Snapshot
// failures are logged and swallowed: the in-memory ledger is the
// source of truth and the snapshot is a disposable cache.
func (l *Ledger) persistLocked() {
	if err := l.store.Save(l.records); err != nil {
		slog.Error("failed to write ledger snapshot", "error", err)
	}
}
