// Package snapshot persists the ledger to a single CBOR file. The
// snapshot is a disposable cache of the in-memory ledger: it is
// rewritten whole on every structural change and read back once at
// startup.
package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/Zynh0722/nyazoom/internal/server/ledger"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding. The same
// ledger contents always produce identical bytes. Times are encoded
// as RFC 3339 strings so sub-second precision survives the round trip.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// Store reads and writes the snapshot file.
type Store struct {
	path string
}

// NewStore creates a Store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// EnsureDir creates the snapshot's parent directory if it doesn't exist.
func (s *Store) EnsureDir() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}
	return nil
}

// Save serializes records and atomically replaces the snapshot file.
// Data is written to a temp file in the same directory, fsynced, then
// renamed over the target, so a crash at any point leaves either the
// old snapshot or the new one, never a torn file.
func (s *Store) Save(records map[string]ledger.Record) error {
	data, err := encMode.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	success = true
	return nil
}

// Load reads the snapshot if one exists. A missing, empty, or
// undecodable snapshot yields an empty map: a bad snapshot must never
// block startup, it only costs the records it described.
func (s *Store) Load() map[string]ledger.Record {
	records := make(map[string]ledger.Record)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to read ledger snapshot", "path", s.path, "error", err)
		}
		return records
	}
	if len(data) == 0 {
		return records
	}

	if err := decMode.Unmarshal(data, &records); err != nil {
		slog.Warn("discarding undecodable ledger snapshot", "path", s.path, "error", err)
		return make(map[string]ledger.Record)
	}
	return records
}
