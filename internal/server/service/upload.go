package service

import (
	"archive/zip"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"mime/multipart"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/Zynh0722/nyazoom/internal/server/config"
	"github.com/Zynh0722/nyazoom/internal/server/ledger"
	"github.com/Zynh0722/nyazoom/internal/server/metrics"
	"github.com/Zynh0722/nyazoom/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound       = errors.New("record not found")
	ErrUnsafeFilename = errors.New("unsafe filename")
)

// maxTokenAttempts bounds how many times an upload regenerates its
// token after a collision before giving up.
const maxTokenAttempts = 5

// UploadResult is returned after a successful upload.
type UploadResult struct {
	Token              string    `json:"token"`
	DownloadURL        string    `json:"download_url"`
	MaxDownloads       int       `json:"max_downloads"`
	DownloadsRemaining int       `json:"downloads_remaining"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// RecordInfo is returned for metadata queries.
type RecordInfo struct {
	Token              string    `json:"token"`
	CreatedAt          time.Time `json:"created_at"`
	DownloadCount      int       `json:"download_count"`
	MaxDownloads       int       `json:"max_downloads"`
	DownloadsRemaining int       `json:"downloads_remaining"`
}

// Stats holds aggregate server statistics.
type Stats struct {
	ActiveRecords  int64
	TotalDownloads int64
	StorageUsed    int64
}

// UploadService contains the business logic for building archives and
// serving them back.
type UploadService struct {
	ledger *ledger.Ledger
	store  *storage.FileSystemStore
	cfg    *config.Config

	// newToken is swappable in tests; it defaults to generateSecureToken.
	newToken func(length int) (string, error)
}

// NewUploadService creates a new upload service.
func NewUploadService(led *ledger.Ledger, store *storage.FileSystemStore, cfg *config.Config) *UploadService {
	return &UploadService{
		ledger:   led,
		store:    store,
		cfg:      cfg,
		newToken: generateSecureToken,
	}
}

// ProcessUpload drains a multipart body into one compressed archive
// and registers the resulting record. Each file part is streamed
// straight into the archive writer, so memory use stays flat no matter
// how large the upload is. Parts without a filename (plain form
// fields) are skipped. Any failure removes the partial archive: no
// token is ever issued for a half-written file.
func (s *UploadService) ProcessUpload(ctx context.Context, form *multipart.Reader) (*UploadResult, error) {
	token, err := s.freshToken()
	if err != nil {
		return nil, err
	}

	archive, err := s.store.Create(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	path := archive.Name()

	abort := func() {
		archive.Close()
		if err := s.store.RemoveFile(path); err != nil {
			slog.Error("failed to remove partial archive", "path", path, "error", err)
		}
	}

	zw := zip.NewWriter(archive)
	// klauspost's flate is a drop-in for compress/flate; the output is
	// a plain deflate zip any client can read.
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	var entries int
	for {
		part, err := form.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			abort()
			return nil, fmt.Errorf("failed to read multipart body: %w", err)
		}

		name := part.FileName()
		if name == "" {
			part.Close()
			continue
		}

		entryName, err := sanitizeEntryName(name)
		if err != nil {
			part.Close()
			abort()
			return nil, err
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     entryName,
			Method:   zip.Deflate,
			Modified: time.Now(),
		})
		if err != nil {
			part.Close()
			abort()
			return nil, fmt.Errorf("failed to create archive entry %s: %w", entryName, err)
		}

		if _, err := io.Copy(w, part); err != nil {
			part.Close()
			abort()
			return nil, fmt.Errorf("failed to write archive entry %s: %w", entryName, err)
		}
		part.Close()
		entries++
	}

	// The central directory must be on disk before the token becomes
	// visible to anyone.
	if err := zw.Close(); err != nil {
		abort()
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := archive.Sync(); err != nil {
		abort()
		return nil, fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := archive.Close(); err != nil {
		abort()
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}

	rec := ledger.Record{
		Token:        token,
		CreatedAt:    time.Now().UTC(),
		FilePath:     path,
		MaxDownloads: s.cfg.MaxDownloads,
	}

	if err := s.register(&rec); err != nil {
		if rmErr := s.store.RemoveFile(rec.FilePath); rmErr != nil {
			slog.Error("failed to remove orphaned archive", "path", rec.FilePath, "error", rmErr)
		}
		return nil, err
	}

	slog.Info("upload archived",
		"token", rec.Token,
		"entries", entries,
		"path", rec.FilePath,
	)
	metrics.UploadsTotal.Inc()

	return &UploadResult{
		Token:              rec.Token,
		DownloadURL:        fmt.Sprintf("%s/download/%s", s.cfg.BaseURL, rec.Token),
		MaxDownloads:       rec.MaxDownloads,
		DownloadsRemaining: rec.Remaining(),
		ExpiresAt:          rec.CreatedAt.Add(s.cfg.RecordTTL),
	}, nil
}

// register inserts the record, regenerating the token if another
// upload claimed it while the archive was being written. The finished
// archive is renamed to follow the new token.
func (s *UploadService) register(rec *ledger.Record) error {
	for attempt := 0; ; attempt++ {
		err := s.ledger.Insert(*rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrTokenCollision) || attempt >= maxTokenAttempts {
			return fmt.Errorf("failed to register record: %w", err)
		}

		token, err := s.newToken(s.cfg.TokenLength)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		path, err := s.store.Rename(rec.FilePath, token)
		if err != nil {
			return fmt.Errorf("failed to move archive after token collision: %w", err)
		}
		slog.Warn("token collision, reissued", "old_token", rec.Token, "new_token", token)
		rec.Token = token
		rec.FilePath = path
	}
}

// Download consumes one download and returns the archive path plus a
// suggested filename. The count is already spent when this returns, so
// a transfer the client aborts still used up its slot. The caller
// streams the file afterwards, outside any ledger lock.
func (s *UploadService) Download(ctx context.Context, token string) (filePath string, filename string, err error) {
	rec, err := s.ledger.MarkDownloaded(token)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", "", ErrNotFound
		}
		return "", "", err
	}

	if _, err := os.Stat(rec.FilePath); err != nil {
		// The record outlived its file, likely a crash between a file
		// deletion and the snapshot that recorded it. Retire the entry.
		slog.Error("archive file missing for live record",
			"token", token,
			"path", rec.FilePath,
			"error", err,
		)
		if rmErr := s.ledger.Remove(token); rmErr != nil && !errors.Is(rmErr, ledger.ErrNotFound) {
			slog.Error("failed to retire fileless record", "token", token, "error", rmErr)
		}
		return "", "", ErrNotFound
	}

	metrics.DownloadsTotal.Inc()
	slog.Info("download granted",
		"token", token,
		"downloads", rec.Downloads,
		"remaining", rec.Remaining(),
	)

	return rec.FilePath, token + ".zip", nil
}

// GetInfo returns metadata about a record without consuming a download
// or triggering expiry.
func (s *UploadService) GetInfo(ctx context.Context, token string) (*RecordInfo, error) {
	rec, err := s.ledger.Peek(token)
	if err != nil {
		return nil, ErrNotFound
	}

	return &RecordInfo{
		Token:              rec.Token,
		CreatedAt:          rec.CreatedAt,
		DownloadCount:      rec.Downloads,
		MaxDownloads:       rec.MaxDownloads,
		DownloadsRemaining: rec.Remaining(),
	}, nil
}

// Delete removes a record and its archive.
func (s *UploadService) Delete(ctx context.Context, token string) error {
	if err := s.ledger.Remove(token); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	slog.Info("record deleted", "token", token)
	return nil
}

// List returns a point-in-time copy of every live record.
func (s *UploadService) List(ctx context.Context) map[string]ledger.Record {
	return s.ledger.Records()
}

// GetStats returns aggregate server statistics. Storage use is summed
// from the records' backing files, skipping any that cannot be statted.
func (s *UploadService) GetStats(ctx context.Context) *Stats {
	records := s.ledger.Records()

	stats := &Stats{ActiveRecords: int64(len(records))}
	for _, rec := range records {
		stats.TotalDownloads += int64(rec.Downloads)
		if info, err := os.Stat(rec.FilePath); err == nil {
			stats.StorageUsed += info.Size()
		}
	}
	return stats
}

// freshToken mints a token that is not currently mapped. A collision
// here is near-impossible; the bound keeps a broken generator from
// spinning forever.
func (s *UploadService) freshToken() (string, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := s.newToken(s.cfg.TokenLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		if !s.ledger.Has(token) {
			return token, nil
		}
	}
	return "", fmt.Errorf("no unused token after %d attempts", maxTokenAttempts)
}

// --- Helpers ---

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// sanitizeEntryName validates a client-supplied filename for use as an
// archive entry: exactly one path component, no traversal, no NUL. A
// bad name rejects the whole upload rather than being rewritten, so an
// archive never contains an entry the client did not ask for.
func sanitizeEntryName(name string) (string, error) {
	// Windows-style backslashes count as separators.
	normalized := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))

	switch {
	case normalized == "", normalized == ".", normalized == "..":
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	case strings.Contains(normalized, "/"):
		return "", fmt.Errorf("%w: %q has path components", ErrUnsafeFilename, name)
	case strings.ContainsRune(normalized, 0):
		return "", fmt.Errorf("%w: %q contains a NUL byte", ErrUnsafeFilename, name)
	}

	return normalized, nil
}
