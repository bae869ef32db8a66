package ledger

import "time"

// Record holds the metadata for one uploaded archive.
type Record struct {
	Token        string    `json:"token"`
	CreatedAt    time.Time `json:"created_at"`
	FilePath     string    `json:"file_path"`
	Downloads    int       `json:"download_count"`
	MaxDownloads int       `json:"max_downloads"`
}

// Eligible reports whether the record can still be served: it is
// younger than ttl and has downloads left. Both bounds are strict, so
// a record at exactly ttl old or exactly MaxDownloads served is stale.
func (r Record) Eligible(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CreatedAt) < ttl && r.Downloads < r.MaxDownloads
}

// Remaining returns how many downloads the record has left.
func (r Record) Remaining() int {
	return r.MaxDownloads - r.Downloads
}
