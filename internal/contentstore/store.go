// Package contentstore implements the content-addressed deduplication store:
// raw scraped payloads and aligned results on disk, with a bbolt index as
// the source of truth for enumeration.
//
// Layout under the store root:
//
//	content/<2 hex>/<62 hex>        raw content
//	results/<2 hex>/<62 hex>.json   aligned result
//	index.bolt                      hash -> entry metadata
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrStorage is the generic storage failure wrapped around any I/O error.
// Callers decide whether to proceed without deduplication.
var ErrStorage = errors.New("content store failure")

var bucketEntries = []byte("entries")

// Entry is the index row for one content hash.
type Entry struct {
	Hash      string            `json:"hash"`
	Tags      map[string]string `json:"tags,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	HasResult bool              `json:"has_result"`
	CreatedAt time.Time         `json:"created_at"`
}

// Stats summarises the index.
type Stats struct {
	TotalContent     int `json:"total_content"`
	ProcessedContent int `json:"processed_content"`
	LinkedJobs       int `json:"linked_jobs"`
	DistinctScrapers int `json:"distinct_scrapers"`
}

// Store is a layered key-value store on disk. A nil *Store is valid: every
// operation becomes a no-op so callers can run without deduplication.
type Store struct {
	root   string
	db     *bolt.DB
	logger *slog.Logger
}

// Hash returns the 64-hex-character fingerprint of content: SHA-256 over the
// whitespace-trimmed bytes. No other canonicalisation is applied.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// Open creates the on-disk layout and opens the index.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{root, filepath.Join(root, "content"), filepath.Join(root, "results")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
		}
	}

	db, err := bolt.Open(filepath.Join(root, "index.bolt"), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open index: %v", ErrStorage, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init index: %v", ErrStorage, err)
	}

	return &Store{
		root:   root,
		db:     db,
		logger: logger.With("component", "contentstore"),
	}, nil
}

// Close releases the index.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// StoreContent writes content and tags keyed by the content hash. The
// operation is idempotent on the hash: an existing entry is returned
// unchanged and its tags are never overwritten.
func (s *Store) StoreContent(content string, tags map[string]string) (*Entry, error) {
	if s == nil {
		return nil, nil
	}
	hash := Hash(content)

	var entry *Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if raw := b.Get([]byte(hash)); raw != nil {
			var existing Entry
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode index row %s: %w", hash, err)
			}
			entry = &existing
			return nil
		}

		if err := writeAtomic(s.contentPath(hash), []byte(strings.TrimSpace(content))); err != nil {
			return err
		}

		entry = &Entry{
			Hash:      hash,
			Tags:      tags,
			CreatedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), raw)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: store content: %v", ErrStorage, err)
	}
	return entry, nil
}

// LinkJob records the most recent job id dispatched for a hash. A missing
// entry is logged and ignored; only I/O failures return an error.
func (s *Store) LinkJob(hash, jobID string) error {
	if s == nil {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		raw := b.Get([]byte(hash))
		if raw == nil {
			s.logger.Warn("link_job for unknown hash", "hash", hash, "job_id", jobID)
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		entry.JobID = jobID
		updated, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), updated)
	})
	if err != nil {
		return fmt.Errorf("%w: link job: %v", ErrStorage, err)
	}
	return nil
}

// GetEntry returns the index row for a hash, or (nil, nil) when absent.
func (s *Store) GetEntry(hash string) (*Entry, error) {
	if s == nil {
		return nil, nil
	}
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(hash))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get entry: %v", ErrStorage, err)
	}
	return entry, nil
}

// GetContent returns the stored raw content for a hash.
func (s *Store) GetContent(hash string) (string, bool, error) {
	if s == nil {
		return "", false, nil
	}
	data, err := os.ReadFile(s.contentPath(hash))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read content: %v", ErrStorage, err)
	}
	return string(data), true, nil
}

// GetResult returns the stored aligned-payload text for a hash, if present.
func (s *Store) GetResult(hash string) (string, bool, error) {
	if s == nil {
		return "", false, nil
	}
	data, err := os.ReadFile(s.resultPath(hash))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read result: %v", ErrStorage, err)
	}
	return string(data), true, nil
}

// StoreResult writes the aligned result for a hash. Last writer wins; the
// reconciler is responsible for merging.
func (s *Store) StoreResult(hash, result string) error {
	if s == nil {
		return nil
	}
	if err := writeAtomic(s.resultPath(hash), []byte(result)); err != nil {
		return fmt.Errorf("%w: write result: %v", ErrStorage, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		raw := b.Get([]byte(hash))
		if raw == nil {
			s.logger.Warn("result stored for unindexed hash", "hash", hash)
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		entry.HasResult = true
		updated, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), updated)
	})
	if err != nil {
		return fmt.Errorf("%w: index result: %v", ErrStorage, err)
	}
	return nil
}

// Statistics scans the index and reports counts. O(N) over index rows only;
// content files are never touched.
func (s *Store) Statistics() (*Stats, error) {
	if s == nil {
		return &Stats{}, nil
	}
	stats := &Stats{}
	scrapers := map[string]bool{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			stats.TotalContent++
			if entry.HasResult {
				stats.ProcessedContent++
			}
			if entry.JobID != "" {
				stats.LinkedJobs++
			}
			if id := entry.Tags["scraper_id"]; id != "" {
				scrapers[id] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: statistics: %v", ErrStorage, err)
	}
	stats.DistinctScrapers = len(scrapers)
	return stats, nil
}

func (s *Store) contentPath(hash string) string {
	return filepath.Join(s.root, "content", shard(hash))
}

func (s *Store) resultPath(hash string) string {
	return filepath.Join(s.root, "results", shard(hash)+".json")
}

// shard splits a hash into <2 hex>/<62 hex> to keep directories small.
func shard(hash string) string {
	if len(hash) < 3 {
		return hash
	}
	return filepath.Join(hash[:2], hash[2:])
}

// writeAtomic writes via a temp file in the destination directory and
// renames into place, so concurrent writers of the same hash are safe.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
