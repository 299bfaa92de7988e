package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/mcpstash/mcpstash/internal/errors"
	"github.com/mcpstash/mcpstash/internal/query"
)

const (
	// idPrefix is the fixed prefix of every cached response id.
	idPrefix = "resp_"

	// idRandomBytes is how much randomness backs the hex suffix of an id.
	// 8 bytes = 16 hex chars, plenty to make reuse a non-event.
	idRandomBytes = 8

	// DefaultSweepInterval is how often the background sweeper removes
	// expired records.
	DefaultSweepInterval = 5 * time.Minute

	metaSuffix    = ".meta.json"
	payloadSuffix = ".json"
)

// Metadata describes a parked response without its value. It is the only
// representation returned by listing and info operations, and the metadata
// file is the single authority for every attribute: the payload file holds
// just the id and the value, so a refresh never rewrites the payload.
type Metadata struct {
	ID          string    `json:"id"`
	ToolName    string    `json:"tool_name"`
	SizeBytes   int       `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ClientLabel string    `json:"client_label"`
	ChunkCount  int       `json:"chunk_count"`
	Indexed     bool      `json:"indexed"`
}

// payloadRecord is the on-disk payload file.
type payloadRecord struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// Store is a TTL-bounded persistent cache of parked responses, addressable
// by opaque id. Records live as two whole-file-replaced JSON files per id
// under a single directory.
type Store struct {
	log       *slog.Logger
	fs        afero.Fs
	dir       string
	ttl       time.Duration
	chunkSize int

	// mu serializes Save's two writes against the sweeper's orphan scan:
	// between them the payload has no metadata yet and must not be
	// mistaken for a crash orphan.
	mu sync.Mutex

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates a store rooted at dir on the given filesystem, creating the
// directory if needed.
func New(log *slog.Logger, fs afero.Fs, dir string, ttl time.Duration, chunkSize int) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	return &Store{
		log:       log.With("component", "store"),
		fs:        fs,
		dir:       dir,
		ttl:       ttl,
		chunkSize: chunkSize,
		now:       time.Now,
	}, nil
}

// Save persists value under a fresh random id and returns the id.
//
// Size and chunk count are computed from the canonical rendering of the
// value. An existing id is never overwritten: the id is re-rolled on the
// astronomically unlikely collision.
func (s *Store) Save(tool string, value json.RawMessage, client string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.freshID()
	if err != nil {
		return "", err
	}

	rendered := query.Render(value)
	now := s.now().UTC()

	meta := Metadata{
		ID:          id,
		ToolName:    tool,
		SizeBytes:   len(rendered),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		ClientLabel: client,
		ChunkCount:  (len(rendered) + s.chunkSize - 1) / s.chunkSize,
	}

	// Payload first, metadata last: readers key on the metadata file, so a
	// crash between the two writes leaves only an unreachable payload file
	// for the sweeper, never a dangling metadata record.
	payload, err := json.Marshal(payloadRecord{ID: id, Value: value})
	if err != nil {
		return "", fmt.Errorf("marshal payload %s: %w", id, err)
	}

	if err := s.writeFileReplace(s.payloadPath(id), payload); err != nil {
		return "", err
	}

	if err := s.writeMetadata(meta); err != nil {
		return "", err
	}

	s.log.Debug("Saved response", "id", id, "tool", tool, "size_bytes", meta.SizeBytes, "chunks", meta.ChunkCount)

	return id, nil
}

// Get returns the stored value for id. An expired record is deleted eagerly
// and reported absent (lazy expiry); an unknown id is absent, not an error.
func (s *Store) Get(id string) (json.RawMessage, error) {
	meta, err := s.readMetadata(id)
	if err != nil {
		return nil, err
	}

	if s.now().After(meta.ExpiresAt) {
		s.log.Debug("Lazy-expiring response on read", "id", id)
		s.Delete(id)

		return nil, &errors.NotFoundError{ID: id}
	}

	data, err := afero.ReadFile(s.fs, s.payloadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{ID: id}
		}

		return nil, fmt.Errorf("read payload %s: %w", id, err)
	}

	var rec payloadRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", id, err)
	}

	return rec.Value, nil
}

// Metadata returns the metadata record for id without touching expiry
// state. Expired and unknown ids are both absent.
func (s *Store) Metadata(id string) (*Metadata, error) {
	meta, err := s.readMetadata(id)
	if err != nil {
		return nil, err
	}

	if s.now().After(meta.ExpiresAt) {
		return nil, &errors.NotFoundError{ID: id}
	}

	return meta, nil
}

// Delete removes both records for id. Reports false when either record was
// already missing; that is not an error.
func (s *Store) Delete(id string) bool {
	ok := true

	// Metadata first: once it is gone the id is unreachable even if the
	// payload removal fails midway.
	if err := s.fs.Remove(s.metaPath(id)); err != nil {
		ok = false

		if !os.IsNotExist(err) {
			s.log.Warn("Failed to remove metadata record", "id", id, "error", err)
		}
	}

	if err := s.fs.Remove(s.payloadPath(id)); err != nil {
		ok = false

		if !os.IsNotExist(err) {
			s.log.Warn("Failed to remove payload record", "id", id, "error", err)
		}
	}

	return ok
}

// List enumerates every persisted metadata record, newest first. Expired
// entries are not filtered; callers may observe stale records between
// sweeps.
func (s *Store) List() ([]Metadata, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}

	metas := make([]Metadata, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}

		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("Skipping unreadable metadata record", "file", entry.Name(), "error", err)

			continue
		}

		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			s.log.Warn("Skipping corrupt metadata record", "file", entry.Name(), "error", err)

			continue
		}

		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})

	return metas, nil
}

// Refresh extends the expiry of id to now+ttl. Reports false for an unknown
// or already-expired id and creates no record in that case. Expiry only ever
// moves forward.
func (s *Store) Refresh(id string) bool {
	meta, err := s.readMetadata(id)
	if err != nil {
		return false
	}

	if s.now().After(meta.ExpiresAt) {
		return false
	}

	next := s.now().UTC().Add(s.ttl)
	if next.Before(meta.ExpiresAt) {
		return true
	}

	meta.ExpiresAt = next

	if err := s.writeMetadata(*meta); err != nil {
		s.log.Warn("Failed to write refreshed metadata", "id", id, "error", err)

		return false
	}

	s.log.Debug("Refreshed response", "id", id, "expires_at", next)

	return true
}

// Cleanup deletes every record whose expiry has passed and reports how many
// were removed. Orphaned payload files (no metadata) are removed as well.
func (s *Store) Cleanup() (int, error) {
	metas, err := s.List()
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0

	for _, meta := range metas {
		if now.After(meta.ExpiresAt) {
			s.Delete(meta.ID)

			removed++
		}
	}

	s.removeOrphans()

	if removed > 0 {
		s.log.Info("Swept expired responses", "removed", removed)
	}

	return removed, nil
}

// RunSweeper runs Cleanup every interval until ctx is cancelled. Sweep
// failures are logged and do not affect request handling, and the sweeper
// never keeps the process alive on its own.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	s.log.Debug("Sweeper started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("Sweeper stopped")

			return

		case <-ticker.C:
			if _, err := s.Cleanup(); err != nil {
				s.log.Warn("Sweep failed", "error", err)
			}
		}
	}
}

// removeOrphans deletes payload files whose metadata record is gone, the
// residue of a crash between the two Save writes. Holds the Save mutex so
// an in-progress Save is never mistaken for such residue.
func (s *Store) removeOrphans() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, payloadSuffix) || strings.HasSuffix(name, metaSuffix) {
			continue
		}

		id := strings.TrimSuffix(name, payloadSuffix)

		if exists, _ := afero.Exists(s.fs, s.metaPath(id)); !exists {
			s.log.Debug("Removing orphaned payload record", "id", id)
			_ = s.fs.Remove(filepath.Join(s.dir, name))
		}
	}
}

// freshID generates a collision-free random id with the fixed prefix and a
// hex suffix.
func (s *Store) freshID() (string, error) {
	for {
		buf := make([]byte, idRandomBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}

		id := idPrefix + hex.EncodeToString(buf)

		if exists, _ := afero.Exists(s.fs, s.metaPath(id)); !exists {
			return id, nil
		}
	}
}

func (s *Store) readMetadata(id string) (*Metadata, error) {
	data, err := afero.ReadFile(s.fs, s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{ID: id}
		}

		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", id, err)
	}

	return &meta, nil
}

func (s *Store) writeMetadata(meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata %s: %w", meta.ID, err)
	}

	return s.writeFileReplace(s.metaPath(meta.ID), data)
}

// writeFileReplace writes data to a sibling temp file and renames it into
// place, so a record is never partially visible.
func (s *Store) writeFileReplace(path string, data []byte) error {
	tmp := path + ".tmp"

	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	if err := s.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	return nil
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+metaSuffix)
}

func (s *Store) payloadPath(id string) string {
	return filepath.Join(s.dir, id+payloadSuffix)
}
