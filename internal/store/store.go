// Package store persists one JSON document per record identifier.
//
// The per-id files are the source of truth for the dataset; the aggregate
// index is derived from them and can always be rebuilt. Writes go through a
// temp-file rename so a crash mid-save cannot corrupt neighbouring records.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/famomatic/bilicrawl/internal/fsutil"
	"github.com/famomatic/bilicrawl/internal/pathcodec"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("record not found")

// VideoInfo is the small set of fields the core extracts from a raw
// metadata document. Everything else rides along opaquely in Record.Extra.
type VideoInfo struct {
	Title    string `json:"title"`
	Duration int64  `json:"duration"`
	Pubdate  int64  `json:"pubdate"`
	Owner    string `json:"owner_name"`
	View     int64  `json:"view"`
	Like     int64  `json:"like"`
}

// Record is one dataset entry, keyed by the platform identifier.
type Record struct {
	ID   string    `json:"bvid"`
	Info VideoInfo `json:"info"`
	Tags []string  `json:"tags,omitempty"`

	// SearchInfo and Extra are opaque payloads preserved round-trip.
	SearchInfo json.RawMessage `json:"search_info,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`

	// MediaPath and MediaSize are set once by the download orchestrator
	// after a successful fetch. Absence means "not downloaded yet".
	MediaPath string `json:"media_path,omitempty"`
	MediaSize int64  `json:"media_size_bytes,omitempty"`
}

// HasMedia reports whether the record claims a downloaded media file.
func (r *Record) HasMedia() bool { return r.MediaPath != "" }

// Indexer receives record summaries as they are saved. The index store
// implements it; a nil indexer disables incremental updates.
type Indexer interface {
	Upsert(rec *Record) error
}

// Store reads and writes per-id metadata documents.
type Store struct {
	codec   pathcodec.Codec
	indexer Indexer
	log     *zap.Logger
}

// New returns a store rooted at the codec's metadata directory.
func New(codec pathcodec.Codec, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{codec: codec, log: log}
}

// SetIndexer wires the incremental index updates performed by Save.
func (s *Store) SetIndexer(idx Indexer) { s.indexer = idx }

// Save writes the record and upserts it into the index. Any local I/O error
// is terminal for this record; the store never retries.
func (s *Store) Save(rec *Record) error {
	if err := s.SaveNoIndex(rec); err != nil {
		return err
	}
	if s.indexer != nil {
		if err := s.indexer.Upsert(rec); err != nil {
			// The record itself is durable; index drift is repaired by
			// the next rebuild.
			s.log.Warn("index update failed", zap.String("bvid", rec.ID), zap.Error(err))
		}
	}
	return nil
}

// SaveNoIndex writes the record without touching the index. Batch callers
// use it and reindex once at the end.
func (s *Store) SaveNoIndex(rec *Record) error {
	if rec.ID == "" {
		return errors.New("record has no identifier")
	}
	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	path := s.codec.MetadataPath(rec.ID)
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	s.log.Debug("record saved", zap.String("bvid", rec.ID), zap.String("path", path))
	return nil
}

// Load reads the record for id, or ErrNotFound.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.codec.MetadataPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", id, err)
	}
	return &rec, nil
}

// Exists reports whether a metadata document exists for id, without parsing.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.codec.MetadataPath(id))
	return err == nil
}

// Delete removes the metadata document for id. Deleting a missing record is
// not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.codec.MetadataPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// SetMediaFile records the downloaded media path and size on an existing
// record. The index entry is refreshed through the normal Save path.
func (s *Store) SetMediaFile(id, mediaPath string, size int64) error {
	rec, err := s.Load(id)
	if err != nil {
		return err
	}
	rec.MediaPath = mediaPath
	rec.MediaSize = size
	return s.Save(rec)
}

// IDs returns the identifiers of all stored records in lexicographic order.
// The aggregate index file is not a record and is skipped.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.codec.MetaDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan metadata dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, pathcodec.MetadataExt) {
			continue
		}
		id := pathcodec.IDFromFileName(name)
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Dir returns the metadata root directory.
func (s *Store) Dir() string { return s.codec.MetaDir }

// MediaPathFor returns the media path the codec would assign the record,
// preferring the title-qualified name only when the caller opted in.
func (s *Store) MediaPathFor(rec *Record, includeTitle bool) string {
	title := ""
	if includeTitle {
		title = rec.Info.Title
	}
	return s.codec.MediaPath(rec.ID, title)
}
