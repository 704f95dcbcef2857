// Package index maintains the aggregate dataset index: one JSON document
// mapping record identifiers to summaries plus dataset-level counters.
//
// The index is a derived cache. Counters are recomputed from the record map
// on every save, so a crash between an upsert and a save can never leave them
// permanently inconsistent; the next save self-heals. Loss or corruption of
// the file is recoverable through Rebuild.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/famomatic/bilicrawl/internal/fsutil"
	"github.com/famomatic/bilicrawl/internal/pathcodec"
	"github.com/famomatic/bilicrawl/internal/store"
)

// FileName is the aggregate index file name under the metadata root.
const FileName = "index.json"

// Summary is the indexed subset of a record.
type Summary struct {
	ID        string   `json:"bvid"`
	Title     string   `json:"title"`
	Duration  int64    `json:"duration"`
	Pubdate   int64    `json:"pubdate"`
	Owner     string   `json:"owner_name"`
	View      int64    `json:"view"`
	Like      int64    `json:"like"`
	Tags      []string `json:"tags,omitempty"`
	HasMedia  bool     `json:"has_media"`
	IndexedAt int64    `json:"indexed_at"`
}

// Counters are dataset-level totals, always derived from the record map.
type Counters struct {
	TotalRecords  int   `json:"total_videos"`
	TotalDuration int64 `json:"total_duration"`
	TotalViews    int64 `json:"total_view"`
	TotalLikes    int64 `json:"total_like"`
	LastUpdated   int64 `json:"last_updated"`
}

// Meta describes the dataset itself.
type Meta struct {
	Name      string `json:"dataset_name"`
	CreatedAt int64  `json:"created_at"`
}

// Index is the aggregate document.
type Index struct {
	Meta     Meta               `json:"metadata"`
	Counters Counters           `json:"stats"`
	Records  map[string]Summary `json:"videos"`
}

// IDs returns the indexed identifiers in lexicographic order.
func (ix *Index) IDs() []string {
	ids := make([]string, 0, len(ix.Records))
	for id := range ix.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store reads and writes the aggregate index document.
type Store struct {
	path  string
	meta  *store.Store
	codec pathcodec.Codec
	log   *zap.Logger

	// now is replaceable so tests can pin timestamps.
	now func() time.Time
}

// New returns an index store persisting to <metadata root>/index.json.
// meta supplies the record scan used by Rebuild.
func New(meta *store.Store, codec pathcodec.Codec, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		path:  filepath.Join(codec.MetaDir, FileName),
		meta:  meta,
		codec: codec,
		log:   log,
		now:   time.Now,
	}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Path returns the index file location.
func (s *Store) Path() string { return s.path }

// Load returns the persisted index, or a well-formed empty skeleton when the
// file does not exist. A missing index is never an error.
func (s *Store) Load() (*Index, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.skeleton(), nil
		}
		return nil, fmt.Errorf("load index: %w", err)
	}
	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if ix.Records == nil {
		ix.Records = map[string]Summary{}
	}
	return &ix, nil
}

// Save recomputes counters from the record map, then writes atomically.
func (s *Store) Save(ix *Index) error {
	ix.Counters = s.deriveCounters(ix.Records)
	data, err := json.MarshalIndent(ix, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	s.log.Debug("index saved", zap.Int("records", len(ix.Records)))
	return nil
}

// Upsert merges one record's summary into the index and persists.
// It satisfies store.Indexer.
func (s *Store) Upsert(rec *store.Record) error {
	ix, err := s.Load()
	if err != nil {
		return err
	}
	ix.Records[rec.ID] = s.summarize(rec, s.mediaIDsOnDisk())
	return s.Save(ix)
}

// Remove drops the given identifiers from the index and persists. Unknown
// ids are ignored. It returns the ids actually removed, sorted.
func (s *Store) Remove(ids []string) ([]string, error) {
	ix, err := s.Load()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range ids {
		if _, ok := ix.Records[id]; ok {
			delete(ix.Records, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, s.Save(ix)
}

// Rebuild scans every metadata document and regenerates the index from
// scratch, discarding prior state. This is the authoritative repair path.
func (s *Store) Rebuild() (*Index, error) {
	ids, err := s.meta.IDs()
	if err != nil {
		return nil, err
	}

	prev, err := s.Load()
	if err != nil {
		// A corrupt index must not block a rebuild; start fresh.
		s.log.Warn("discarding unreadable index", zap.Error(err))
		prev = s.skeleton()
	}

	ix := s.skeleton()
	ix.Meta = prev.Meta
	if ix.Meta.CreatedAt == 0 {
		ix.Meta.CreatedAt = s.now().Unix()
	}

	onDisk := s.mediaIDsOnDisk()
	for _, id := range ids {
		rec, err := s.meta.Load(id)
		if err != nil {
			// One unreadable record must not abort the sweep.
			s.log.Error("skipping unreadable record", zap.String("bvid", id), zap.Error(err))
			continue
		}
		ix.Records[id] = s.summarize(rec, onDisk)
	}

	if err := s.Save(ix); err != nil {
		return nil, err
	}
	s.log.Info("index rebuilt", zap.Int("records", len(ix.Records)))
	return ix, nil
}

// Stats returns the current counters without exposing the record map.
func (s *Store) Stats() (Counters, error) {
	ix, err := s.Load()
	if err != nil {
		return Counters{}, err
	}
	return s.deriveCounters(ix.Records), nil
}

func (s *Store) summarize(rec *store.Record, onDisk map[string]bool) Summary {
	hasMedia := rec.HasMedia()
	if !hasMedia && onDisk[rec.ID] {
		// The record may predate the media-path field; trust the disk.
		hasMedia = true
	}
	return Summary{
		ID:        rec.ID,
		Title:     rec.Info.Title,
		Duration:  rec.Info.Duration,
		Pubdate:   rec.Info.Pubdate,
		Owner:     rec.Info.Owner,
		View:      rec.Info.View,
		Like:      rec.Info.Like,
		Tags:      rec.Tags,
		HasMedia:  hasMedia,
		IndexedAt: s.now().Unix(),
	}
}

// mediaIDsOnDisk scans the media directory so summaries can trust the disk
// for records that predate the media-path field. Title-qualified file names
// resolve through the embedded identifier.
func (s *Store) mediaIDsOnDisk() map[string]bool {
	ids := map[string]bool{}
	entries, err := os.ReadDir(s.codec.MediaDir)
	if err != nil {
		return ids
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, pathcodec.TempSuffix) {
			continue
		}
		if !strings.HasSuffix(name, pathcodec.MediaExt) {
			continue
		}
		if id := pathcodec.IDFromFileName(name); id != "" {
			ids[id] = true
		}
	}
	return ids
}

func (s *Store) deriveCounters(records map[string]Summary) Counters {
	c := Counters{
		TotalRecords: len(records),
		LastUpdated:  s.now().Unix(),
	}
	for _, sum := range records {
		c.TotalDuration += sum.Duration
		c.TotalViews += sum.View
		c.TotalLikes += sum.Like
	}
	return c
}

func (s *Store) skeleton() *Index {
	return &Index{
		Meta:    Meta{Name: "bilicrawl dataset"},
		Records: map[string]Summary{},
	}
}
