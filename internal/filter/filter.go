// Package filter removes over-long records from the dataset: the metadata
// document, the media file and the index entry together.
package filter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/famomatic/bilicrawl/internal/index"
	"github.com/famomatic/bilicrawl/internal/pathcodec"
	"github.com/famomatic/bilicrawl/internal/store"
)

// Match is one record exceeding the duration limit.
type Match struct {
	ID       string
	Title    string
	Duration int64
}

// Filter finds and deletes over-long records.
type Filter struct {
	meta  *store.Store
	index *index.Store
	codec pathcodec.Codec
	log   *zap.Logger
}

// New returns a filter over the given stores.
func New(meta *store.Store, ix *index.Store, codec pathcodec.Codec, log *zap.Logger) *Filter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Filter{meta: meta, index: ix, codec: codec, log: log}
}

// FindLong returns every record strictly longer than maxDuration, sorted by
// id. A non-positive maxDuration matches nothing.
func (f *Filter) FindLong(maxDuration time.Duration) ([]Match, error) {
	if maxDuration <= 0 {
		return nil, nil
	}
	limit := int64(maxDuration / time.Second)

	ids, err := f.meta.IDs()
	if err != nil {
		return nil, err
	}
	var matches []Match
	for _, id := range ids {
		rec, err := f.meta.Load(id)
		if err != nil {
			f.log.Warn("skipping unreadable record", zap.String("bvid", id), zap.Error(err))
			continue
		}
		if rec.Info.Duration > limit {
			matches = append(matches, Match{ID: id, Title: rec.Info.Title, Duration: rec.Info.Duration})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

// DeleteLong removes every record longer than maxDuration: media file,
// metadata document and index entry. With dryRun it only reports the
// matches. Each record is deleted independently; one failure does not stop
// the rest.
func (f *Filter) DeleteLong(maxDuration time.Duration, dryRun bool) ([]Match, error) {
	matches, err := f.FindLong(maxDuration)
	if err != nil {
		return nil, err
	}
	if dryRun || len(matches) == 0 {
		return matches, nil
	}

	var deleted []string
	for _, m := range matches {
		if err := f.deleteMedia(m.ID); err != nil {
			f.log.Warn("failed to remove media", zap.String("bvid", m.ID), zap.Error(err))
		}
		if err := f.meta.Delete(m.ID); err != nil {
			f.log.Warn("failed to remove metadata", zap.String("bvid", m.ID), zap.Error(err))
			continue
		}
		deleted = append(deleted, m.ID)
		f.log.Info("removed over-long record",
			zap.String("bvid", m.ID),
			zap.Int64("duration", m.Duration))
	}

	if f.index != nil && len(deleted) > 0 {
		if _, err := f.index.Remove(deleted); err != nil {
			f.log.Warn("failed to update index", zap.Error(err))
		}
	}
	return matches, nil
}

// deleteMedia removes the media file for id, whatever title segment its
// name carries. A missing file is fine.
func (f *Filter) deleteMedia(id string) error {
	if rec, err := f.meta.Load(id); err == nil && rec.HasMedia() {
		if err := os.Remove(rec.MediaPath); err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	entries, err := os.ReadDir(f.codec.MediaDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, pathcodec.TempSuffix) {
			continue
		}
		if pathcodec.IDFromFileName(name) == id {
			if err := os.Remove(filepath.Join(f.codec.MediaDir, name)); err != nil {
				return fmt.Errorf("remove media for %s: %w", id, err)
			}
		}
	}
	return nil
}
