// Package reconcile cross-checks the three views of the dataset: per-id
// metadata documents, media files, and the aggregate index.
package reconcile

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

// previewLimit bounds how many ids a report logs per category.
const previewLimit = 10

// Report is the outcome of one consistency analysis. All slices are sorted.
type Report struct {
	// Matched ids have both a metadata document and a media file.
	Matched []string
	// OrphanMedia ids have a media file but no metadata document.
	OrphanMedia []string
	// OrphanMeta ids have a metadata document but no media file.
	OrphanMeta []string
	// StaleIndex ids appear in the index but have no metadata document.
	StaleIndex []string
	// Unindexed ids have a metadata document but no index entry.
	Unindexed []string
}

// Clean reports whether nothing needs repair.
func (r *Report) Clean() bool {
	return len(r.OrphanMedia) == 0 && len(r.StaleIndex) == 0 && len(r.Unindexed) == 0
}

// Reconciler analyzes and repairs dataset consistency.
type Reconciler struct {
	meta  *store.Store
	index *index.Store
	codec pathcodec.Codec
	log   *zap.Logger
}

// New returns a reconciler over the given stores.
func New(meta *store.Store, ix *index.Store, codec pathcodec.Codec, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{meta: meta, index: ix, codec: codec, log: log}
}

// Analyze partitions the dataset into the report categories without touching
// anything on disk.
func (r *Reconciler) Analyze() (*Report, error) {
	metaIDs, err := r.meta.IDs()
	if err != nil {
		return nil, err
	}
	mediaIDs, err := r.mediaIDs()
	if err != nil {
		return nil, err
	}
	ix, err := r.index.Load()
	if err != nil {
		return nil, err
	}

	metaSet := toSet(metaIDs)
	mediaSet := toSet(mediaIDs)

	rep := &Report{}
	for id := range metaSet {
		if mediaSet[id] {
			rep.Matched = append(rep.Matched, id)
		} else {
			rep.OrphanMeta = append(rep.OrphanMeta, id)
		}
		if _, ok := ix.Records[id]; !ok {
			rep.Unindexed = append(rep.Unindexed, id)
		}
	}
	for id := range mediaSet {
		if !metaSet[id] {
			rep.OrphanMedia = append(rep.OrphanMedia, id)
		}
	}
	for id := range ix.Records {
		if !metaSet[id] {
			rep.StaleIndex = append(rep.StaleIndex, id)
		}
	}

	sort.Strings(rep.Matched)
	sort.Strings(rep.OrphanMedia)
	sort.Strings(rep.OrphanMeta)
	sort.Strings(rep.StaleIndex)
	sort.Strings(rep.Unindexed)

	r.logReport(rep)
	return rep, nil
}

// SyncIndex removes stale index entries and adds missing ones by rebuilding
// from the metadata documents. With dryRun it only reports what would change.
func (r *Reconciler) SyncIndex(dryRun bool) (*Report, error) {
	rep, err := r.Analyze()
	if err != nil {
		return nil, err
	}
	if len(rep.StaleIndex) == 0 && len(rep.Unindexed) == 0 {
		r.log.Info("index already in sync")
		return rep, nil
	}
	if dryRun {
		r.log.Info("dry run, index unchanged",
			zap.Int("would_remove", len(rep.StaleIndex)),
			zap.Int("would_add", len(rep.Unindexed)))
		return rep, nil
	}
	if _, err := r.index.Rebuild(); err != nil {
		return rep, err
	}
	r.log.Info("index synchronized",
		zap.Int("removed", len(rep.StaleIndex)),
		zap.Int("added", len(rep.Unindexed)))
	return rep, nil
}

// CleanOptions selects which orphan categories CleanOrphans removes.
type CleanOptions struct {
	Media     bool
	Meta      bool
	DryRun    bool
	SyncAfter bool
}

// CleanResult lists what CleanOrphans removed, or would remove under DryRun.
type CleanResult struct {
	RemovedMedia []string
	RemovedMeta  []string
	Errors       []error
}

// CleanOrphans deletes orphaned files per opts. Each deletion is independent:
// one failure is recorded and the sweep continues.
func (r *Reconciler) CleanOrphans(opts CleanOptions) (*CleanResult, error) {
	rep, err := r.Analyze()
	if err != nil {
		return nil, err
	}

	res := &CleanResult{}
	if opts.Media {
		for _, id := range rep.OrphanMedia {
			path, err := r.mediaFileFor(id)
			if err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			if opts.DryRun {
				res.RemovedMedia = append(res.RemovedMedia, id)
				continue
			}
			if err := os.Remove(path); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("remove media %s: %w", id, err))
				continue
			}
			res.RemovedMedia = append(res.RemovedMedia, id)
			r.log.Info("removed orphan media", zap.String("bvid", id), zap.String("path", path))
		}
	}
	if opts.Meta {
		for _, id := range rep.OrphanMeta {
			if opts.DryRun {
				res.RemovedMeta = append(res.RemovedMeta, id)
				continue
			}
			if err := r.meta.Delete(id); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.RemovedMeta = append(res.RemovedMeta, id)
			r.log.Info("removed orphan metadata", zap.String("bvid", id))
		}
	}

	if opts.SyncAfter && !opts.DryRun && len(res.RemovedMeta) > 0 {
		if _, err := r.index.Rebuild(); err != nil {
			res.Errors = append(res.Errors, err)
		}
	}
	return res, nil
}

// SweepTemp removes in-flight transfer leftovers older than maxAge from the
// media directory. Young temp files may belong to a live transfer and are
// left alone. It returns the paths removed.
func (r *Reconciler) SweepTemp(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(r.codec.MediaDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan media dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, pathcodec.TempSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.codec.MediaDir, name)
		if err := os.Remove(path); err != nil {
			r.log.Warn("failed to remove temp file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed = append(removed, path)
		r.log.Info("removed stale temp file", zap.String("path", path))
	}
	sort.Strings(removed)
	return removed, nil
}

// mediaIDs scans the media directory for finished files and extracts their
// record identifiers. Temp files and unrecognized names are skipped.
func (r *Reconciler) mediaIDs() ([]string, error) {
	entries, err := os.ReadDir(r.codec.MediaDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan media dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, pathcodec.TempSuffix) {
			continue
		}
		if !strings.HasSuffix(name, pathcodec.MediaExt) {
			continue
		}
		if id := pathcodec.IDFromFileName(name); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// mediaFileFor locates the actual media file for id, whatever title segment
// its name carries.
func (r *Reconciler) mediaFileFor(id string) (string, error) {
	entries, err := os.ReadDir(r.codec.MediaDir)
	if err != nil {
		return "", fmt.Errorf("scan media dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, pathcodec.TempSuffix) {
			continue
		}
		if pathcodec.IDFromFileName(name) == id {
			return filepath.Join(r.codec.MediaDir, name), nil
		}
	}
	return "", fmt.Errorf("media file for %s not found", id)
}

func (r *Reconciler) logReport(rep *Report) {
	r.log.Info("consistency report",
		zap.Int("matched", len(rep.Matched)),
		zap.Int("orphan_media", len(rep.OrphanMedia)),
		zap.Int("orphan_meta", len(rep.OrphanMeta)),
		zap.Int("stale_index", len(rep.StaleIndex)),
		zap.Int("unindexed", len(rep.Unindexed)))
	r.logPreview("orphan media", rep.OrphanMedia)
	r.logPreview("stale index entries", rep.StaleIndex)
	r.logPreview("unindexed records", rep.Unindexed)
}

func (r *Reconciler) logPreview(what string, ids []string) {
	if len(ids) == 0 {
		return
	}
	preview := ids
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}
	r.log.Info(what, zap.Strings("ids", preview), zap.Int("total", len(ids)))
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
