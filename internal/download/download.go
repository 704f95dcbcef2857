// Package download orchestrates fetching media for dataset records: stream
// resolution, transfer, merge and the metadata update, plus concurrent
// batches with per-record fault isolation.
package download

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/famomatic/bilicrawl/internal/fsutil"
	"github.com/famomatic/bilicrawl/internal/merge"
	"github.com/famomatic/bilicrawl/internal/pathcodec"
	"github.com/famomatic/bilicrawl/internal/store"
	"github.com/famomatic/bilicrawl/internal/transfer"
)

// StreamSet is the resolved media for one record. Either Muxed is set, or
// VideoURL and AudioURL are both set and need a merge.
type StreamSet struct {
	Muxed    string
	VideoURL string
	AudioURL string
	Headers  http.Header
}

// Split reports whether the streams need merging.
func (s StreamSet) Split() bool { return s.Muxed == "" }

// StreamSource resolves a record id to fetchable stream URLs.
type StreamSource interface {
	ResolveStreams(ctx context.Context, id string) (StreamSet, error)
}

// Fetcher transfers one URL to a local file. *transfer.Engine implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, headers http.Header) (int64, error)
}

// Merger combines split streams. *merge.Merger implements it.
type Merger interface {
	Available() bool
	Merge(ctx context.Context, videoPath, audioPath, outputPath string, meta merge.Metadata) error
}

// Options tunes the orchestrator.
type Options struct {
	Concurrency         int // workers per batch; default 3
	IncludeTitleInNames bool
	CheckNetwork        bool
	PreflightHosts      []string
	PreflightTimeout    time.Duration
}

// Result describes one finished download.
type Result struct {
	ID            string
	Path          string
	Bytes         int64
	AlreadyExists bool
}

// Failure pairs a record id with the error that stopped its download.
type Failure struct {
	ID  string
	Err error
}

// Status of a record's most recent download attempt.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusExists  Status = "exists"
	StatusFailed  Status = "failed"
)

// Attempt is the per-record accounting an orchestrator keeps across its
// lifetime: latest status, retries spent, bytes landed and timing.
type Attempt struct {
	ID        string
	Status    Status
	Retries   int
	Bytes     int64
	StartedAt time.Time
	EndedAt   time.Time
	LastErr   error
}

// BatchResult aggregates a batch download.
type BatchResult struct {
	Total      int
	Success    int
	Exists     int
	Failed     int
	TotalBytes int64
	Failures   []Failure
	Attempts   map[string]Attempt
}

// Orchestrator drives downloads for dataset records.
type Orchestrator struct {
	meta    *store.Store
	codec   pathcodec.Codec
	fetcher Fetcher
	merger  Merger
	source  StreamSource
	opts    Options
	log     *zap.Logger

	statsMu sync.Mutex
	stats   map[string]Attempt
}

// New returns an orchestrator. fetcher and source are required; merger may
// be nil when only muxed streams are expected.
func New(meta *store.Store, codec pathcodec.Codec, fetcher Fetcher, merger Merger, source StreamSource, opts Options, log *zap.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		meta:    meta,
		codec:   codec,
		fetcher: fetcher,
		merger:  merger,
		source:  source,
		opts:    opts,
		log:     log,
		stats:   make(map[string]Attempt),
	}
}

// Download fetches media for one record. A record whose media file already
// exists returns immediately with AlreadyExists set.
func (o *Orchestrator) Download(ctx context.Context, id string) (*Result, error) {
	if o.opts.CheckNetwork {
		if err := transfer.Preflight(ctx, o.opts.PreflightHosts, o.opts.PreflightTimeout); err != nil {
			return nil, &NetworkError{Err: err}
		}
	}
	return o.download(ctx, id)
}

func (o *Orchestrator) download(ctx context.Context, id string) (*Result, error) {
	o.begin(id)
	res, err := o.run(ctx, id)
	switch {
	case err != nil:
		o.finish(id, StatusFailed, 0, err)
	case res.AlreadyExists:
		o.finish(id, StatusExists, res.Bytes, nil)
	default:
		o.finish(id, StatusSuccess, res.Bytes, nil)
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, id string) (*Result, error) {
	rec, err := o.meta.Load(id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if rec == nil {
		rec = &store.Record{ID: id}
	}

	if res, ok := o.existing(rec); ok {
		o.log.Debug("media already present", zap.String("bvid", id), zap.String("path", res.Path))
		return res, nil
	}

	streams, err := o.source.ResolveStreams(ctx, id)
	if err != nil {
		return nil, &StreamError{ID: id, Stream: "resolve", Err: err}
	}

	dest := o.meta.MediaPathFor(rec, o.opts.IncludeTitleInNames)
	if err := os.MkdirAll(o.codec.MediaDir, 0o755); err != nil {
		return nil, err
	}
	videoTmp := pathcodec.TempVideoPath(dest)
	audioTmp := pathcodec.TempAudioPath(dest)

	size, err := o.fetchAndAssemble(ctx, id, streams, dest, videoTmp, audioTmp, rec)
	// Terminal either way; partials are useless once we give up.
	removeIfExists(videoTmp)
	removeIfExists(audioTmp)
	if err != nil {
		return nil, err
	}

	if err := o.meta.SetMediaFile(id, dest, size); err != nil {
		// The media file is on disk and resumable state is clean; a failed
		// metadata update is repaired by the next index rebuild.
		o.log.Warn("failed to record media path", zap.String("bvid", id), zap.Error(err))
	}

	o.log.Info("download complete", zap.String("bvid", id), zap.String("path", dest), zap.Int64("bytes", size))
	return &Result{ID: id, Path: dest, Bytes: size}, nil
}

func (o *Orchestrator) fetchAndAssemble(ctx context.Context, id string, streams StreamSet, dest, videoTmp, audioTmp string, rec *store.Record) (int64, error) {
	if !streams.Split() {
		if _, err := o.fetcher.Fetch(ctx, streams.Muxed, videoTmp, streams.Headers); err != nil {
			return 0, &StreamError{ID: id, Stream: "muxed", Err: err}
		}
		if err := fsutil.MoveFile(videoTmp, dest); err != nil {
			return 0, err
		}
		return fileSize(dest), nil
	}

	if o.merger == nil || !o.merger.Available() {
		return 0, &StreamError{ID: id, Stream: "muxed", Err: errors.New("split streams but merge tool unavailable")}
	}

	if _, err := o.fetcher.Fetch(ctx, streams.VideoURL, videoTmp, streams.Headers); err != nil {
		return 0, &StreamError{ID: id, Stream: "video", Err: err}
	}
	if _, err := o.fetcher.Fetch(ctx, streams.AudioURL, audioTmp, streams.Headers); err != nil {
		return 0, &StreamError{ID: id, Stream: "audio", Err: err}
	}

	meta := merge.Metadata{Title: rec.Info.Title, Artist: rec.Info.Owner}
	if err := o.merger.Merge(ctx, videoTmp, audioTmp, dest, meta); err != nil {
		return 0, err
	}
	return fileSize(dest), nil
}

// existing short-circuits records whose media file is already on disk.
func (o *Orchestrator) existing(rec *store.Record) (*Result, bool) {
	if rec.HasMedia() {
		if info, err := os.Stat(rec.MediaPath); err == nil {
			return &Result{ID: rec.ID, Path: rec.MediaPath, Bytes: info.Size(), AlreadyExists: true}, true
		}
	}
	path := o.meta.MediaPathFor(rec, o.opts.IncludeTitleInNames)
	if info, err := os.Stat(path); err == nil {
		return &Result{ID: rec.ID, Path: path, Bytes: info.Size(), AlreadyExists: true}, true
	}
	return nil, false
}

// begin opens a pending entry for id; finish settles it. Together they keep
// the per-record accounting current through every state transition.
func (o *Orchestrator) begin(id string) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats[id] = Attempt{ID: id, Status: StatusPending, StartedAt: time.Now()}
}

func (o *Orchestrator) finish(id string, status Status, bytes int64, err error) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	a := o.stats[id]
	a.ID = id
	a.Status = status
	a.Bytes = bytes
	a.EndedAt = time.Now()
	a.LastErr = err
	a.Retries = retriesFrom(err)
	o.stats[id] = a
}

// Stats returns a snapshot of the per-record download accounting.
func (o *Orchestrator) Stats() map[string]Attempt {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	out := make(map[string]Attempt, len(o.stats))
	for id, a := range o.stats {
		out[id] = a
	}
	return out
}

// retriesFrom recovers the retry count from an exhausted transfer; other
// failures stop before any retry is spent on their behalf.
func retriesFrom(err error) int {
	var exceeded *transfer.RetryExceededError
	if errors.As(err, &exceeded) && exceeded.Attempts > 0 {
		return exceeded.Attempts - 1
	}
	return 0
}

// Batch downloads every id with bounded concurrency. A failing record never
// aborts the batch; its error is collected in the result.
func (o *Orchestrator) Batch(ctx context.Context, ids []string) *BatchResult {
	res := &BatchResult{Total: len(ids)}
	if len(ids) == 0 {
		return res
	}

	if o.opts.CheckNetwork {
		if err := transfer.Preflight(ctx, o.opts.PreflightHosts, o.opts.PreflightTimeout); err != nil {
			// One check covers the whole batch; fail everything up front.
			for _, id := range ids {
				nerr := &NetworkError{Err: err}
				o.begin(id)
				o.finish(id, StatusFailed, 0, nerr)
				res.Failures = append(res.Failures, Failure{ID: id, Err: nerr})
			}
			res.Failed = len(ids)
			res.Attempts = o.attemptsFor(ids)
			return res
		}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, o.opts.Concurrency)
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			o.begin(id)
			o.finish(id, StatusFailed, 0, ctx.Err())
			mu.Lock()
			res.Failures = append(res.Failures, Failure{ID: id, Err: ctx.Err()})
			res.Failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				o.begin(id)
				o.finish(id, StatusFailed, 0, ctx.Err())
				mu.Lock()
				res.Failures = append(res.Failures, Failure{ID: id, Err: ctx.Err()})
				res.Failed++
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			r, err := o.download(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures = append(res.Failures, Failure{ID: id, Err: err})
				res.Failed++
				o.log.Error("download failed", zap.String("bvid", id), zap.Error(err))
				return
			}
			if r.AlreadyExists {
				res.Exists++
				return
			}
			res.Success++
			res.TotalBytes += r.Bytes
		}(id)
	}
	wg.Wait()

	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].ID < res.Failures[j].ID })
	res.Attempts = o.attemptsFor(ids)
	o.log.Info("batch finished",
		zap.Int("total", res.Total),
		zap.Int("success", res.Success),
		zap.Int("exists", res.Exists),
		zap.Int("failed", res.Failed),
		zap.Int64("bytes", res.TotalBytes))
	return res
}

// attemptsFor snapshots the accounting entries for one batch's ids.
func (o *Orchestrator) attemptsFor(ids []string) map[string]Attempt {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	out := make(map[string]Attempt, len(ids))
	for _, id := range ids {
		if a, ok := o.stats[id]; ok {
			out[id] = a
		}
	}
	return out
}

// removeIfExists best-effort removes a temp file; anything left behind is
// caught by the age-gated temp sweep.
func removeIfExists(path string) {
	_ = os.Remove(path)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
