// Package client is the high-level entry point: it wires the metadata
// store, aggregate index, transfer engine, merge tool and reconciler into
// one facade and exposes the crawl, download and maintenance operations the
// command line uses.
package client

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/famomatic/bilicrawl/internal/config"
	"github.com/famomatic/bilicrawl/internal/download"
	"github.com/famomatic/bilicrawl/internal/filter"
	"github.com/famomatic/bilicrawl/internal/index"
	"github.com/famomatic/bilicrawl/internal/merge"
	"github.com/famomatic/bilicrawl/internal/pathcodec"
	"github.com/famomatic/bilicrawl/internal/reconcile"
	"github.com/famomatic/bilicrawl/internal/store"
	"github.com/famomatic/bilicrawl/internal/transfer"
)

// Client ties the dataset components together.
type Client struct {
	cfg     config.Config
	log     *zap.Logger
	http    *http.Client
	cred    Credential
	apiBase string

	codec      pathcodec.Codec
	store      *store.Store
	index      *index.Store
	reconciler *reconcile.Reconciler
	filter     *filter.Filter
	orch       *download.Orchestrator

	searcher Searcher
	info     InfoFetcher
	resolver download.StreamSource
}

// New builds a client from the resolved configuration.
func New(cfg config.Config, opts ...Option) *Client {
	c := &Client{cfg: cfg, apiBase: defaultAPIBase}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Crawler.Timeout.Std()}
	}

	c.codec = pathcodec.Codec{
		MetaDir:  cfg.Paths.MetadataDir,
		MediaDir: cfg.Paths.MediaDir,
	}
	c.store = store.New(c.codec, c.log.Named("store"))
	c.index = index.New(c.store, c.codec, c.log.Named("index"))
	c.store.SetIndexer(c.index)
	c.reconciler = reconcile.New(c.store, c.index, c.codec, c.log.Named("reconcile"))
	c.filter = filter.New(c.store, c.index, c.codec, c.log.Named("filter"))

	platform := &api{
		base:    c.apiBase,
		http:    c.http,
		cred:    c.cred,
		ua:      cfg.Crawler.UserAgent,
		quality: cfg.Downloader.Quality,
		log:     c.log.Named("api"),
	}
	if c.searcher == nil {
		c.searcher = platform
	}
	if c.info == nil {
		c.info = platform
	}
	if c.resolver == nil {
		c.resolver = platform
	}

	engine := transfer.New(c.http, transfer.Options{
		MaxRetries:      cfg.Downloader.MaxRetries,
		BaseDelay:       cfg.Downloader.BaseDelay.Std(),
		MaxDelay:        cfg.Downloader.MaxDelay.Std(),
		BackoffFactor:   cfg.Downloader.BackoffFactor,
		Jitter:          cfg.Downloader.Jitter,
		ChunkSize:       cfg.Downloader.ChunkSize,
		HostCooldown:    cfg.Downloader.HostCooldown.Std(),
		MaxCooldownWait: cfg.Downloader.MaxCooldownWait.Std(),
		MinFreeBytes:    cfg.Downloader.MinFreeBytes,
	}, c.log.Named("transfer"))

	merger := merge.New(cfg.Merge.FFmpegPath, cfg.Merge.Timeout.Std(), c.log.Named("merge"))

	c.orch = download.New(c.store, c.codec, engine, merger, c.resolver, download.Options{
		Concurrency:         cfg.Downloader.Concurrency,
		IncludeTitleInNames: cfg.Downloader.IncludeTitleInNames,
		CheckNetwork:        cfg.Downloader.CheckNetwork,
		PreflightHosts:      cfg.Downloader.PreflightHosts,
		PreflightTimeout:    cfg.Downloader.PreflightTimeout.Std(),
	}, c.log.Named("download"))

	return c
}

// Store exposes the metadata store.
func (c *Client) Store() *store.Store { return c.store }

// Index exposes the aggregate index store.
func (c *Client) Index() *index.Store { return c.index }

// Download fetches media for one record id.
func (c *Client) Download(ctx context.Context, id string) (*download.Result, error) {
	return c.orch.Download(ctx, id)
}

// DownloadBatch fetches media for many ids with bounded concurrency.
func (c *Client) DownloadBatch(ctx context.Context, ids []string) *download.BatchResult {
	return c.orch.Batch(ctx, ids)
}

// DownloadStats returns the per-record download accounting accumulated by
// this client's orchestrator.
func (c *Client) DownloadStats() map[string]download.Attempt {
	return c.orch.Stats()
}

// RedownloadMissing downloads media for every record that claims none on
// disk. It returns the batch outcome; an empty batch means nothing was
// missing.
func (c *Client) RedownloadMissing(ctx context.Context) (*download.BatchResult, error) {
	rep, err := c.reconciler.Analyze()
	if err != nil {
		return nil, err
	}
	if len(rep.OrphanMeta) == 0 {
		return &download.BatchResult{}, nil
	}
	c.log.Info("redownloading missing media", zap.Int("count", len(rep.OrphanMeta)))
	return c.orch.Batch(ctx, rep.OrphanMeta), nil
}

// GenerateIndex rebuilds the aggregate index from the metadata documents.
func (c *Client) GenerateIndex() (*index.Index, error) {
	return c.index.Rebuild()
}

// CheckIndex analyzes dataset consistency without changing anything.
func (c *Client) CheckIndex() (*reconcile.Report, error) {
	return c.reconciler.Analyze()
}

// SyncIndex repairs index drift against the metadata documents.
func (c *Client) SyncIndex(dryRun bool) (*reconcile.Report, error) {
	return c.reconciler.SyncIndex(dryRun)
}

// CleanOrphans removes orphaned media or metadata files.
func (c *Client) CleanOrphans(opts reconcile.CleanOptions) (*reconcile.CleanResult, error) {
	return c.reconciler.CleanOrphans(opts)
}

// SweepTemp removes stale in-flight transfer files from the media dir.
func (c *Client) SweepTemp(maxAge time.Duration) ([]string, error) {
	return c.reconciler.SweepTemp(maxAge)
}

// FindLongVideos lists records longer than maxDuration.
func (c *Client) FindLongVideos(maxDuration time.Duration) ([]filter.Match, error) {
	return c.filter.FindLong(maxDuration)
}

// DeleteLongVideos removes records longer than maxDuration from the
// dataset, media and index included.
func (c *Client) DeleteLongVideos(maxDuration time.Duration, dryRun bool) ([]filter.Match, error) {
	return c.filter.DeleteLong(maxDuration, dryRun)
}
