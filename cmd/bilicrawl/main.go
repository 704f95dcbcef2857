package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/famomatic/bilicrawl/client"
	"github.com/famomatic/bilicrawl/internal/config"
	"github.com/famomatic/bilicrawl/internal/reconcile"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Config file path")
		keywords   = flag.String("keywords", "", "Comma-separated search keywords (default: config)")
		doDownload = flag.Bool("download", false, "Download media for crawled records")
		redownload = flag.Bool("redownload-missing", false, "Download media for records missing it")

		generateIndex = flag.Bool("generate-index", false, "Rebuild the aggregate index from metadata")
		checkIndex    = flag.Bool("check-index", false, "Report dataset consistency")
		syncIndex     = flag.Bool("sync-index", false, "Repair index drift against metadata")

		cleanMedia = flag.Bool("clean-orphan-media", false, "Remove media files without metadata")
		cleanMeta  = flag.Bool("clean-orphan-meta", false, "Remove metadata without media files")
		sweepTemp  = flag.Bool("sweep-temp", false, "Remove stale in-flight transfer files")

		listLong    = flag.Bool("list-long", false, "List records longer than -max-duration")
		deleteLong  = flag.Bool("delete-long", false, "Delete records longer than -max-duration")
		maxDuration = flag.Duration("max-duration", 0, "Duration limit for -list-long/-delete-long (e.g. 10m)")

		dryRun = flag.Bool("dry-run", false, "Report what would change without changing it")
		debug  = flag.Bool("debug", false, "Verbose logging")
	)
	flag.Parse()

	// Credentials come from the environment; a .env file is a convenience.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	if path := os.Getenv("FFMPEG_PATH"); path != "" {
		cfg.Merge.FFmpegPath = path
	}

	log := newLogger(*debug, cfg.Paths.LogsDir)
	defer log.Sync()

	c := client.New(cfg,
		client.WithLogger(log),
		client.WithCredential(client.Credential{
			SESSDATA: os.Getenv("BILI_SESSDATA"),
			BiliJCT:  os.Getenv("BILI_JCT"),
			Buvid3:   os.Getenv("BILI_BUVID3"),
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *generateIndex:
		ix, err := c.GenerateIndex()
		if err != nil {
			log.Fatal("index rebuild failed", zap.Error(err))
		}
		fmt.Printf("index rebuilt: %d records\n", ix.Counters.TotalRecords)

	case *checkIndex:
		rep, err := c.CheckIndex()
		if err != nil {
			log.Fatal("consistency check failed", zap.Error(err))
		}
		printReport(rep)
		if !rep.Clean() {
			os.Exit(1)
		}

	case *syncIndex:
		rep, err := c.SyncIndex(*dryRun)
		if err != nil {
			log.Fatal("index sync failed", zap.Error(err))
		}
		printReport(rep)

	case *cleanMedia || *cleanMeta:
		res, err := c.CleanOrphans(reconcile.CleanOptions{
			Media:     *cleanMedia,
			Meta:      *cleanMeta,
			DryRun:    *dryRun,
			SyncAfter: true,
		})
		if err != nil {
			log.Fatal("cleanup failed", zap.Error(err))
		}
		verb := "removed"
		if *dryRun {
			verb = "would remove"
		}
		fmt.Printf("%s %d media files, %d metadata files\n", verb, len(res.RemovedMedia), len(res.RemovedMeta))
		for _, err := range res.Errors {
			log.Warn("cleanup error", zap.Error(err))
		}

	case *sweepTemp:
		removed, err := c.SweepTemp(time.Hour)
		if err != nil {
			log.Fatal("temp sweep failed", zap.Error(err))
		}
		fmt.Printf("removed %d stale temp files\n", len(removed))

	case *listLong:
		matches, err := c.FindLongVideos(*maxDuration)
		if err != nil {
			log.Fatal("scan failed", zap.Error(err))
		}
		for _, m := range matches {
			fmt.Printf("%s\t%ds\t%s\n", m.ID, m.Duration, m.Title)
		}
		fmt.Printf("%d records over %s\n", len(matches), maxDuration)

	case *deleteLong:
		if *maxDuration <= 0 {
			log.Fatal("-delete-long requires a positive -max-duration")
		}
		matches, err := c.DeleteLongVideos(*maxDuration, *dryRun)
		if err != nil {
			log.Fatal("delete failed", zap.Error(err))
		}
		verb := "deleted"
		if *dryRun {
			verb = "would delete"
		}
		fmt.Printf("%s %d records over %s\n", verb, len(matches), maxDuration)

	case *redownload:
		res, err := c.RedownloadMissing(ctx)
		if err != nil {
			log.Fatal("redownload failed", zap.Error(err))
		}
		fmt.Printf("downloaded %d, already present %d, failed %d\n", res.Success, res.Exists, res.Failed)
		if res.Failed > 0 {
			os.Exit(1)
		}

	default:
		kws := splitKeywords(*keywords)
		stats, err := c.Crawl(ctx, kws, *doDownload)
		if err != nil {
			log.Fatal("crawl failed", zap.Error(err))
		}
		fmt.Printf("found %d, saved %d, existing %d, filtered %d, failed %d\n",
			stats.Found, stats.Saved, stats.Existing, stats.Filtered, stats.Failed)
		if *doDownload {
			fmt.Printf("downloaded %d, download failures %d\n", stats.Downloaded, stats.DownloadFailed)
		}
	}
}

func newLogger(debug bool, logsDir string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err == nil {
			cfg.OutputPaths = append(cfg.OutputPaths,
				filepath.Join(logsDir, time.Now().Format("bilicrawl-2006-01-02.log")))
		}
	}
	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	return log
}

func splitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	kws := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kws = append(kws, p)
		}
	}
	return kws
}

func printReport(rep *reconcile.Report) {
	fmt.Printf("matched %d, orphan media %d, orphan metadata %d, stale index %d, unindexed %d\n",
		len(rep.Matched), len(rep.OrphanMedia), len(rep.OrphanMeta), len(rep.StaleIndex), len(rep.Unindexed))
}
