package client

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// CrawlStats summarizes one crawl run.
type CrawlStats struct {
	Keywords int
	Found    int // distinct candidates seen
	Existing int // already in the dataset, skipped
	Filtered int // rejected by the duration filter before persistence
	Saved    int // new records written
	Failed   int // metadata fetch failures

	Downloaded     int
	DownloadFailed int
}

// searchOrigin is stored on each record so the dataset remembers how a
// record was found.
type searchOrigin struct {
	Keyword string `json:"keyword"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	Pubdate int64  `json:"pubdate"`
}

// Crawl searches the given keywords, fetches metadata for new hits and
// persists them, then optionally downloads their media. An empty keywords
// slice falls back to the configured ones. Over-long items are dropped
// before anything is written.
func (c *Client) Crawl(ctx context.Context, keywords []string, downloadMedia bool) (*CrawlStats, error) {
	if len(keywords) == 0 {
		keywords = c.cfg.Search.Keywords
	}
	stats := &CrawlStats{Keywords: len(keywords)}

	maxDuration := int64(c.cfg.Filter.MaxDuration.Std() / time.Second)
	interval := c.cfg.Crawler.RequestInterval.Std()
	limit := c.cfg.Search.LimitPerKeyword
	maxRecords := c.cfg.Crawler.MaxRecords

	seen := make(map[string]bool)
	var newIDs []string

	for _, keyword := range keywords {
		collected := 0
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if limit > 0 && collected >= limit {
				break
			}
			if maxRecords > 0 && stats.Saved >= maxRecords {
				break
			}

			candidates, err := c.searcher.Search(ctx, keyword, page, c.cfg.Search.PageSize, c.cfg.Search.Order)
			if err != nil {
				c.log.Error("search page failed",
					zap.String("keyword", keyword),
					zap.Int("page", page),
					zap.Error(err))
				break
			}
			if len(candidates) == 0 {
				break
			}

			for _, cand := range candidates {
				if seen[cand.ID] {
					continue
				}
				seen[cand.ID] = true
				stats.Found++
				collected++

				if c.store.Exists(cand.ID) {
					stats.Existing++
					continue
				}

				rec, err := c.info.FetchInfo(ctx, cand.ID)
				if err != nil {
					stats.Failed++
					c.log.Warn("metadata fetch failed", zap.String("bvid", cand.ID), zap.Error(err))
					continue
				}

				if maxDuration > 0 && rec.Info.Duration > maxDuration {
					stats.Filtered++
					c.log.Debug("dropped over-long item",
						zap.String("bvid", cand.ID),
						zap.Int64("duration", rec.Info.Duration))
					continue
				}

				rec.SearchInfo, _ = json.Marshal(searchOrigin{
					Keyword: keyword,
					Title:   cand.Title,
					Author:  cand.Author,
					Pubdate: cand.Pubdate,
				})
				if err := c.store.Save(rec); err != nil {
					stats.Failed++
					c.log.Error("record save failed", zap.String("bvid", cand.ID), zap.Error(err))
					continue
				}
				stats.Saved++
				newIDs = append(newIDs, cand.ID)

				if interval > 0 {
					if err := sleepCtx(ctx, interval); err != nil {
						return stats, err
					}
				}
				if limit > 0 && collected >= limit {
					break
				}
			}
		}
	}

	c.log.Info("crawl finished",
		zap.Int("keywords", stats.Keywords),
		zap.Int("found", stats.Found),
		zap.Int("saved", stats.Saved),
		zap.Int("existing", stats.Existing),
		zap.Int("filtered", stats.Filtered),
		zap.Int("failed", stats.Failed))

	if downloadMedia && len(newIDs) > 0 {
		res := c.orch.Batch(ctx, newIDs)
		stats.Downloaded = res.Success + res.Exists
		stats.DownloadFailed = res.Failed
	}
	return stats, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
