// Package config holds the typed application configuration.
//
// Defaults come from Default(); a YAML file overlays them field by field, so a
// partial file only overrides what it names. Components receive the resolved
// values at construction and never consult global state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("30s", "2m") or as a bare number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the application configuration tree.
type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Search     SearchConfig     `yaml:"search"`
	Crawler    CrawlerConfig    `yaml:"crawler"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Merge      MergeConfig      `yaml:"merge"`
	Filter     FilterConfig     `yaml:"filter"`
}

// PathsConfig locates the dataset on disk.
type PathsConfig struct {
	MetadataDir string `yaml:"metadata_dir"`
	MediaDir    string `yaml:"media_dir"`
	LogsDir     string `yaml:"logs_dir"`
}

// SearchConfig controls the keyword search collaborator.
type SearchConfig struct {
	Keywords        []string `yaml:"keywords"`
	LimitPerKeyword int      `yaml:"limit_per_keyword"`
	PageSize        int      `yaml:"page_size"`
	Order           string   `yaml:"order"`
}

// CrawlerConfig controls the metadata crawl loop.
type CrawlerConfig struct {
	RequestInterval Duration `yaml:"request_interval"`
	Timeout         Duration `yaml:"timeout"`
	MaxRecords      int      `yaml:"max_records"`
	InfoOnly        bool     `yaml:"info_only"`
	UserAgent       string   `yaml:"user_agent"`
}

// DownloaderConfig controls the transfer engine and orchestrator.
type DownloaderConfig struct {
	Quality             int      `yaml:"quality"`
	Concurrency         int      `yaml:"concurrency"`
	MaxRetries          int      `yaml:"max_retries"`
	Timeout             Duration `yaml:"timeout"`
	ChunkSize           int64    `yaml:"chunk_size"`
	BaseDelay           Duration `yaml:"base_delay"`
	MaxDelay            Duration `yaml:"max_delay"`
	BackoffFactor       float64  `yaml:"backoff_factor"`
	Jitter              float64  `yaml:"jitter"`
	HostCooldown        Duration `yaml:"host_cooldown"`
	MaxCooldownWait     Duration `yaml:"max_cooldown_wait"`
	CheckNetwork        bool     `yaml:"check_network"`
	PreflightTimeout    Duration `yaml:"preflight_timeout"`
	PreflightHosts      []string `yaml:"preflight_hosts"`
	IncludeTitleInNames bool     `yaml:"include_title_in_names"`
	MinFreeBytes        int64    `yaml:"min_free_bytes"`
}

// MergeConfig controls the external merge tool invocation.
type MergeConfig struct {
	FFmpegPath string   `yaml:"ffmpeg_path"`
	Timeout    Duration `yaml:"timeout"`
}

// FilterConfig controls duration-based filtering.
type FilterConfig struct {
	// MaxDuration drops items longer than this before any persistence.
	// Zero disables the filter.
	MaxDuration Duration `yaml:"max_duration"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			MetadataDir: "data/json",
			MediaDir:    "data/videos",
			LogsDir:     "logs",
		},
		Search: SearchConfig{
			LimitPerKeyword: 100,
			PageSize:        30,
			Order:           "pubdate",
		},
		Crawler: CrawlerConfig{
			RequestInterval: Duration(1500 * time.Millisecond),
			Timeout:         Duration(30 * time.Second),
			MaxRecords:      1000,
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Downloader: DownloaderConfig{
			Quality:          32,
			Concurrency:      3,
			MaxRetries:       5,
			Timeout:          Duration(60 * time.Second),
			ChunkSize:        1 << 20,
			BaseDelay:        Duration(2 * time.Second),
			MaxDelay:         Duration(60 * time.Second),
			BackoffFactor:    2,
			Jitter:           0.1,
			HostCooldown:     Duration(5 * time.Minute),
			MaxCooldownWait:  Duration(10 * time.Second),
			CheckNetwork:     true,
			PreflightTimeout: Duration(10 * time.Second),
			PreflightHosts: []string{
				"api.bilibili.com",
				"upos-sz-mirrorhw.bilivideo.com",
			},
		},
		Merge: MergeConfig{
			FFmpegPath: "ffmpeg",
			Timeout:    Duration(5 * time.Minute),
		},
		Filter: FilterConfig{},
	}
}

// Load returns Default() overlaid with the YAML file at path. A missing file
// is not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
