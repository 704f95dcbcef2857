// Package transfer fetches large media files over HTTP with resume, retry
// and per-host cooldown.
//
// A destination file is appended to across attempts: every retry stats the
// file and asks the host for the remaining byte range, so progress survives
// both in-process retries and whole-process restarts. The caller owns the
// destination path; finished files are exactly the announced size.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errRangeNotSatisfiable = errors.New("range not satisfiable")

// Options tunes the transfer engine. Zero values fall back to the defaults
// noted per field.
type Options struct {
	MaxRetries      int           // attempts after the first try; default 5
	BaseDelay       time.Duration // first backoff delay; default 2s
	MaxDelay        time.Duration // backoff ceiling; default 60s
	BackoffFactor   float64       // multiplier per attempt; default 2
	Jitter          float64       // +/- fraction per delay; default 0.1, negative disables
	ChunkSize       int64         // copy buffer size; default 1 MiB
	HostCooldown    time.Duration // how long a failing host stays marked; default 5m
	MaxCooldownWait time.Duration // longest a fetch blocks on a cooling host; default 10s
	MinFreeBytes    int64         // refuse transfers when free space drops below this
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.BackoffFactor <= 1 {
		o.BackoffFactor = 2
	}
	if o.Jitter == 0 {
		o.Jitter = 0.1
	} else if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1 << 20
	}
	if o.HostCooldown <= 0 {
		o.HostCooldown = 5 * time.Minute
	}
	if o.MaxCooldownWait <= 0 {
		o.MaxCooldownWait = 10 * time.Second
	}
	return o
}

// Engine performs resumable HTTP transfers.
type Engine struct {
	client *http.Client
	opts   Options
	log    *zap.Logger

	mu       sync.Mutex
	cooldown map[string]time.Time
}

// New returns an engine using client for all requests. A nil client falls
// back to http.DefaultClient.
func New(client *http.Client, opts Options, log *zap.Logger) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		client:   client,
		opts:     opts.withDefaults(),
		log:      log,
		cooldown: make(map[string]time.Time),
	}
}

// Fetch downloads rawURL to dest, resuming any existing partial file. It
// returns the final byte size of dest. A dest already at the announced size
// is returned immediately without any body transfer.
func (e *Engine) Fetch(ctx context.Context, rawURL, dest string, headers http.Header) (int64, error) {
	host := hostOf(rawURL)
	if err := e.waitForHost(ctx, host); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}

	total, err := e.probeSize(ctx, rawURL, headers)
	if err != nil {
		e.markHostFailure(host)
		return 0, err
	}

	if existing := fileSize(dest); total > 0 && existing == total {
		e.log.Debug("transfer already complete", zap.String("dest", dest), zap.Int64("bytes", total))
		return total, nil
	}

	if e.opts.MinFreeBytes > 0 {
		if free, ok := freeSpace(filepath.Dir(dest)); ok {
			need := total - fileSize(dest)
			if need < 0 {
				need = 0
			}
			if free < need+e.opts.MinFreeBytes {
				return 0, &DiskSpaceError{Path: dest, Need: need, Free: free}
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, e.backoffFor(attempt-1)); err != nil {
				return 0, err
			}
		}

		size, err := e.fetchOnce(ctx, rawURL, dest, total, headers)
		if err == nil {
			e.clearHost(host)
			return size, nil
		}
		if !isRetryable(err) {
			return 0, err
		}
		lastErr = err
		e.markHostFailure(host)
		e.log.Warn("transfer attempt failed",
			zap.String("dest", dest),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return 0, &RetryExceededError{Attempts: e.opts.MaxRetries + 1, Last: lastErr}
}

// fetchOnce performs a single ranged-append pass. The resume offset is read
// from disk so progress made by a failed attempt carries into the next.
func (e *Engine) fetchOnce(ctx context.Context, rawURL, dest string, total int64, headers http.Header) (int64, error) {
	offset := fileSize(dest)
	if total > 0 && offset == total {
		return total, nil
	}
	if total > 0 && offset > total {
		// A stale partial from a different variant of the file; start over.
		offset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	applyHeaders(req, headers)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Full body regardless of the range we asked for.
		offset = 0
	case http.StatusRequestedRangeNotSatisfiable:
		if total > 0 && offset == total {
			return total, nil
		}
		// Our partial is out of sync with the host; rewrite from scratch
		// on the next attempt.
		_ = os.Remove(dest)
		return 0, errRangeNotSatisfiable
	default:
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if offset == 0 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if _, err := copyChunked(ctx, file, resp.Body, e.opts.ChunkSize); err != nil {
		return 0, err
	}
	if err := file.Sync(); err != nil {
		return 0, err
	}

	size := fileSize(dest)
	if total > 0 && size != total {
		return 0, &SizeMismatchError{Path: dest, Expected: total, Actual: size}
	}
	return size, nil
}

// probeSize asks for the first byte to learn the full length. Hosts that
// ignore ranges report it through Content-Length instead; hosts that report
// neither return 0 and size checks are skipped.
func (e *Engine) probeSize(ctx context.Context, rawURL string, headers http.Header) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	applyHeaders(req, headers)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Single-byte body; drain it so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return totalFromContentRange(resp.Header.Get("Content-Range")), nil
	case http.StatusOK:
		// The host ignored the range and is streaming the whole file.
		// Closing without reading aborts the stream; the length header
		// is all we came for.
		if resp.ContentLength > 0 {
			return resp.ContentLength, nil
		}
		return 0, nil
	default:
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}
}

func totalFromContentRange(cr string) int64 {
	// expected form: bytes 0-0/12345
	var total int64
	for i := len(cr) - 1; i >= 0; i-- {
		if cr[i] == '/' {
			if _, err := fmt.Sscanf(cr[i+1:], "%d", &total); err != nil {
				return 0
			}
			return total
		}
	}
	return 0
}

func copyChunked(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int64) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// waitForHost blocks while host is cooling down, but never longer than
// MaxCooldownWait. A host past its bounded wait is tried anyway.
func (e *Engine) waitForHost(ctx context.Context, host string) error {
	if host == "" {
		return nil
	}
	e.mu.Lock()
	until, cooling := e.cooldown[host]
	e.mu.Unlock()
	if !cooling {
		return nil
	}
	wait := time.Until(until)
	if wait <= 0 {
		e.clearHost(host)
		return nil
	}
	if wait > e.opts.MaxCooldownWait {
		wait = e.opts.MaxCooldownWait
	}
	e.log.Info("host cooling down", zap.String("host", host), zap.Duration("wait", wait))
	return waitBackoff(ctx, wait)
}

func (e *Engine) markHostFailure(host string) {
	if host == "" {
		return
	}
	e.mu.Lock()
	e.cooldown[host] = time.Now().Add(e.opts.HostCooldown)
	e.mu.Unlock()
}

func (e *Engine) clearHost(host string) {
	if host == "" {
		return
	}
	e.mu.Lock()
	delete(e.cooldown, host)
	e.mu.Unlock()
}

// backoffFor returns the delay before retrying after the given zero-based
// failed attempt, with jitter applied.
func (e *Engine) backoffFor(attempt int) time.Duration {
	d := float64(e.opts.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= e.opts.BackoffFactor
		if d >= float64(e.opts.MaxDelay) {
			d = float64(e.opts.MaxDelay)
			break
		}
	}
	if e.opts.Jitter > 0 {
		d += d * e.opts.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var diskErr *DiskSpaceError
	if errors.As(err, &diskErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

func applyHeaders(req *http.Request, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
