package download

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/famomatic/bilicrawl/internal/merge"
	"github.com/famomatic/bilicrawl/internal/pathcodec"
	"github.com/famomatic/bilicrawl/internal/store"
	"github.com/famomatic/bilicrawl/internal/transfer"
)

type fakeSource struct {
	streams  map[string]StreamSet
	failIDs  map[string]error
	resolved []string
}

func (f *fakeSource) ResolveStreams(_ context.Context, id string) (StreamSet, error) {
	f.resolved = append(f.resolved, id)
	if err, ok := f.failIDs[id]; ok {
		return StreamSet{}, err
	}
	if s, ok := f.streams[id]; ok {
		return s, nil
	}
	return StreamSet{Muxed: "http://media.test/" + id}, nil
}

// fakeFetcher writes the URL's last path segment as file content.
type fakeFetcher struct {
	failURLs map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url, dest string, _ http.Header) (int64, error) {
	if err, ok := f.failURLs[url]; ok {
		return 0, err
	}
	content := url[strings.LastIndex(url, "/")+1:]
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

type fakeMerger struct {
	unavailable bool
	fail        error
}

func (m *fakeMerger) Available() bool { return !m.unavailable }

func (m *fakeMerger) Merge(_ context.Context, videoPath, audioPath, outputPath string, _ merge.Metadata) error {
	if m.fail != nil {
		return m.fail
	}
	v, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}
	a, err := os.ReadFile(audioPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append(v, a...), 0o644)
}

type env struct {
	meta    *store.Store
	codec   pathcodec.Codec
	source  *fakeSource
	fetcher *fakeFetcher
	merger  *fakeMerger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	codec := pathcodec.Codec{
		MetaDir:  filepath.Join(dir, "json"),
		MediaDir: filepath.Join(dir, "videos"),
	}
	return &env{
		meta:    store.New(codec, nil),
		codec:   codec,
		source:  &fakeSource{streams: map[string]StreamSet{}, failIDs: map[string]error{}},
		fetcher: &fakeFetcher{failURLs: map[string]error{}},
		merger:  &fakeMerger{},
	}
}

func (e *env) orchestrator(opts Options) *Orchestrator {
	return New(e.meta, e.codec, e.fetcher, e.merger, e.source, opts, nil)
}

func (e *env) saveRecord(t *testing.T, id string) {
	t.Helper()
	if err := e.meta.Save(&store.Record{ID: id, Info: store.VideoInfo{Title: "title", Owner: "owner"}}); err != nil {
		t.Fatal(err)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		t.Fatal(err)
	}
	for _, en := range entries {
		if strings.HasSuffix(en.Name(), pathcodec.TempSuffix) {
			t.Fatalf("leftover temp file %s", en.Name())
		}
	}
}

func TestDownload_Muxed(t *testing.T) {
	e := newEnv(t)
	const id = "BV1aa411aaaa"
	e.saveRecord(t, id)

	o := e.orchestrator(Options{})
	res, err := o.Download(context.Background(), id)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.AlreadyExists {
		t.Fatal("fresh download flagged as existing")
	}

	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != id {
		t.Fatalf("media content = %q", got)
	}

	rec, err := e.meta.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.MediaPath != res.Path || rec.MediaSize != res.Bytes {
		t.Fatalf("record not updated: path=%q size=%d", rec.MediaPath, rec.MediaSize)
	}
	assertNoTempFiles(t, e.codec.MediaDir)
}

func TestDownload_SplitStreamsMerged(t *testing.T) {
	e := newEnv(t)
	const id = "BV1bb411bbbb"
	e.saveRecord(t, id)
	e.source.streams[id] = StreamSet{
		VideoURL: "http://media.test/VID",
		AudioURL: "http://media.test/AUD",
	}

	o := e.orchestrator(Options{})
	res, err := o.Download(context.Background(), id)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "VIDAUD" {
		t.Fatalf("merged content = %q", got)
	}
	assertNoTempFiles(t, e.codec.MediaDir)
}

func TestDownload_SplitWithoutMerger(t *testing.T) {
	e := newEnv(t)
	const id = "BV1bb411bbbb"
	e.saveRecord(t, id)
	e.source.streams[id] = StreamSet{VideoURL: "http://media.test/v", AudioURL: "http://media.test/a"}
	e.merger.unavailable = true

	o := e.orchestrator(Options{})
	if _, err := o.Download(context.Background(), id); err == nil {
		t.Fatal("expected error with merger unavailable")
	}
	assertNoTempFiles(t, e.codec.MediaDir)
}

func TestDownload_ExistingMediaShortCircuits(t *testing.T) {
	e := newEnv(t)
	const id = "BV1cc411cccc"
	e.saveRecord(t, id)

	path := e.codec.MediaPath(id, "")
	if err := os.MkdirAll(e.codec.MediaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("already here"), 0o644); err != nil {
		t.Fatal(err)
	}

	o := e.orchestrator(Options{})
	res, err := o.Download(context.Background(), id)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !res.AlreadyExists {
		t.Fatal("existing media not detected")
	}
	if len(e.source.resolved) != 0 {
		t.Fatal("streams resolved despite existing media")
	}
}

func TestDownload_FetchFailureCleansTemp(t *testing.T) {
	e := newEnv(t)
	const id = "BV1dd411dddd"
	e.saveRecord(t, id)
	e.fetcher.failURLs["http://media.test/"+id] = errors.New("host down")

	o := e.orchestrator(Options{})
	_, err := o.Download(context.Background(), id)
	var serr *StreamError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want StreamError", err)
	}
	if serr.ID != id || serr.Stream != "muxed" {
		t.Fatalf("StreamError = %+v", serr)
	}
	assertNoTempFiles(t, e.codec.MediaDir)
}

func TestBatch_FaultIsolation(t *testing.T) {
	e := newEnv(t)
	ids := []string{"BV1aa411aaaa", "BV1bb411bbbb", "BV1cc411cccc", "BV1dd411dddd", "BV1ee411eeee"}
	for _, id := range ids {
		e.saveRecord(t, id)
	}
	e.source.failIDs["BV1cc411cccc"] = errors.New("stream gone")

	o := e.orchestrator(Options{Concurrency: 2})
	res := o.Batch(context.Background(), ids)

	if res.Total != 5 || res.Success != 4 || res.Failed != 1 {
		t.Fatalf("batch = %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].ID != "BV1cc411cccc" {
		t.Fatalf("failures = %+v", res.Failures)
	}
	for _, id := range ids {
		if id == "BV1cc411cccc" {
			continue
		}
		if _, err := os.Stat(e.codec.MediaPath(id, "")); err != nil {
			t.Fatalf("media missing for %s", id)
		}
	}
}

func TestBatch_CountsExisting(t *testing.T) {
	e := newEnv(t)
	ids := []string{"BV1aa411aaaa", "BV1bb411bbbb"}
	for _, id := range ids {
		e.saveRecord(t, id)
	}
	if err := os.MkdirAll(e.codec.MediaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.codec.MediaPath("BV1aa411aaaa", ""), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	o := e.orchestrator(Options{})
	res := o.Batch(context.Background(), ids)
	if res.Exists != 1 || res.Success != 1 || res.Failed != 0 {
		t.Fatalf("batch = %+v", res)
	}
}

func TestDownload_RecordsAttemptAccounting(t *testing.T) {
	e := newEnv(t)
	const id = "BV1aa411aaaa"
	e.saveRecord(t, id)

	o := e.orchestrator(Options{})
	res, err := o.Download(context.Background(), id)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	a, ok := o.Stats()[id]
	if !ok {
		t.Fatal("no accounting entry after download")
	}
	if a.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", a.Status, StatusSuccess)
	}
	if a.Bytes != res.Bytes {
		t.Fatalf("bytes = %d, want %d", a.Bytes, res.Bytes)
	}
	if a.StartedAt.IsZero() || a.EndedAt.Before(a.StartedAt) {
		t.Fatalf("timestamps = %v..%v", a.StartedAt, a.EndedAt)
	}
	if a.LastErr != nil || a.Retries != 0 {
		t.Fatalf("entry = %+v, want clean success", a)
	}

	// A second call finds the media on disk and settles the entry as exists.
	if _, err := o.Download(context.Background(), id); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := o.Stats()[id].Status; got != StatusExists {
		t.Fatalf("status = %q, want %q", got, StatusExists)
	}
}

func TestDownload_FailureAccountingKeepsRetriesAndError(t *testing.T) {
	e := newEnv(t)
	const id = "BV1dd411dddd"
	e.saveRecord(t, id)
	e.fetcher.failURLs["http://media.test/"+id] = &transfer.RetryExceededError{
		Attempts: 4,
		Last:     errors.New("host down"),
	}

	o := e.orchestrator(Options{})
	if _, err := o.Download(context.Background(), id); err == nil {
		t.Fatal("expected download failure")
	}

	a := o.Stats()[id]
	if a.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", a.Status, StatusFailed)
	}
	if a.Retries != 3 {
		t.Fatalf("retries = %d, want 3", a.Retries)
	}
	if a.LastErr == nil {
		t.Fatal("last error not recorded")
	}
	if a.Bytes != 0 {
		t.Fatalf("bytes = %d, want 0", a.Bytes)
	}
}

func TestBatch_ReportsPerRecordAttempts(t *testing.T) {
	e := newEnv(t)
	ids := []string{"BV1aa411aaaa", "BV1bb411bbbb", "BV1cc411cccc"}
	for _, id := range ids {
		e.saveRecord(t, id)
	}
	e.source.failIDs["BV1cc411cccc"] = errors.New("stream gone")

	o := e.orchestrator(Options{Concurrency: 2})
	res := o.Batch(context.Background(), ids)

	if len(res.Attempts) != len(ids) {
		t.Fatalf("attempts = %d entries, want %d", len(res.Attempts), len(ids))
	}
	if got := res.Attempts["BV1cc411cccc"]; got.Status != StatusFailed || got.LastErr == nil {
		t.Fatalf("failed entry = %+v", got)
	}
	for _, id := range []string{"BV1aa411aaaa", "BV1bb411bbbb"} {
		a := res.Attempts[id]
		if a.Status != StatusSuccess || a.Bytes == 0 {
			t.Fatalf("entry for %s = %+v", id, a)
		}
	}
}

func TestDownload_NoRecordStillDownloads(t *testing.T) {
	e := newEnv(t)
	const id = "BV1ff411ffff"

	o := e.orchestrator(Options{})
	res, err := o.Download(context.Background(), id)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatal("media file missing")
	}
}
