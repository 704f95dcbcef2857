// Package merge combines separately fetched video and audio streams into a
// single media file with ffmpeg.
//
// ffmpeg writes to a temp path next to the destination; the finished file is
// moved into place only after it validates as non-empty, so a failed merge
// can never leave a broken file where finished media is expected.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Kind classifies a merge failure by what has to change for it to succeed.
type Kind int

const (
	// KindInput means a source stream is missing or unusable.
	KindInput Kind = iota
	// KindTool means ffmpeg itself failed or is absent.
	KindTool
	// KindOutput means ffmpeg reported success but produced a bad file.
	KindOutput
)

// Error is a classified merge failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge: %s: %v", e.Msg, e.Err)
	}
	return "merge: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Metadata is embedded into the merged container.
type Metadata struct {
	Title   string
	Artist  string
	Comment string
}

// Merger runs the external merge tool.
type Merger struct {
	// Path is the ffmpeg executable. Empty means "ffmpeg" from PATH.
	Path string
	// Timeout bounds one merge invocation. Zero means 5 minutes.
	Timeout time.Duration

	log *zap.Logger
}

// New returns a merger invoking the tool at path.
func New(path string, timeout time.Duration, log *zap.Logger) *Merger {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{Path: path, Timeout: timeout, log: log}
}

// Available reports whether the merge tool is executable.
func (m *Merger) Available() bool {
	_, err := exec.LookPath(m.Path)
	return err == nil
}

// Merge combines videoPath and audioPath into outputPath. The inputs are
// kept; the caller decides when to remove them.
func (m *Merger) Merge(ctx context.Context, videoPath, audioPath, outputPath string, meta Metadata) error {
	if err := checkInput(videoPath, "video"); err != nil {
		return err
	}
	if err := checkInput(audioPath, "audio"); err != nil {
		return err
	}
	if !m.Available() {
		return &Error{Kind: KindTool, Msg: fmt.Sprintf("merge tool %q not found", m.Path)}
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return &Error{Kind: KindOutput, Msg: "create output dir", Err: err}
	}

	// Same directory as the destination so the final move is a rename.
	tmp := outputPath + ".merge.tmp" + filepath.Ext(outputPath)
	defer os.Remove(tmp)

	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "copy",
	}
	if meta.Title != "" {
		args = append(args, "-metadata", "title="+meta.Title)
	}
	if meta.Artist != "" {
		args = append(args, "-metadata", "artist="+meta.Artist)
	}
	if meta.Comment != "" {
		args = append(args, "-metadata", "comment="+meta.Comment)
	}
	args = append(args, "-y", tmp)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.Path, args...)
	cmd.Stderr = &stderr

	m.log.Debug("running merge tool", zap.String("video", videoPath), zap.String("audio", audioPath), zap.String("output", outputPath))
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &Error{Kind: KindTool, Msg: "merge timed out", Err: ctx.Err()}
		}
		return &Error{Kind: KindTool, Msg: "ffmpeg failed: " + lastLine(stderr.String()), Err: err}
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return &Error{Kind: KindOutput, Msg: "merge produced no output", Err: err}
	}
	if info.Size() == 0 {
		return &Error{Kind: KindOutput, Msg: "merge produced an empty file"}
	}

	if err := os.Rename(tmp, outputPath); err != nil {
		return &Error{Kind: KindOutput, Msg: "move merged file", Err: err}
	}
	m.log.Info("merge complete", zap.String("output", outputPath), zap.Int64("bytes", info.Size()))
	return nil
}

func checkInput(path, role string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &Error{Kind: KindInput, Msg: role + " stream missing", Err: err}
	}
	if info.Size() == 0 {
		return &Error{Kind: KindInput, Msg: role + " stream is empty"}
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
