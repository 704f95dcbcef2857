package merge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// fakeTool writes a stand-in merge executable. The script sees the same
// argument layout as ffmpeg: inputs at $2 and $4, output as the last arg.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub tool requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeInputs(t *testing.T) (video, audio string) {
	t.Helper()
	dir := t.TempDir()
	video = filepath.Join(dir, "v.mp4.video.part")
	audio = filepath.Join(dir, "a.mp4.audio.part")
	if err := os.WriteFile(video, []byte("VIDEO"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(audio, []byte("AUDIO"), 0o644); err != nil {
		t.Fatal(err)
	}
	return video, audio
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var merr *Error
	if !errors.As(err, &merr) {
		t.Fatalf("err = %v, want *merge.Error", err)
	}
	return merr.Kind
}

func TestMerge_Success(t *testing.T) {
	tool := fakeTool(t, `for a in "$@"; do out="$a"; done
cat "$2" "$4" > "$out"`)
	video, audio := writeInputs(t)
	out := filepath.Join(t.TempDir(), "merged.mp4")

	m := New(tool, 0, nil)
	if err := m.Merge(context.Background(), video, audio, out, Metadata{Title: "t"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "VIDEOAUDIO" {
		t.Fatalf("output = %q", got)
	}
	// Inputs are the caller's to clean up.
	if _, err := os.Stat(video); err != nil {
		t.Fatal("video input removed")
	}
}

func TestMerge_EmptyInputRejectedBeforeTool(t *testing.T) {
	tool := fakeTool(t, `echo "should not run" >&2; exit 1`)
	video, audio := writeInputs(t)
	if err := os.WriteFile(video, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(tool, 0, nil)
	err := m.Merge(context.Background(), video, audio, filepath.Join(t.TempDir(), "out.mp4"), Metadata{})
	if kindOf(t, err) != KindInput {
		t.Fatalf("kind = %v, want KindInput", kindOf(t, err))
	}
}

func TestMerge_MissingInput(t *testing.T) {
	tool := fakeTool(t, `exit 0`)
	_, audio := writeInputs(t)

	m := New(tool, 0, nil)
	err := m.Merge(context.Background(), filepath.Join(t.TempDir(), "absent"), audio, filepath.Join(t.TempDir(), "out.mp4"), Metadata{})
	if kindOf(t, err) != KindInput {
		t.Fatalf("kind = %v, want KindInput", kindOf(t, err))
	}
}

func TestMerge_ToolFailureLeavesDestinationUntouched(t *testing.T) {
	tool := fakeTool(t, `echo "boom" >&2; exit 1`)
	video, audio := writeInputs(t)
	out := filepath.Join(t.TempDir(), "merged.mp4")

	m := New(tool, 0, nil)
	err := m.Merge(context.Background(), video, audio, out, Metadata{})
	if kindOf(t, err) != KindTool {
		t.Fatalf("kind = %v, want KindTool", kindOf(t, err))
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("destination exists after failed merge")
	}
}

func TestMerge_EmptyOutputRejected(t *testing.T) {
	tool := fakeTool(t, `for a in "$@"; do out="$a"; done
: > "$out"`)
	video, audio := writeInputs(t)
	out := filepath.Join(t.TempDir(), "merged.mp4")

	m := New(tool, 0, nil)
	err := m.Merge(context.Background(), video, audio, out, Metadata{})
	if kindOf(t, err) != KindOutput {
		t.Fatalf("kind = %v, want KindOutput", kindOf(t, err))
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("destination exists after rejected merge")
	}
}

func TestAvailable(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "no-such-tool"), 0, nil)
	if m.Available() {
		t.Fatal("Available() = true for missing tool")
	}
}
