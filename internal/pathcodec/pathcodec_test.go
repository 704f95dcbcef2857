package pathcodec

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestMetadataPath(t *testing.T) {
	c := Codec{MetaDir: "/data/json", MediaDir: "/data/videos"}
	got := c.MetadataPath("BV1GJ411x7h7")
	want := filepath.Join("/data/json", "BV1GJ411x7h7.json")
	if got != want {
		t.Fatalf("MetadataPath() = %q, want %q", got, want)
	}
}

func TestMediaPath_NoTitle(t *testing.T) {
	c := Codec{MediaDir: "/data/videos"}
	got := c.MediaPath("BV1GJ411x7h7", "")
	want := filepath.Join("/data/videos", "BV1GJ411x7h7.mp4")
	if got != want {
		t.Fatalf("MediaPath() = %q, want %q", got, want)
	}
}

func TestMediaPath_SanitizesTitle(t *testing.T) {
	c := Codec{MediaDir: "v"}
	got := filepath.Base(c.MediaPath("BV1GJ411x7h7", `a/b:c?"d"`))
	if strings.ContainsAny(got, `/\*?:"<>|`) {
		t.Fatalf("MediaPath() base %q contains illegal characters", got)
	}
	if !strings.HasPrefix(got, "BV1GJ411x7h7_") {
		t.Fatalf("MediaPath() base %q does not start with the id", got)
	}
}

func TestMediaPath_TruncationBound(t *testing.T) {
	const id = "BV1GJ411x7h7"
	c := Codec{MediaDir: "v", MaxNameLen: 120}
	title := strings.Repeat("x", 5000)

	name := filepath.Base(c.MediaPath(id, title))
	if len(name) > 120 {
		t.Fatalf("file name length = %d, want <= 120", len(name))
	}
	if !strings.HasPrefix(name, id+"_") {
		t.Fatalf("file name %q lost the id prefix", name)
	}
	if !strings.HasSuffix(name, "...mp4") { // marker directly before extension
		t.Fatalf("file name %q lacks truncation marker before extension", name)
	}
}

func TestMediaPath_MultiByteTitleNotSplit(t *testing.T) {
	c := Codec{MediaDir: "v", MaxNameLen: 40}
	name := filepath.Base(c.MediaPath("BV1GJ411x7h7", strings.Repeat("测试", 200)))
	if len(name) > 40 {
		t.Fatalf("file name length = %d, want <= 40", len(name))
	}
	if !strings.Contains(name, "BV1GJ411x7h7") {
		t.Fatalf("file name %q lost the id", name)
	}
}

func TestMediaPath_Deterministic(t *testing.T) {
	c := Codec{MediaDir: "v"}
	a := c.MediaPath("BV1GJ411x7h7", "some title")
	b := c.MediaPath("BV1GJ411x7h7", "some title")
	if a != b {
		t.Fatalf("MediaPath() not deterministic: %q vs %q", a, b)
	}
}

func TestIDFromFileName(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"BV1GJ411x7h7.mp4", "BV1GJ411x7h7"},
		{"BV1GJ411x7h7_title....mp4", "BV1GJ411x7h7"},
		{"BV1GJ411x7h7.json", "BV1GJ411x7h7"},
		{"index.json", ""},
		{"stray.mp4", ""},
	}
	for _, tc := range cases {
		if got := IDFromFileName(tc.name); got != tc.want {
			t.Errorf("IDFromFileName(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTempPaths(t *testing.T) {
	if got := TempVideoPath("/v/BV1.mp4"); got != "/v/BV1.mp4.video.part" {
		t.Fatalf("TempVideoPath() = %q", got)
	}
	if got := TempAudioPath("/v/BV1.mp4"); got != "/v/BV1.mp4.audio.part" {
		t.Fatalf("TempAudioPath() = %q", got)
	}
}
