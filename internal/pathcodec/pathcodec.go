// Package pathcodec maps record identifiers to on-disk paths.
//
// The mapping is deterministic: the identifier is always used verbatim as the
// leading path component, so two distinct ids can never collide regardless of
// how their titles sanitize. Only the optional human-readable title segment is
// sanitized and truncated.
package pathcodec

import (
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// MetadataExt is the extension of per-record metadata documents.
	MetadataExt = ".json"
	// MediaExt is the extension of finished media files.
	MediaExt = ".mp4"
	// TempSuffix marks in-flight transfer files so cleanup sweeps can tell
	// them apart from finished media.
	TempSuffix = ".part"

	// truncationMarker is appended to a title segment that was shortened.
	truncationMarker = "..."

	// DefaultMaxNameLen bounds the length of a generated file name.
	DefaultMaxNameLen = 120
)

var (
	illegalChars = regexp.MustCompile(`[\\/*?:"<>|\x00-\x1f]`)
	idPattern    = regexp.MustCompile(`(BV[0-9A-Za-z]{10})`)
)

// Codec generates paths under a metadata root and a media root.
type Codec struct {
	MetaDir  string
	MediaDir string

	// MaxNameLen bounds generated file names. Zero means DefaultMaxNameLen.
	MaxNameLen int
}

// MetadataPath returns the metadata document path for id.
func (c Codec) MetadataPath(id string) string {
	return filepath.Join(c.MetaDir, id+MetadataExt)
}

// MediaPath returns the finished media path for id. When title is non-empty a
// sanitized, length-bounded title segment is appended after the id.
func (c Codec) MediaPath(id, title string) string {
	return filepath.Join(c.MediaDir, c.fileName(id, title, MediaExt))
}

// TempVideoPath returns the in-flight video stream path for a destination.
func TempVideoPath(mediaPath string) string {
	return mediaPath + ".video" + TempSuffix
}

// TempAudioPath returns the in-flight audio stream path for a destination.
func TempAudioPath(mediaPath string) string {
	return mediaPath + ".audio" + TempSuffix
}

// IDFromFileName extracts the record identifier from a generated file name.
// It returns "" when the name does not carry one.
func IDFromFileName(name string) string {
	return idPattern.FindString(name)
}

// SanitizeTitle replaces filesystem-illegal characters and trims the
// leading/trailing dots and spaces that Windows rejects.
func SanitizeTitle(title string) string {
	s := illegalChars.ReplaceAllString(title, "_")
	return strings.Trim(s, " .")
}

// fileName builds "<id>.<ext>" or "<id>_<title>.<ext>". The id and extension
// are never truncated; an over-long title segment is cut and marked.
func (c Codec) fileName(id, title, ext string) string {
	maxLen := c.MaxNameLen
	if maxLen <= 0 {
		maxLen = DefaultMaxNameLen
	}

	title = SanitizeTitle(title)
	if title == "" {
		return id + ext
	}

	// Budget for the title segment: total minus id, separator, marker, ext.
	budget := maxLen - len(id) - 1 - len(truncationMarker) - len(ext)
	if budget <= 0 {
		return id + ext
	}
	if len(title) > budget {
		title = cutUTF8(title, budget) + truncationMarker
	}
	return id + "_" + title + ext
}

// cutUTF8 shortens s to at most n bytes without splitting a multi-byte rune.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
