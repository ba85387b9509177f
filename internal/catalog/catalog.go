// Package catalog enumerates the reference tracks that can be detected.
package catalog

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dhowden/tag"
)

// DefaultExtensions lists the reference file types scanned when none are given.
var DefaultExtensions = []string{".mp3"}

// Track is a reference recording. Token is what the matcher output is searched for.
type Track struct {
	Name   string // file base name without extension
	Token  string // lowercased Name
	Path   string
	Title  string // from embedded tags, display only
	Artist string
}

// NewTrack builds a Track from a reference file path.
func NewTrack(path string) Track {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return Track{
		Name:  name,
		Token: strings.ToLower(name),
		Path:  path,
	}
}

// Label returns "Artist - Title" when tags are known, else the file name.
func (t Track) Label() string {
	switch {
	case t.Artist != "" && t.Title != "":
		return t.Artist + " - " + t.Title
	case t.Title != "":
		return t.Title
	default:
		return t.Name
	}
}

// Files walks dir recursively and returns the reference files whose extension
// matches exts (case-insensitive), sorted lexicographically.
func Files(dir string, exts []string) ([]string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if HasExtension(path, exts) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	slices.Sort(files)
	return files, nil
}

// HasExtension reports whether path ends in one of exts, ignoring case.
func HasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Scan builds the track catalog for dir.
func Scan(dir string, exts []string) ([]Track, error) {
	files, err := Files(dir, exts)
	if err != nil {
		return nil, err
	}
	tracks := make([]Track, 0, len(files))
	for _, path := range files {
		t := NewTrack(path)
		t.Title, t.Artist = readTags(path)
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func readTags(path string) (title, artist string) {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("catalog: open %s: %v", path, err)
		return "", ""
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		// Untagged files are common; the file name is enough.
		return "", ""
	}
	return strings.TrimSpace(m.Title()), strings.TrimSpace(m.Artist())
}
