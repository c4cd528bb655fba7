// Package storage lays out downloaded audio and rendered transcripts on the
// local filesystem. Files land under
//
//	{root}/audio/{podcast_slug}/{YYYY-MM-DD}_{title_slug}.{ext}
//	{root}/transcripts/{podcast_slug}/{YYYY-MM-DD}_{title_slug}.md
//
// All writes go through a temp file plus rename, so readers never observe a
// partially written file.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fairyhunter13/podscribe/pkg/textx"
)

// FS is a TranscriptStore rooted at a directory.
type FS struct {
	Root string
}

// NewFS constructs an FS store rooted at root.
func NewFS(root string) *FS { return &FS{Root: root} }

// fileStem builds the date-prefixed slug shared by audio and transcript files.
// Episodes without a publish date sort under the epoch rather than today, so
// re-processing is stable.
func fileStem(episodeTitle string, published *time.Time) string {
	date := "1970-01-01"
	if published != nil {
		date = published.UTC().Format("2006-01-02")
	}
	return date + "_" + textx.Slug(episodeTitle)
}

func (s *FS) audioPath(feedTitle, episodeTitle string, published *time.Time, ext string) string {
	if ext == "" {
		ext = ".mp3"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(s.Root, "audio", textx.Slug(feedTitle), fileStem(episodeTitle, published)+ext)
}

func (s *FS) transcriptPath(feedTitle, episodeTitle string, published *time.Time) string {
	return filepath.Join(s.Root, "transcripts", textx.Slug(feedTitle), fileStem(episodeTitle, published)+".md")
}

// writeAtomic streams r into dst via a sibling temp file and rename.
func writeAtomic(dst string, r io.Reader) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=storage.write: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("op=storage.write: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("op=storage.write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("op=storage.write: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("op=storage.write: %w", err)
	}
	return nil
}

// SaveAudio streams audio into place and returns the stored path.
func (s *FS) SaveAudio(feedTitle, episodeTitle string, published *time.Time, ext string, r io.Reader) (string, error) {
	dst := s.audioPath(feedTitle, episodeTitle, published, ext)
	if err := writeAtomic(dst, r); err != nil {
		return "", err
	}
	return dst, nil
}

// SaveAudioFile moves an already-downloaded temp file into place. A plain
// rename is tried first; when tempPath sits on another filesystem the file is
// copied and the source removed.
func (s *FS) SaveAudioFile(feedTitle, episodeTitle string, published *time.Time, ext, tempPath string) (string, error) {
	dst := s.audioPath(feedTitle, episodeTitle, published, ext)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("op=storage.save_audio: %w", err)
	}
	if err := os.Rename(tempPath, dst); err == nil {
		return dst, nil
	}
	f, err := os.Open(tempPath)
	if err != nil {
		return "", fmt.Errorf("op=storage.save_audio: %w", err)
	}
	defer f.Close()
	if err := writeAtomic(dst, f); err != nil {
		return "", err
	}
	_ = os.Remove(tempPath)
	return dst, nil
}

// SaveTranscript writes the rendered markdown and returns the stored path.
func (s *FS) SaveTranscript(feedTitle, episodeTitle string, published *time.Time, markdown string) (string, error) {
	dst := s.transcriptPath(feedTitle, episodeTitle, published)
	if err := writeAtomic(dst, strings.NewReader(markdown)); err != nil {
		return "", err
	}
	return dst, nil
}

// OpenAudio opens a stored audio file for streaming and reports its size.
func (s *FS) OpenAudio(path string) (io.ReadSeekCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("op=storage.open_audio: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("op=storage.open_audio: %w", err)
	}
	return f, fi.Size(), nil
}

// TranscriptRoot returns the directory holding all transcript files, used by
// the search scanner.
func (s *FS) TranscriptRoot() string { return filepath.Join(s.Root, "transcripts") }
