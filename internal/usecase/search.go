package usecase

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/podscribe/internal/adapter/storage"
	"github.com/fairyhunter13/podscribe/internal/domain"
)

// SearchHit is one matching transcript line.
type SearchHit struct {
	Podcast  string `json:"podcast"`
	Episode  string `json:"episode"`
	Path     string `json:"path"`
	Timecode string `json:"timecode"`
	Text     string `json:"text"`
}

// Search scans stored transcript files for a substring. It is a linear scan
// over the markdown tree; fine for a personal library, revisit if it grows
// past a few thousand episodes.
type Search struct {
	Root     string
	MaxHits  int
	maxFiles int
}

// NewSearch constructs a Search over the transcript root directory.
func NewSearch(root string) *Search {
	return &Search{Root: root, MaxHits: 100, maxFiles: 10000}
}

// Query returns transcript lines containing q, case-insensitively.
func (s *Search) Query(ctx domain.Context, q string) ([]SearchHit, error) {
	q = strings.TrimSpace(q)
	if len(q) < 2 {
		return nil, domain.ErrInvalidArgument
	}
	needle := strings.ToLower(q)
	var hits []SearchHit
	files := 0
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A vanished transcript root just means no results yet.
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		files++
		if files > s.maxFiles || len(hits) >= s.MaxHits {
			return filepath.SkipAll
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		doc, perr := storage.ParseMarkdown(f)
		_ = f.Close()
		if perr != nil {
			return nil
		}
		podcast := filepath.Base(filepath.Dir(path))
		for _, line := range doc.Lines {
			if !strings.Contains(strings.ToLower(line.Text), needle) {
				continue
			}
			hits = append(hits, SearchHit{
				Podcast:  podcast,
				Episode:  doc.Title,
				Path:     path,
				Timecode: line.Timecode,
				Text:     line.Text,
			})
			if len(hits) >= s.MaxHits {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}
