package storage

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/pkg/textx"
)

// RenderMarkdown produces the transcript document:
//
//	# Episode Title
//
//	*Language: en (98% confidence)*
//
//	**[00:12]** First segment text.
//	**[01:03]** Second segment text.
//
// The language line is omitted when detection produced nothing.
func RenderMarkdown(episodeTitle string, t domain.Transcript) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(strings.TrimSpace(episodeTitle))
	b.WriteString("\n\n")
	if t.Language != "" {
		fmt.Fprintf(&b, "*Language: %s (%d%% confidence)*\n\n", t.Language, int(t.LanguageProb*100))
	}
	for _, seg := range t.Segments {
		text := textx.SanitizeText(seg.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "**[%s]** %s\n", textx.Timecode(seg.Start), text)
	}
	return b.String()
}

// TranscriptDoc is a parsed transcript file, used by search.
type TranscriptDoc struct {
	Title string
	Lines []TranscriptLine
}

// TranscriptLine is one timestamped segment from a transcript file.
type TranscriptLine struct {
	Timecode string
	Text     string
}

// ParseMarkdown reads a transcript document back into its parts. It accepts
// exactly what RenderMarkdown writes and skips anything else.
func ParseMarkdown(r io.Reader) (TranscriptDoc, error) {
	var doc TranscriptDoc
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "# ") && doc.Title == "":
			doc.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
		case strings.HasPrefix(line, "**["):
			rest := strings.TrimPrefix(line, "**[")
			end := strings.Index(rest, "]**")
			if end < 0 {
				continue
			}
			doc.Lines = append(doc.Lines, TranscriptLine{
				Timecode: rest[:end],
				Text:     strings.TrimSpace(rest[end+len("]**"):]),
			})
		}
	}
	if err := sc.Err(); err != nil {
		return TranscriptDoc{}, fmt.Errorf("op=storage.parse_transcript: %w", err)
	}
	return doc, nil
}
