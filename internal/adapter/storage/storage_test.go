package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

func TestSaveAudioLaysOutSluggedPath(t *testing.T) {
	root := t.TempDir()
	s := NewFS(root)
	published := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	path, err := s.SaveAudio("My Podcast: Extras", "Episode #1 / Pilot", &published, ".mp3", strings.NewReader("audio-bytes"))
	require.NoError(t, err)

	want := filepath.Join(root, "audio", "My_Podcast_Extras", "2026-03-14_Episode_#1_Pilot.mp3")
	assert.Equal(t, want, path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(raw))
}

func TestSaveAudioWithoutPublishDateUsesEpoch(t *testing.T) {
	s := NewFS(t.TempDir())
	path, err := s.SaveAudio("Show", "Ep", nil, "m4a", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Contains(t, path, "1970-01-01_Ep.m4a")
}

func TestSaveAudioFileMovesTempIntoPlace(t *testing.T) {
	root := t.TempDir()
	s := NewFS(root)
	tmp := filepath.Join(t.TempDir(), "download.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("payload"), 0o644))

	path, err := s.SaveAudioFile("Show", "Ep", nil, ".mp3", tmp)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(raw))
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err), "temp file is consumed")
}

func TestSaveTranscriptNoPartialFiles(t *testing.T) {
	root := t.TempDir()
	s := NewFS(root)
	path, err := s.SaveTranscript("Show", "Ep", nil, "# Ep\n")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".md"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp files")
}

func TestOpenAudio(t *testing.T) {
	s := NewFS(t.TempDir())
	path, err := s.SaveAudio("Show", "Ep", nil, ".mp3", strings.NewReader("12345"))
	require.NoError(t, err)

	f, size, err := s.OpenAudio(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(5), size)

	_, _, err = s.OpenAudio(filepath.Join(s.Root, "missing.mp3"))
	assert.Error(t, err)
}

func TestRenderMarkdown(t *testing.T) {
	tr := domain.Transcript{
		Language:     "en",
		LanguageProb: 0.98,
		Segments: []domain.Segment{
			{Start: 12 * time.Second, End: 15 * time.Second, Text: " Hello there. "},
			{Start: 63 * time.Second, End: 70 * time.Second, Text: "Second segment."},
			{Start: 80 * time.Second, End: 81 * time.Second, Text: "   "},
		},
	}
	md := RenderMarkdown("Pilot", tr)
	assert.True(t, strings.HasPrefix(md, "# Pilot\n\n"))
	assert.Contains(t, md, "*Language: en (98% confidence)*")
	assert.Contains(t, md, "**[00:12]** Hello there.")
	assert.Contains(t, md, "**[01:03]** Second segment.")
	assert.NotContains(t, md, "[01:20]", "blank segments are dropped")
}

func TestRenderMarkdownOmitsUnknownLanguage(t *testing.T) {
	md := RenderMarkdown("Ep", domain.Transcript{Segments: []domain.Segment{{Text: "hi"}}})
	assert.NotContains(t, md, "Language:")
}

func TestParseMarkdownRoundTrip(t *testing.T) {
	tr := domain.Transcript{
		Language:     "en",
		LanguageProb: 0.9,
		Segments: []domain.Segment{
			{Start: 0, Text: "First."},
			{Start: 2 * time.Hour, Text: "Way later."},
		},
	}
	md := RenderMarkdown("Long Episode", tr)

	doc, err := ParseMarkdown(strings.NewReader(md))
	require.NoError(t, err)
	assert.Equal(t, "Long Episode", doc.Title)
	require.Len(t, doc.Lines, 2)
	assert.Equal(t, "00:00", doc.Lines[0].Timecode)
	assert.Equal(t, "First.", doc.Lines[0].Text)
	assert.Equal(t, "02:00:00", doc.Lines[1].Timecode)
}

func TestParseMarkdownSkipsGarbage(t *testing.T) {
	doc, err := ParseMarkdown(strings.NewReader("random\n**[bad line\n# Title\nplain text\n"))
	require.NoError(t, err)
	assert.Equal(t, "Title", doc.Title)
	assert.Empty(t, doc.Lines)
}
