package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Tech Talks</title>
    <description>A show about tech.</description>
    <itunes:author>Jane Host</itunes:author>
    <item>
      <title>Older Episode</title>
      <guid>ep-1</guid>
      <pubDate>Mon, 02 Jan 2023 10:00:00 GMT</pubDate>
      <itunes:duration>30:00</itunes:duration>
      <enclosure url="https://cdn.example.com/ep1.mp3" type="audio/mpeg" length="1000"/>
    </item>
    <item>
      <title>Newest Episode</title>
      <guid>ep-2</guid>
      <pubDate>Mon, 09 Jan 2023 10:00:00 GMT</pubDate>
      <itunes:duration>1:02:05</itunes:duration>
      <enclosure url="https://cdn.example.com/ep2.m4a" type="application/octet-stream" length="1000"/>
    </item>
    <item>
      <title>Video Only</title>
      <guid>ep-3</guid>
      <enclosure url="https://cdn.example.com/ep3.mp4" type="video/mp4" length="1000"/>
    </item>
    <item>
      <title>No GUID</title>
      <enclosure url="https://cdn.example.com/ep4.mp3" type="audio/mpeg" length="1000"/>
    </item>
  </channel>
</rss>`

func TestFetchParsesFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	info, err := NewSource(5*time.Second).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Tech Talks", info.Title)
	assert.Equal(t, "A show about tech.", info.Description)
	assert.Equal(t, "Jane Host", info.Author)

	// Video-only item is skipped; three audio items survive.
	require.Len(t, info.Episodes, 3)

	// Newest first regardless of document order.
	assert.Equal(t, "Newest Episode", info.Episodes[0].Title)
	assert.Equal(t, "ep-2", info.Episodes[0].GUID)
	assert.Equal(t, "https://cdn.example.com/ep2.m4a", info.Episodes[0].AudioURL, "extension fallback when the MIME type lies")
	assert.Equal(t, 3725, info.Episodes[0].DurationSeconds)

	assert.Equal(t, "Older Episode", info.Episodes[1].Title)
	assert.Equal(t, 1800, info.Episodes[1].DurationSeconds)

	// Missing guid falls back to the audio url as identity.
	assert.Equal(t, "https://cdn.example.com/ep4.mp3", info.Episodes[2].GUID)
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	info, err := NewSource(5*time.Second).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Tech Talks", info.Title)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewSource(5*time.Second).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}
