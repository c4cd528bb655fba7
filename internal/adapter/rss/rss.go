// Package rss fetches and parses podcast feeds.
package rss

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/pkg/textx"
)

// audioExts recognizes enclosure urls whose MIME type is missing or wrong.
var audioExts = []string{".mp3", ".m4a", ".wav", ".ogg", ".opus", ".aac", ".flac"}

// Source is a FeedSource backed by gofeed over plain HTTP.
type Source struct {
	Client *http.Client
}

// NewSource constructs a Source with the given client timeout.
func NewSource(timeout time.Duration) *Source {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Feed %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Source{Client: &http.Client{Timeout: timeout, Transport: transport}}
}

// Fetch downloads and parses the feed at url. Transient HTTP failures are
// retried with exponential backoff for up to 30 seconds.
func (s *Source) Fetch(ctx domain.Context, url string) (domain.FeedInfo, error) {
	var feed *gofeed.Feed
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "podscribe/1.0")
		resp, err := s.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("feed fetch: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("feed fetch: status %d", resp.StatusCode))
		}
		feed, err = gofeed.NewParser().Parse(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(30*time.Second)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return domain.FeedInfo{}, fmt.Errorf("op=rss.fetch url=%s: %w", url, err)
	}
	return toFeedInfo(feed), nil
}

func toFeedInfo(feed *gofeed.Feed) domain.FeedInfo {
	info := domain.FeedInfo{
		Title:       strings.TrimSpace(feed.Title),
		Description: strings.TrimSpace(feed.Description),
	}
	if feed.Image != nil {
		info.Image = feed.Image.URL
	}
	if feed.ITunesExt != nil {
		if info.Image == "" && feed.ITunesExt.Image != "" {
			info.Image = feed.ITunesExt.Image
		}
		info.Author = strings.TrimSpace(feed.ITunesExt.Author)
	}
	if info.Author == "" && len(feed.Authors) > 0 {
		info.Author = strings.TrimSpace(feed.Authors[0].Name)
	}
	for _, item := range feed.Items {
		seed, ok := toSeed(item)
		if !ok {
			continue
		}
		info.Episodes = append(info.Episodes, seed)
	}
	// Newest first regardless of document order.
	for i := 1; i < len(info.Episodes); i++ {
		for j := i; j > 0 && newer(info.Episodes[j], info.Episodes[j-1]); j-- {
			info.Episodes[j], info.Episodes[j-1] = info.Episodes[j-1], info.Episodes[j]
		}
	}
	return info
}

func newer(a, b domain.EpisodeSeed) bool {
	if a.PublishedAt == nil || b.PublishedAt == nil {
		return false
	}
	return a.PublishedAt.After(*b.PublishedAt)
}

// toSeed extracts one playable item. Items without any audio enclosure are
// skipped; items without a guid fall back to the audio url as identity.
func toSeed(item *gofeed.Item) (domain.EpisodeSeed, bool) {
	audioURL := pickEnclosure(item)
	if audioURL == "" {
		return domain.EpisodeSeed{}, false
	}
	seed := domain.EpisodeSeed{
		GUID:     strings.TrimSpace(item.GUID),
		Title:    strings.TrimSpace(item.Title),
		AudioURL: audioURL,
	}
	if seed.GUID == "" {
		seed.GUID = audioURL
	}
	if seed.Title == "" {
		seed.Title = "Untitled episode"
	}
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		seed.PublishedAt = &t
	}
	if item.ITunesExt != nil {
		seed.DurationSeconds = textx.ParseDuration(item.ITunesExt.Duration)
	}
	return seed, true
}

func pickEnclosure(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.HasPrefix(enc.Type, "audio/") {
			return enc.URL
		}
	}
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		lower := strings.ToLower(enc.URL)
		for _, ext := range audioExts {
			if strings.Contains(lower, ext) {
				return enc.URL
			}
		}
	}
	return ""
}
