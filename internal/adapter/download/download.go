// Package download fetches episode audio over HTTP.
package download

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Fetcher is an AudioFetcher that streams the response body to a temp file
// and sniffs the real content type from the bytes, since podcast CDNs
// routinely lie in Content-Type headers.
type Fetcher struct {
	Client *http.Client
}

// NewFetcher constructs a Fetcher. The timeout bounds the whole download;
// zero means no limit, which suits multi-hundred-megabyte episodes.
func NewFetcher(timeout time.Duration) *Fetcher {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Audio %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Fetcher{Client: &http.Client{Timeout: timeout, Transport: transport}}
}

// Fetch downloads url into a temp file under tempDir and returns its path and
// detected extension. Transient failures (5xx, network errors) are retried
// with exponential backoff for up to a minute; 4xx responses fail immediately.
func (f *Fetcher) Fetch(ctx domain.Context, url, tempDir string) (string, string, error) {
	var tempPath, ext string
	op := func() error {
		p, e, err := f.fetchOnce(ctx, url, tempDir)
		if err != nil {
			return err
		}
		tempPath, ext = p, e
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(time.Minute)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", "", fmt.Errorf("op=download.fetch url=%s: %w", url, err)
	}
	return tempPath, ext, nil
}

func (f *Fetcher) fetchOnce(ctx domain.Context, url, tempDir string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", "podscribe/1.0")
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", "", fmt.Errorf("download: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", backoff.Permanent(fmt.Errorf("download: status %d", resp.StatusCode))
	}

	tmp, err := os.CreateTemp(tempDir, "podscribe-audio-*")
	if err != nil {
		return "", "", backoff.Permanent(err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", backoff.Permanent(err)
	}

	ext, err := detectExt(tmp.Name(), url)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", backoff.Permanent(err)
	}
	return tmp.Name(), ext, nil
}

// detectExt sniffs the file's magic bytes, falling back to the url's
// extension and finally ".mp3".
func detectExt(path, url string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	if ext := mt.Extension(); ext != "" && ext != ".txt" && ext != ".bin" {
		return ext, nil
	}
	lower := strings.ToLower(url)
	for _, ext := range []string{".mp3", ".m4a", ".wav", ".ogg", ".opus", ".aac", ".flac"} {
		if strings.Contains(lower, ext) {
			return ext, nil
		}
	}
	return ".mp3", nil
}
