// Package agent implements the remote transcription worker that pulls jobs
// from a podscribe server over HTTP.
package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// HeaderAPIKey matches the server's node auth header.
const HeaderAPIKey = "X-Transcriber-Key"

// Client speaks the node protocol. All calls carry the api key issued at
// registration; transient failures retry with exponential backoff.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Upload  *http.Client
}

// NewClient constructs a Client against baseURL.
func NewClient(baseURL, apiKey string, timeout, uploadTimeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
		Upload:  &http.Client{Timeout: uploadTimeout},
	}
}

// apiErr carries the HTTP status so callers can distinguish protocol
// outcomes (409 lost claim race, 403 foreign job) from transport failures.
type apiErr struct {
	Status int
	Body   string
}

func (e *apiErr) Error() string { return fmt.Sprintf("server returned %d: %s", e.Status, e.Body) }

// IsStatus reports whether err is a server response with the given code.
func IsStatus(err error, code int) bool {
	var ae *apiErr
	return errors.As(err, &ae) && ae.Status == code
}

func (c *Client) do(ctx domain.Context, client *http.Client, method, path string, in, out interface{}) error {
	op := func() error {
		var body io.Reader
		if in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return backoff.Permanent(err)
			}
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.APIKey != "" {
			req.Header.Set(HeaderAPIKey, c.APIKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &apiErr{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(&apiErr{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(err)
			}
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(30*time.Second)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=agent.%s %s: %w", strings.ToLower(method), path, err)
	}
	return nil
}

type registerResp struct {
	NodeID string `json:"node_id"`
	APIKey string `json:"api_key"`
}

// Register obtains a node identity from the server. The client's api key is
// replaced with the issued one.
func (c *Client) Register(ctx domain.Context, name, url, model, backend string) (nodeID string, err error) {
	req := map[string]string{"name": name, "url": url, "model": model, "backend": backend}
	var resp registerResp
	if err := c.do(ctx, c.HTTP, http.MethodPost, "/api/v1/nodes/register", req, &resp); err != nil {
		return "", err
	}
	c.APIKey = resp.APIKey
	return resp.NodeID, nil
}

// Heartbeat reports liveness plus the current engine and model.
func (c *Client) Heartbeat(ctx domain.Context, model, backend string) error {
	return c.do(ctx, c.HTTP, http.MethodPost, "/api/v1/nodes/heartbeat", map[string]string{"model": model, "backend": backend}, nil)
}

// RemoteJob is a claimed job as seen from the agent.
type RemoteJob struct {
	ID           string `json:"job_id"`
	EpisodeID    string `json:"episode_id"`
	EpisodeTitle string `json:"episode_title"`
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"max_attempts"`
	AudioURL     string `json:"audio_url"`
}

type claimResp struct {
	HasJob bool `json:"has_job"`
	RemoteJob
}

// Claim asks for the next transcription job. An empty queue comes back as
// ErrNotFound.
func (c *Client) Claim(ctx domain.Context) (RemoteJob, error) {
	var resp claimResp
	if err := c.do(ctx, c.HTTP, http.MethodPost, "/api/v1/nodes/claim", nil, &resp); err != nil {
		return RemoteJob{}, err
	}
	if !resp.HasJob {
		return RemoteJob{}, domain.ErrNotFound
	}
	return resp.RemoteJob, nil
}

// DownloadAudio streams the job's audio into a temp file and returns its
// path.
func (c *Client) DownloadAudio(ctx domain.Context, job RemoteJob, tempDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+job.AudioURL, nil)
	if err != nil {
		return "", fmt.Errorf("op=agent.download: %w", err)
	}
	req.Header.Set(HeaderAPIKey, c.APIKey)
	resp, err := c.Upload.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=agent.download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("op=agent.download: %w", &apiErr{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
	}
	tmp, err := os.CreateTemp(tempDir, "podscribe-agent-*")
	if err != nil {
		return "", fmt.Errorf("op=agent.download: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("op=agent.download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("op=agent.download: %w", err)
	}
	return tmp.Name(), nil
}

// Progress reports transcription progress on a claimed job.
func (c *Client) Progress(ctx domain.Context, jobID string, percent int) error {
	return c.do(ctx, c.HTTP, http.MethodPost, "/api/v1/nodes/jobs/"+jobID+"/progress", map[string]int{"progress_percent": percent}, nil)
}

type segmentPayload struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

type completePayload struct {
	Language     string           `json:"language"`
	LanguageProb float64          `json:"language_prob"`
	Model        string           `json:"model"`
	Segments     []segmentPayload `json:"segments"`
}

// Complete uploads the finished transcript.
func (c *Client) Complete(ctx domain.Context, jobID string, t domain.Transcript) error {
	payload := completePayload{Language: t.Language, LanguageProb: t.LanguageProb, Model: t.Model}
	for _, s := range t.Segments {
		payload.Segments = append(payload.Segments, segmentPayload{
			StartMS: s.Start.Milliseconds(),
			EndMS:   s.End.Milliseconds(),
			Text:    s.Text,
		})
	}
	return c.do(ctx, c.Upload, http.MethodPost, "/api/v1/nodes/jobs/"+jobID+"/complete", payload, nil)
}

// Fail reports a failed run; retry asks the server to requeue under backoff.
func (c *Client) Fail(ctx domain.Context, jobID, errMsg string, retry bool) error {
	return c.do(ctx, c.HTTP, http.MethodPost, "/api/v1/nodes/jobs/"+jobID+"/fail", map[string]interface{}{"error": errMsg, "retry": retry}, nil)
}

// Release hands a claimed job back, used on graceful shutdown.
func (c *Client) Release(ctx domain.Context, jobID string) error {
	return c.do(ctx, c.HTTP, http.MethodPost, "/api/v1/nodes/jobs/"+jobID+"/release", nil, nil)
}
