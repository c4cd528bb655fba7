// Package stt provides Transcriber implementations.
package stt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/pkg/textx"
)

// Whisper shells out to whisper-cli for transcription. The model file is
// checked lazily on first use; a mutex serializes runs because the model
// saturates the machine anyway.
type Whisper struct {
	Bin   string
	Model string

	initOnce sync.Once
	initErr  error
	mu       sync.Mutex
}

// NewWhisper constructs a Whisper transcriber.
func NewWhisper(bin, model string) *Whisper {
	return &Whisper{Bin: bin, Model: model}
}

func (w *Whisper) init() error {
	w.initOnce.Do(func() {
		if w.Bin == "" {
			w.initErr = fmt.Errorf("op=stt.init: whisper binary not configured: %w", domain.ErrNotReady)
			return
		}
		if _, err := exec.LookPath(w.Bin); err != nil {
			w.initErr = fmt.Errorf("op=stt.init: %w: %w", err, domain.ErrNotReady)
			return
		}
		if w.Model != "" {
			if _, err := os.Stat(w.Model); err != nil {
				w.initErr = fmt.Errorf("op=stt.init: model %s: %w: %w", w.Model, err, domain.ErrNotReady)
				return
			}
		}
	})
	return w.initErr
}

// progressRe matches whisper-cli progress lines on stderr, e.g.
// "whisper_print_progress_callback: progress =  35%".
var progressRe = regexp.MustCompile(`progress\s*=\s*(\d+)%`)

// whisperOutput mirrors the JSON file whisper-cli writes with -oj.
type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// Transcribe runs whisper-cli over audioPath and parses its JSON output.
// Progress callbacks are driven by the tool's stderr progress lines.
func (w *Whisper) Transcribe(ctx domain.Context, audioPath string, progress func(percent int)) (domain.Transcript, error) {
	if err := w.init(); err != nil {
		return domain.Transcript{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	outDir, err := os.MkdirTemp("", "podscribe-stt-*")
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("op=stt.transcribe: %w", err)
	}
	defer func() { _ = os.RemoveAll(outDir) }()
	outBase := filepath.Join(outDir, "out")

	args := []string{"-f", audioPath, "-oj", "-of", outBase, "-pp"}
	if w.Model != "" {
		args = append(args, "-m", w.Model)
	}
	cmd := exec.CommandContext(ctx, w.Bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("op=stt.transcribe: %w", err)
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.Transcript{}, fmt.Errorf("op=stt.transcribe: %w", err)
	}

	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if progress == nil {
			continue
		}
		if m := progressRe.FindStringSubmatch(sc.Text()); m != nil {
			var pct int
			fmt.Sscanf(m[1], "%d", &pct)
			progress(pct)
		}
	}
	if err := cmd.Wait(); err != nil {
		return domain.Transcript{}, fmt.Errorf("op=stt.transcribe: %w", err)
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("op=stt.transcribe: read output: %w", err)
	}
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.Transcript{}, fmt.Errorf("op=stt.transcribe: parse output: %w", err)
	}

	t := domain.Transcript{
		Language: out.Result.Language,
		Model:    filepath.Base(w.Model),
	}
	if t.Language != "" {
		// whisper-cli does not report a confidence; treat a detected
		// language as high confidence for the transcript header.
		t.LanguageProb = 0.99
	}
	for _, seg := range out.Transcription {
		text := textx.SanitizeText(seg.Text)
		if text == "" {
			continue
		}
		t.Segments = append(t.Segments, domain.Segment{
			Start: time.Duration(seg.Offsets.From) * time.Millisecond,
			End:   time.Duration(seg.Offsets.To) * time.Millisecond,
			Text:  text,
		})
	}
	slog.Info("transcription finished",
		slog.String("audio", filepath.Base(audioPath)),
		slog.Int("segments", len(t.Segments)),
		slog.Duration("took", time.Since(start)))
	return t, nil
}

// Backend reports the engine identifier sent with node heartbeats.
func (w *Whisper) Backend() string { return "whisper.cpp" }

// ModelName reports the configured model file name.
func (w *Whisper) ModelName() string {
	if w.Model == "" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(w.Model), filepath.Ext(w.Model))
}
