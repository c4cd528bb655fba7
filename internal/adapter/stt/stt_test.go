package stt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

func TestWhisperNotReadyWithoutBinary(t *testing.T) {
	w := NewWhisper("", "")
	_, err := w.Transcribe(context.Background(), "audio.mp3", nil)
	assert.ErrorIs(t, err, domain.ErrNotReady)

	// init is sticky; the second call fails the same way.
	_, err = w.Transcribe(context.Background(), "audio.mp3", nil)
	assert.ErrorIs(t, err, domain.ErrNotReady)
}

func TestWhisperNotReadyWithMissingModel(t *testing.T) {
	// "true" exists on any PATH; the model file does not.
	w := NewWhisper("true", "/nonexistent/ggml-large-v3.bin")
	_, err := w.Transcribe(context.Background(), "audio.mp3", nil)
	assert.ErrorIs(t, err, domain.ErrNotReady)
}

func TestWhisperModelName(t *testing.T) {
	assert.Equal(t, "ggml-large-v3", NewWhisper("whisper-cli", "/models/ggml-large-v3.bin").ModelName())
	assert.Equal(t, "", NewWhisper("whisper-cli", "").ModelName())
	assert.Equal(t, "whisper.cpp", NewWhisper("whisper-cli", "").Backend())
}

func TestProgressLineMatching(t *testing.T) {
	m := progressRe.FindStringSubmatch("whisper_print_progress_callback: progress =  35%")
	require.NotNil(t, m)
	assert.Equal(t, "35", m[1])

	assert.Nil(t, progressRe.FindStringSubmatch("whisper_init_from_file_with_params_no_state: loading model"))
}

func TestStubReportsStagedProgress(t *testing.T) {
	var seen []int
	tr, err := NewStub().Transcribe(context.Background(), "audio.mp3", func(pct int) { seen = append(seen, pct) })
	require.NoError(t, err)
	assert.Equal(t, []int{25, 50, 75, 100}, seen)
	require.Len(t, tr.Segments, 1)
	assert.Equal(t, "en", tr.Language)
}

func TestStubHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStub().Transcribe(ctx, "audio.mp3", func(int) {})
	assert.ErrorIs(t, err, context.Canceled)
}
