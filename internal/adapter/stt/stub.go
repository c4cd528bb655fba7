package stt

import (
	"time"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Stub is a Transcriber for dev and test runs without a whisper install. It
// returns a fixed transcript after reporting staged progress.
type Stub struct {
	Result domain.Transcript
	Err    error
}

// NewStub constructs a Stub with a single placeholder segment.
func NewStub() *Stub {
	return &Stub{Result: domain.Transcript{
		Language:     "en",
		LanguageProb: 1,
		Model:        "stub",
		Segments: []domain.Segment{
			{Start: 0, End: 2 * time.Second, Text: "Transcription is not configured on this instance."},
		},
	}}
}

func (s *Stub) Transcribe(ctx domain.Context, _ string, progress func(percent int)) (domain.Transcript, error) {
	if s.Err != nil {
		return domain.Transcript{}, s.Err
	}
	if progress != nil {
		for _, pct := range []int{25, 50, 75, 100} {
			select {
			case <-ctx.Done():
				return domain.Transcript{}, ctx.Err()
			default:
			}
			progress(pct)
		}
	}
	return s.Result, nil
}
