package audio

import (
	"context"
	"fmt"
	"time"
)

// CollaboratorTimeout bounds every STT/TTS network call per §5 ("STT/TTS
// 30 s (fails with typed error, session otherwise healthy)").
const CollaboratorTimeout = 30 * time.Second

// TimeoutSTT wraps an STT provider client with the collaborator timeout,
// so a slow or hung provider can't stall a session.execute turn
// indefinitely.
type TimeoutSTT struct {
	Provider STT
}

func (t TimeoutSTT) Transcribe(ctx context.Context, audioBase64, format string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CollaboratorTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := t.Provider.Transcribe(ctx, audioBase64, format)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("audio: stt collaborator timed out after %s", CollaboratorTimeout)
	}
}

// TimeoutTTS wraps a TTS provider client the same way.
type TimeoutTTS struct {
	Provider TTS
}

func (t TimeoutTTS) Synthesize(ctx context.Context, text string) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, CollaboratorTimeout)
	defer cancel()

	type result struct {
		audio    string
		duration float64
		err      error
	}
	done := make(chan result, 1)
	go func() {
		audio, duration, err := t.Provider.Synthesize(ctx, text)
		done <- result{audio, duration, err}
	}()

	select {
	case r := <-done:
		return r.audio, r.duration, r.err
	case <-ctx.Done():
		return "", 0, fmt.Errorf("audio: tts collaborator timed out after %s", CollaboratorTimeout)
	}
}
