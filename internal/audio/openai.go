package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	sttModel       = "whisper-1"
	ttsModel       = "tts-1"
	ttsVoice       = "alloy"
	wordsPerMinute = 150.0
)

// OpenAISTT and OpenAITTS are the concrete STT_PROVIDER=openai /
// TTS_PROVIDER=openai collaborators session.Session calls through
// TimeoutSTT/TimeoutTTS. Audio travels as base64 on the wire (§6), so both
// sides of the client do the base64<->bytes conversion at their boundary.
type OpenAISTT struct {
	client openai.Client
}

func NewOpenAISTT(apiKey string) OpenAISTT {
	return OpenAISTT{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

// Transcribe decodes audioBase64 and sends it to the Whisper transcription
// endpoint, defaulting to wav framing when format is unset.
func (o OpenAISTT) Transcribe(ctx context.Context, audioBase64, format string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return "", fmt.Errorf("audio: decode base64 clip: %w", err)
	}
	if format == "" {
		format = "wav"
	}
	resp, err := o.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: sttModel,
		File:  openai.File(bytes.NewReader(raw), "clip."+format, "audio/"+format),
	})
	if err != nil {
		return "", fmt.Errorf("audio: openai transcription: %w", err)
	}
	return resp.Text, nil
}

type OpenAITTS struct {
	client openai.Client
}

func NewOpenAITTS(apiKey string) OpenAITTS {
	return OpenAITTS{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

// Synthesize requests spoken audio for text and returns it base64-encoded
// alongside an estimated duration; the TTS API itself reports no duration,
// so it's approximated from word count at a conversational pace.
func (o OpenAITTS) Synthesize(ctx context.Context, text string) (string, float64, error) {
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model: ttsModel,
		Voice: ttsVoice,
		Input: text,
	})
	if err != nil {
		return "", 0, fmt.Errorf("audio: openai speech synthesis: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("audio: read synthesized clip: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), estimateDuration(text), nil
}

func estimateDuration(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return float64(words) / wordsPerMinute * 60
}
