// Package speech adapts speech-to-text and text-to-speech providers.
// Both are optional: each is probed once and may be unavailable on its own.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/comigor/supportdesk/internal/capability"
	"github.com/comigor/supportdesk/internal/config"
	"github.com/comigor/supportdesk/internal/logger"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// ErrEmptyAudio is returned for uploads without content.
var ErrEmptyAudio = errors.New("empty audio")

// Client is the subset of openai.Client used for speech.
type Client interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
	CreateSpeech(ctx context.Context, req openai.CreateSpeechRequest) (openai.RawResponse, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Synthesizer renders text to an audio file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// Service bundles the probed speech capabilities.
type Service struct {
	STT capability.Descriptor[Transcriber]
	TTS capability.Descriptor[Synthesizer]
}

// Probe decides once which speech features can be used.
func Probe(cfg config.SpeechConfig) *Service {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return probe(cfg, openai.NewClientWithConfig(c))
}

func probe(cfg config.SpeechConfig, client Client) *Service {
	svc := &Service{}
	switch {
	case !cfg.Enabled:
		svc.STT = capability.Unavailable[Transcriber]("speech disabled")
		svc.TTS = capability.Unavailable[Synthesizer]("speech disabled")
	case cfg.APIKey == "" && cfg.BaseURL == "":
		svc.STT = capability.Unavailable[Transcriber]("speech requires an api key or base url")
		svc.TTS = capability.Unavailable[Synthesizer]("speech requires an api key or base url")
	default:
		svc.STT = capability.Available[Transcriber](&WhisperTranscriber{client: client, model: cfg.STTModel})
		if err := os.MkdirAll(cfg.AudioDir, 0o755); err != nil {
			svc.TTS = capability.Unavailable[Synthesizer](fmt.Sprintf("audio dir unusable: %v", err))
		} else {
			svc.TTS = capability.Available[Synthesizer](&FileSynthesizer{
				client: client,
				model:  cfg.TTSModel,
				voice:  cfg.Voice,
				dir:    cfg.AudioDir,
			})
		}
	}

	if !svc.STT.Available() {
		logger.L.Warn("speech-to-text unavailable", "reason", svc.STT.Reason())
	}
	if !svc.TTS.Available() {
		logger.L.Warn("text-to-speech unavailable", "reason", svc.TTS.Reason())
	}
	return svc
}

// WhisperTranscriber transcribes through the audio transcription endpoint.
type WhisperTranscriber struct {
	client Client
	model  string
}

// NewWhisperTranscriber creates a transcriber using model (whisper-1 when empty).
func NewWhisperTranscriber(client Client, model string) *WhisperTranscriber {
	return &WhisperTranscriber{client: client, model: model}
}

// Transcribe implements Transcriber. The file name extension tells the provider the format.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || filepath.Ext(name) == "" {
		name = "audio.wav"
	}
	model := t.model
	if model == "" {
		model = openai.Whisper1
	}

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: name,
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// FileSynthesizer writes synthesized speech as WAV files into a directory.
type FileSynthesizer struct {
	client Client
	model  string
	voice  string
	dir    string
}

// NewFileSynthesizer creates a synthesizer writing into dir.
func NewFileSynthesizer(client Client, model, voice, dir string) *FileSynthesizer {
	return &FileSynthesizer{client: client, model: model, voice: voice, dir: dir}
}

// Synthesize implements Synthesizer.
func (s *FileSynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	model := openai.SpeechModel(s.model)
	if model == "" {
		model = openai.TTSModel1
	}
	voice := openai.SpeechVoice(s.voice)
	if voice == "" {
		voice = openai.VoiceAlloy
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Close()

	path := filepath.Join(s.dir, uuid.NewString()+".wav")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create wav: %w", err)
	}
	if _, err := io.Copy(f, resp); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
