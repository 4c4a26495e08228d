package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"whisperingest/media"
	"whisperingest/models"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	log "github.com/sirupsen/logrus"
)

const defaultOpenAIModel = "whisper-1"

// OpenAIConfig параметры удалённого Whisper
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIWhisper удалённый Whisper через OpenAI Audio API
type OpenAIWhisper struct {
	client openai.Client
	model  string
}

var _ Engine = (*OpenAIWhisper)(nil)

// NewOpenAIWhisper создаёт клиента OpenAI
func NewOpenAIWhisper(cfg OpenAIConfig) (*OpenAIWhisper, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("openai api key is required")
	}

	requestOpts := make([]option.RequestOption, 0, 2)
	if cfg.BaseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		requestOpts = append(requestOpts, option.WithAPIKey(cfg.APIKey))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIWhisper{
		client: openai.NewClient(requestOpts...),
		model:  model,
	}, nil
}

func (w *OpenAIWhisper) Name() string { return "openai-" + w.model }

// verboseTranscription ответ в формате verbose_json
type verboseTranscription struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe отправляет окно как WAV и возвращает сегменты ответа
func (w *OpenAIWhisper) Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error) {
	code, ok := LanguageCode(opts.Language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", opts.Language)
	}

	file, err := writeTempWAV(samples)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
		_ = os.Remove(file.Name())
	}()

	duration := float64(len(samples)) / media.SampleRate

	if opts.Task == TaskTranslate {
		response, err := w.client.Audio.Translations.New(ctx, openai.AudioTranslationNewParams{
			File:  file,
			Model: openai.AudioModel(w.model),
		})
		if err != nil {
			return nil, fmt.Errorf("openai translation failed: %w", err)
		}
		return singleSegment(response.Text, duration), nil
	}

	params := openai.AudioTranscriptionNewParams{
		File:           file,
		Model:          openai.AudioModel(w.model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	if code != "" {
		params.Language = param.NewOpt(code)
	}

	response, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai transcription failed: %w", err)
	}
	if response == nil {
		return nil, errors.New("audio transcriptions API returned nil response")
	}

	var verbose verboseTranscription
	if raw := response.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &verbose); err != nil {
			log.Printf("OpenAIWhisper: failed to parse verbose response: %v", err)
		}
	}
	if len(verbose.Segments) == 0 {
		return singleSegment(response.Text, duration), nil
	}

	segments := make([]Segment, 0, len(verbose.Segments))
	for _, seg := range verbose.Segments {
		segments = append(segments, Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
	}
	return segments, nil
}

func (w *OpenAIWhisper) Close() {}

func singleSegment(text string, duration float64) []Segment {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []Segment{{Start: 0, End: duration, Text: " " + text}}
}

// writeTempWAV сохраняет окно во временный WAV; API принимает только файлы
func writeTempWAV(samples []float32) (*os.File, error) {
	file, err := os.CreateTemp("", "whisperingest-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	buf := &media.Buffer{SampleRate: media.SampleRate, Channels: [][]float32{samples}}
	if _, err := file.Write(media.EncodeWAV(buf)); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, err
	}
	return file, nil
}

// OpenAILoader создаёт OpenAIWhisper. Файлы модели не нужны,
// поэтому прогресс загрузки не сообщается.
type OpenAILoader struct {
	Config OpenAIConfig
}

func (l *OpenAILoader) LoadEngine(ctx context.Context, a models.Artifacts, onFile models.FileProgressFunc) (Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Printf("OpenAIWhisper: serving %s with remote model %s", a.Variant.ID, l.Config.Model)
	return NewOpenAIWhisper(l.Config)
}
