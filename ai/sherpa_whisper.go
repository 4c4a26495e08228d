package ai

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"whisperingest/media"
	"whisperingest/models"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
	log "github.com/sirupsen/logrus"
)

// SherpaWhisperConfig конфигурация для SherpaWhisper
type SherpaWhisperConfig struct {
	Paths        models.Paths
	Multilingual bool   // Сборка понимает language/task
	NumThreads   int    // Количество потоков
	Provider     string // ONNX provider: cpu, cuda, coreml, auto
	TailPaddings int    // Паддинг декодера, -1 - по умолчанию
}

// detectBestProvider определяет лучший provider для текущей платформы
func detectBestProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// SherpaWhisper локальный Whisper через sherpa-onnx.
// Recognizer пересоздаётся при смене языка или задачи.
type SherpaWhisper struct {
	config     SherpaWhisperConfig
	recognizer *sherpa.OfflineRecognizer
	opts       Options
	mu         sync.Mutex
}

var _ Engine = (*SherpaWhisper)(nil)

// NewSherpaWhisper создаёт движок по файлам скачанной сборки
func NewSherpaWhisper(config SherpaWhisperConfig) (*SherpaWhisper, error) {
	for _, path := range []string{config.Paths.Encoder, config.Paths.Decoder, config.Paths.Tokens} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("model file not found: %s", path)
		}
	}
	if config.NumThreads <= 0 {
		config.NumThreads = 2
	}
	if config.TailPaddings == 0 {
		config.TailPaddings = -1
	}

	w := &SherpaWhisper{config: config}
	if err := w.rebuild(Options{Task: TaskTranscribe}); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SherpaWhisper) recognizerConfig(opts Options, provider string) *sherpa.OfflineRecognizerConfig {
	config := &sherpa.OfflineRecognizerConfig{}
	config.FeatConfig.SampleRate = media.SampleRate
	config.FeatConfig.FeatureDim = 80
	config.ModelConfig.Whisper.Encoder = w.config.Paths.Encoder
	config.ModelConfig.Whisper.Decoder = w.config.Paths.Decoder
	config.ModelConfig.Whisper.TailPaddings = w.config.TailPaddings
	if w.config.Multilingual {
		config.ModelConfig.Whisper.Language = opts.Language
		config.ModelConfig.Whisper.Task = opts.Task
	}
	config.ModelConfig.Tokens = w.config.Paths.Tokens
	config.ModelConfig.NumThreads = w.config.NumThreads
	config.ModelConfig.Provider = provider
	config.ModelConfig.Debug = 0
	config.DecodingMethod = "greedy_search"
	return config
}

// rebuild создаёт recognizer под opts. Вызывается под w.mu.
func (w *SherpaWhisper) rebuild(opts Options) error {
	provider := w.config.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}

	recognizer := sherpa.NewOfflineRecognizer(w.recognizerConfig(opts, provider))
	if recognizer == nil && provider != "cpu" {
		log.Printf("SherpaWhisper: %s provider failed, falling back to CPU", provider)
		provider = "cpu"
		recognizer = sherpa.NewOfflineRecognizer(w.recognizerConfig(opts, provider))
	}
	if recognizer == nil {
		return fmt.Errorf("failed to create sherpa-onnx whisper recognizer")
	}

	if w.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(w.recognizer)
	}
	w.recognizer = recognizer
	w.opts = opts
	w.config.Provider = provider
	log.Printf("SherpaWhisper initialized: provider=%s, encoder=%s, language=%q, task=%s",
		provider, w.config.Paths.Encoder, opts.Language, opts.Task)
	return nil
}

func (w *SherpaWhisper) Name() string { return "sherpa-whisper" }

// Transcribe распознаёт одно окно сигнала (до 30 секунд)
func (w *SherpaWhisper) Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.recognizer == nil {
		return nil, fmt.Errorf("sherpa whisper is closed")
	}

	code, ok := LanguageCode(opts.Language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", opts.Language)
	}
	opts.Language = code
	if opts.Task == "" {
		opts.Task = TaskTranscribe
	}
	if w.config.Multilingual && opts != w.opts {
		if err := w.rebuild(opts); err != nil {
			return nil, err
		}
	}

	stream := sherpa.NewOfflineStream(w.recognizer)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(media.SampleRate, samples)
	w.recognizer.Decode(stream)

	result := stream.GetResult()
	if result == nil {
		return nil, nil
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return nil, nil
	}
	return []Segment{{
		Start: 0,
		End:   float64(len(samples)) / media.SampleRate,
		Text:  " " + text,
	}}, nil
}

// Close освобождает recognizer
func (w *SherpaWhisper) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(w.recognizer)
		w.recognizer = nil
	}
}

// SherpaLoader скачивает сборку через models.Manager и создаёт SherpaWhisper
type SherpaLoader struct {
	Manager    *models.Manager
	NumThreads int
	Provider   string
}

func (l *SherpaLoader) LoadEngine(ctx context.Context, a models.Artifacts, onFile models.FileProgressFunc) (Engine, error) {
	paths, err := l.Manager.Ensure(ctx, a, onFile)
	if err != nil {
		return nil, err
	}
	return NewSherpaWhisper(SherpaWhisperConfig{
		Paths:        paths,
		Multilingual: !strings.HasSuffix(a.Name, ".en"),
		NumThreads:   l.NumThreads,
		Provider:     l.Provider,
	})
}
