// Package ai предоставляет движки распознавания речи для воркера
package ai

import (
	"context"
	"strings"

	"whisperingest/media"
	"whisperingest/models"
)

// Task режим Whisper
const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// Segment фрагмент распознанного текста, время в секундах
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// Options параметры одного вызова. Language и Task учитываются только
// многоязычными моделями.
type Options struct {
	Language string
	Task     string
}

// Engine интерфейс движка транскрипции.
// samples - 16 kHz mono float32.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error)

	// Name возвращает имя движка (для логирования)
	Name() string

	// Close освобождает ресурсы движка
	Close()
}

// Loader готовит движок для сборки модели, скачивая файлы при необходимости
type Loader interface {
	LoadEngine(ctx context.Context, a models.Artifacts, onFile models.FileProgressFunc) (Engine, error)
}

// EngineType тип движка транскрипции
type EngineType string

const (
	// EngineTypeSherpa - локальный Whisper через sherpa-onnx
	EngineTypeSherpa EngineType = "sherpa"
	// EngineTypeOpenAI - удалённый Whisper через OpenAI API
	EngineTypeOpenAI EngineType = "openai"
)

// SecondsPerWindow длина окна, которое движок обрабатывает за раз
const SecondsPerWindow = 30

// WindowSize длина окна в сэмплах
const WindowSize = SecondsPerWindow * media.SampleRate

// Windows режет сигнал на окна WindowSize. Последнее окно может быть короче.
func Windows(samples []float32) [][]float32 {
	var out [][]float32
	for start := 0; start < len(samples); start += WindowSize {
		end := start + WindowSize
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, samples[start:end])
	}
	return out
}

// OffsetSegments сдвигает таймстемпы сегментов окна на его начало
func OffsetSegments(segments []Segment, offset float64) []Segment {
	out := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimRightFunc(seg.Text, func(r rune) bool { return r == '\n' })
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, Segment{Start: seg.Start + offset, End: seg.End + offset, Text: text})
	}
	return out
}
