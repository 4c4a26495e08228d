package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"whisperingest/media"
)

// Format формат сэмплов, которые отдаёт устройство
type Format struct {
	SampleRate int
	Channels   int
}

// Stream открытый поток устройства захвата. Data отдаёт чередующиеся float32.
type Stream interface {
	Format() Format
	Data() <-chan []float32
	Close() error
}

// Device устройство захвата. Open блокируется до получения доступа.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Recording итог записи
type Recording struct {
	Data     []byte
	MimeType string
	Duration time.Duration
}

// CompletionFunc получает запись после Finalizing. err != nil если
// контейнер не удалось собрать; тогда rec пустая.
type CompletionFunc func(rec Recording, err error)

// BusyError старт при уже активной сессии
type BusyError struct {
	State State
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("recording session busy: %s", e.State)
}

// DeviceAccessError доступ к микрофону запрещён или устройство недоступно
type DeviceAccessError struct {
	Err error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("device access: %v", e.Err)
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }

var (
	ErrNotRecording      = errors.New("recording session is not recording")
	ErrNoSupportedFormat = errors.New("no supported recording format")
)

// EncoderFactory создаёт кодировщик, пишущий фрагменты в w
type EncoderFactory func(w io.Writer, f Format) (media.Encoder, error)

// PreferredMimeTypes порядок выбора формата записи
var PreferredMimeTypes = []string{
	media.MimeWebM,
	media.MimeMP4,
	media.MimeOgg,
	media.MimeWAV,
	media.MimeAAC,
}

// DefaultEncoders форматы, которые умеет писать этот пакет
func DefaultEncoders() map[string]EncoderFactory {
	return map[string]EncoderFactory{
		media.MimeWebM: func(w io.Writer, f Format) (media.Encoder, error) {
			return media.NewWebMEncoder(w, f.SampleRate, f.Channels)
		},
		media.MimeWAV: func(w io.Writer, f Format) (media.Encoder, error) {
			return media.NewWAVEncoder(w, f.SampleRate, f.Channels)
		},
	}
}

// SelectMimeType возвращает первый поддерживаемый тип из PreferredMimeTypes
func SelectMimeType(supported func(mimeType string) bool) (string, bool) {
	for _, t := range PreferredMimeTypes {
		if supported(t) {
			return t, true
		}
	}
	return "", false
}

// chunkSink собирает фрагменты, которые выдаёт кодировщик
type chunkSink struct {
	chunks [][]byte
}

func (c *chunkSink) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	c.chunks = append(c.chunks, chunk)
	return len(p), nil
}

func (c *chunkSink) concat() []byte {
	size := 0
	for _, ch := range c.chunks {
		size += len(ch)
	}
	out := make([]byte, 0, size)
	for _, ch := range c.chunks {
		out = append(out, ch...)
	}
	return out
}
