// Package media декодирует, кодирует и исправляет аудио контейнеры
package media

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// SampleRate целевая частота дискретизации для всех декодированных буферов
const SampleRate = 16000

// Buffer декодированное аудио: отдельный массив сэмплов на каждый канал
type Buffer struct {
	SampleRate int         `json:"sampleRate"`
	Channels   [][]float32 `json:"-"`
}

// NumberOfChannels возвращает количество каналов
func (b *Buffer) NumberOfChannels() int {
	return len(b.Channels)
}

// Length возвращает количество сэмплов в одном канале
func (b *Buffer) Length() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration возвращает длительность буфера
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Length()) * time.Second / time.Duration(b.SampleRate)
}

// Mono сводит каналы в один. Стерео сводится с коэффициентом 1/sqrt(2).
func (b *Buffer) Mono() []float32 {
	switch len(b.Channels) {
	case 0:
		return nil
	case 1:
		out := make([]float32, len(b.Channels[0]))
		copy(out, b.Channels[0])
		return out
	}

	n := b.Length()
	out := make([]float32, n)
	scale := float32(1.0 / float64(len(b.Channels)))
	if len(b.Channels) == 2 {
		scale = 0.70710678
	}
	for _, ch := range b.Channels {
		for i := 0; i < n && i < len(ch); i++ {
			out[i] += ch[i]
		}
	}
	for i := range out {
		out[i] *= scale
	}
	return out
}

// Level возвращает RMS уровень сэмплов в диапазоне [0, 1]
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s)
	}
	rms := floats.Norm(x, 2) / math.Sqrt(float64(len(x)))
	if rms > 1 {
		return 1
	}
	return rms
}

// resampleLinear выполняет линейную интерполяцию для ресемплинга
func resampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	newLen := int(float64(len(samples)) / ratio)
	resampled := make([]float32, newLen)

	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		if srcIdx+1 < len(samples) {
			resampled[i] = samples[srcIdx]*(1-frac) + samples[srcIdx+1]*frac
		} else if srcIdx < len(samples) {
			resampled[i] = samples[srcIdx]
		}
	}

	return resampled
}

// Resample приводит все каналы буфера к частоте rate
func (b *Buffer) Resample(rate int) *Buffer {
	if b.SampleRate == rate {
		return b
	}
	out := &Buffer{SampleRate: rate, Channels: make([][]float32, len(b.Channels))}
	for i, ch := range b.Channels {
		out.Channels[i] = resampleLinear(ch, b.SampleRate, rate)
	}
	return out
}

// deinterleave разбивает чередующиеся сэмплы на каналы
func deinterleave(samples []float32, channels int) [][]float32 {
	if channels <= 1 {
		return [][]float32{samples}
	}
	frames := len(samples) / channels
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out[ch][i] = samples[i*channels+ch]
		}
	}
	return out
}

// interleave объединяет каналы в чередующийся поток
func interleave(channels [][]float32) []float32 {
	if len(channels) == 1 {
		return channels[0]
	}
	n := 0
	if len(channels) > 0 {
		n = len(channels[0])
	}
	out := make([]float32, 0, n*len(channels))
	for i := 0; i < n; i++ {
		for _, ch := range channels {
			out = append(out, ch[i])
		}
	}
	return out
}
