package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	shine "github.com/braheezy/shine-mp3/pkg/mp3"
	"github.com/hajimehoshi/go-mp3"
)

// mp3RenditionRate частота MP3 копии для воспроизведения (MPEG-1 Layer III)
const mp3RenditionRate = 44100

// decodeMP3 декодирует MP3 чистым Go. go-mp3 всегда отдаёт 16-bit стерео.
func decodeMP3(data []byte) (*Buffer, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	pcmData, err := io.ReadAll(decoder)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read PCM data: %w", err)
	}

	numSamples := len(pcmData) / 4
	left := make([]float32, numSamples)
	right := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		left[i] = float32(int16(binary.LittleEndian.Uint16(pcmData[i*4:]))) / 32768.0
		right[i] = float32(int16(binary.LittleEndian.Uint16(pcmData[i*4+2:]))) / 32768.0
	}

	return &Buffer{
		SampleRate: decoder.SampleRate(),
		Channels:   [][]float32{left, right},
	}, nil
}

// EncodeMP3 кодирует буфер в MP3 через shine (без FFmpeg).
// Используется как копия для воспроизведения контейнеров, которые браузер не играет.
func EncodeMP3(buf *Buffer) []byte {
	src := buf.Resample(mp3RenditionRate)
	channels := len(src.Channels)
	if channels > 2 {
		src = &Buffer{SampleRate: src.SampleRate, Channels: [][]float32{src.Mono()}}
		channels = 1
	}
	if channels == 0 {
		return nil
	}

	pcm := interleave(src.Channels)
	samples := make([]int16, 0, len(pcm)+1152*channels)
	for _, s := range pcm {
		samples = append(samples, floatToInt16(s))
	}
	// Shine кодирует блоками по 1152 сэмпла на канал
	blockSize := 1152 * channels
	for len(samples)%blockSize != 0 {
		samples = append(samples, 0)
	}

	var out bytes.Buffer
	encoder := shine.NewEncoder(mp3RenditionRate, channels)
	encoder.Write(&out, samples)
	return out.Bytes()
}
