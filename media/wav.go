package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE

	// wavStreamingSize размер чанка, который пишут потоковые кодировщики
	// до того как узнают итоговую длину
	wavStreamingSize = 0xFFFFFFFF
)

type wavFormat struct {
	audioFormat   uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

// decodeWAV разбирает RIFF/WAVE с PCM 8/16/24/32 бит или IEEE float 32/64
func decodeWAV(data []byte) (*Buffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var format *wavFormat
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int64(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := int64(body) + size
		if size == wavStreamingSize || end > int64(len(data)) {
			end = int64(len(data))
		}

		switch id {
		case "fmt ":
			if end-int64(body) < 16 {
				return nil, fmt.Errorf("fmt chunk too short")
			}
			chunk := data[body:end]
			format = &wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(chunk[0:2]),
				channels:      int(binary.LittleEndian.Uint16(chunk[2:4])),
				sampleRate:    int(binary.LittleEndian.Uint32(chunk[4:8])),
				bitsPerSample: int(binary.LittleEndian.Uint16(chunk[14:16])),
			}
			// WAVE_FORMAT_EXTENSIBLE: настоящий формат в первых байтах SubFormat GUID
			if format.audioFormat == wavFormatExtensible && len(chunk) >= 26 {
				format.audioFormat = binary.LittleEndian.Uint16(chunk[24:26])
			}
		case "data":
			if format == nil {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			return decodePCM(data[body:end], format)
		}

		// чанки выровнены по 2 байта
		next := end + size%2
		if next <= int64(pos) {
			break
		}
		pos = int(next)
	}
	return nil, fmt.Errorf("no data chunk")
}

func decodePCM(pcm []byte, f *wavFormat) (*Buffer, error) {
	if f.channels <= 0 || f.sampleRate <= 0 {
		return nil, fmt.Errorf("invalid format: %d channels, %d Hz", f.channels, f.sampleRate)
	}
	bytesPerSample := f.bitsPerSample / 8
	if bytesPerSample == 0 {
		return nil, fmt.Errorf("invalid bits per sample: %d", f.bitsPerSample)
	}

	count := len(pcm) / bytesPerSample
	count -= count % f.channels
	samples := make([]float32, count)

	switch {
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 8:
		for i := range samples {
			samples[i] = (float32(pcm[i]) - 128) / 128
		}
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 16:
		for i := range samples {
			samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		}
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 24:
		for i := range samples {
			b := pcm[i*3:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			samples[i] = float32(v) / 8388608.0
		}
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 32:
		for i := range samples {
			samples[i] = float32(float64(int32(binary.LittleEndian.Uint32(pcm[i*4:]))) / 2147483648.0)
		}
	case f.audioFormat == wavFormatFloat && f.bitsPerSample == 32:
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
		}
	case f.audioFormat == wavFormatFloat && f.bitsPerSample == 64:
		for i := range samples {
			samples[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(pcm[i*8:])))
		}
	default:
		return nil, fmt.Errorf("%w: wav format %d with %d bits", ErrUnsupportedCodec, f.audioFormat, f.bitsPerSample)
	}

	return &Buffer{
		SampleRate: f.sampleRate,
		Channels:   deinterleave(samples, f.channels),
	}, nil
}

// writeWAVHeader записывает 44-байтовый заголовок. dataSize == wavStreamingSize
// означает что длина неизвестна.
func writeWAVHeader(w io.Writer, sampleRate, channels, bitsPerSample int, audioFormat uint16, dataSize uint32) error {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	riffSize := dataSize
	if dataSize != wavStreamingSize {
		riffSize = 36 + dataSize
	}

	var hdr bytes.Buffer
	hdr.WriteString("RIFF")
	binary.Write(&hdr, binary.LittleEndian, riffSize)
	hdr.WriteString("WAVE")

	hdr.WriteString("fmt ")
	binary.Write(&hdr, binary.LittleEndian, uint32(16))
	binary.Write(&hdr, binary.LittleEndian, audioFormat)
	binary.Write(&hdr, binary.LittleEndian, uint16(channels))
	binary.Write(&hdr, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&hdr, binary.LittleEndian, uint32(byteRate))
	binary.Write(&hdr, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&hdr, binary.LittleEndian, uint16(bitsPerSample))

	hdr.WriteString("data")
	binary.Write(&hdr, binary.LittleEndian, dataSize)

	_, err := w.Write(hdr.Bytes())
	return err
}

// EncodeWAV кодирует буфер в 16-bit PCM WAV
func EncodeWAV(buf *Buffer) []byte {
	pcm := interleave(buf.Channels)
	var out bytes.Buffer
	out.Grow(44 + len(pcm)*2)
	writeWAVHeader(&out, buf.SampleRate, len(buf.Channels), 16, wavFormatPCM, uint32(len(pcm)*2))
	for _, s := range pcm {
		binary.Write(&out, binary.LittleEndian, floatToInt16(s))
	}
	return out.Bytes()
}

func floatToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(s * 32767)
}

// WAVEncoder потоковый кодировщик 32-bit float WAV. Заголовок пишется
// с неизвестной длиной, потому что выход не поддерживает Seek.
type WAVEncoder struct {
	w             io.Writer
	channels      int
	headerWritten bool
	sampleRate    int
	buf           []byte
}

// NewWAVEncoder создаёт потоковый WAV кодировщик
func NewWAVEncoder(w io.Writer, sampleRate, channels int) (*WAVEncoder, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid format: %d Hz, %d channels", sampleRate, channels)
	}
	return &WAVEncoder{w: w, sampleRate: sampleRate, channels: channels}, nil
}

// Write кодирует чередующиеся float32 сэмплы
func (e *WAVEncoder) Write(samples []float32) error {
	if !e.headerWritten {
		if err := writeWAVHeader(e.w, e.sampleRate, e.channels, 32, wavFormatFloat, wavStreamingSize); err != nil {
			return err
		}
		e.headerWritten = true
	}
	e.buf = e.buf[:0]
	for _, s := range samples {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(s))
	}
	_, err := e.w.Write(e.buf)
	return err
}

// Close пишет заголовок даже для пустой записи
func (e *WAVEncoder) Close() error {
	if !e.headerWritten {
		return e.Write(nil)
	}
	return nil
}
