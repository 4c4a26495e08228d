package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Decoder превращает байты любого поддерживаемого контейнера в Buffer
// с частотой SampleRate. WAV, MP3 и WebM/PCM декодируются чистым Go,
// остальное (Opus, Vorbis, AAC, FLAC) через ffmpeg, если он доступен.
type Decoder struct {
	FFmpegPath string
	TargetRate int
}

// NewDecoder создаёт декодер. ffmpegPath может быть пустым.
func NewDecoder(ffmpegPath string) *Decoder {
	return &Decoder{FFmpegPath: ffmpegPath, TargetRate: SampleRate}
}

// Decode декодирует payload. Ошибки всегда *DecodeError.
func (d *Decoder) Decode(ctx context.Context, data []byte, mimeType string) (*Buffer, error) {
	if len(data) == 0 {
		return nil, &DecodeError{MimeType: mimeType, Err: ErrEmptyPayload}
	}

	container := Sniff(data)
	if container == "" {
		container = BaseMimeType(mimeType)
	}

	var (
		buf *Buffer
		err error
	)
	switch container {
	case MimeWAV:
		buf, err = decodeWAV(data)
	case MimeMP3:
		buf, err = decodeMP3(data)
	case MimeWebM:
		buf, err = decodeWebM(data)
		if errors.Is(err, ErrUnsupportedCodec) {
			buf, err = d.decodeFFmpeg(ctx, data)
		}
	default:
		buf, err = d.decodeFFmpeg(ctx, data)
	}
	if err != nil {
		return nil, &DecodeError{MimeType: container, Err: err}
	}
	if buf.Length() == 0 {
		return nil, &DecodeError{MimeType: container, Err: fmt.Errorf("no samples decoded")}
	}

	target := d.TargetRate
	if target <= 0 {
		target = SampleRate
	}
	return buf.Resample(target), nil
}

// decodeFFmpeg декодирует через внешний ffmpeg сразу в целевую частоту, моно
func (d *Decoder) decodeFFmpeg(ctx context.Context, data []byte) (*Buffer, error) {
	path := d.FFmpegPath
	if path == "" {
		found, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg not found", ErrUnsupportedFormat)
		}
		path = found
	}

	rate := d.TargetRate
	if rate <= 0 {
		rate = SampleRate
	}

	cmd := exec.CommandContext(ctx, path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "f32le",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	raw := stdout.Bytes()
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	log.Debugf("ffmpeg decoded %d bytes -> %d samples", len(data), len(samples))

	return &Buffer{SampleRate: rate, Channels: [][]float32{samples}}, nil
}
