package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
)

const (
	codecPCMFloat = "A_PCM/FLOAT/IEEE"
	codecPCMInt   = "A_PCM/INT/LIT"

	trackTypeAudio = 2

	// defaultTimecodeScale 1 мс в наносекундах
	defaultTimecodeScale = 1000000

	webmFlushTimeout = 5 * time.Second
)

// webmDocument верхний уровень WebM файла
type webmDocument struct {
	Header  webm.EBMLHeader `ebml:"EBML"`
	Segment webm.Segment    `ebml:"Segment"`
}

// Encoder потоковый кодировщик сэмплов в контейнер
type Encoder interface {
	Write(samples []float32) error
	Close() error
}

// closeNotifier отдаёт io.Writer в webm.NewSimpleBlockWriter. Писатель пишет
// из своей горутины и сам закрывает выход после закрытия всех дорожек.
type closeNotifier struct {
	io.Writer
	once   sync.Once
	closed chan struct{}
}

func (c *closeNotifier) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// WebMEncoder пишет PCM float блоки в WebM. Как и MediaRecorder, он
// не знает длительность во время записи, поэтому Info/Duration отсутствует
// и Segment имеет неизвестный размер.
type WebMEncoder struct {
	block      webm.BlockWriteCloser
	out        *closeNotifier
	sampleRate int
	channels   int
	frameSize  int // сэмплов на канал в одном блоке
	pending    []float32
	frames     int64
}

// NewWebMEncoder создаёт WebM кодировщик с одной аудио дорожкой
func NewWebMEncoder(w io.Writer, sampleRate, channels int) (*WebMEncoder, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid format: %d Hz, %d channels", sampleRate, channels)
	}
	out := &closeNotifier{Writer: w, closed: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(out, []webm.TrackEntry{
		{
			Name:        "Audio",
			TrackNumber: 1,
			TrackUID:    1,
			CodecID:     codecPCMFloat,
			TrackType:   trackTypeAudio,
			Audio: &webm.Audio{
				SamplingFrequency: float64(sampleRate),
				Channels:          uint64(channels),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webm writer: %w", err)
	}

	return &WebMEncoder{
		block:      writers[0],
		out:        out,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate / 50, // 20 мс
	}, nil
}

// Write кодирует чередующиеся float32 сэмплы; неполный блок ждёт следующих данных
func (e *WebMEncoder) Write(samples []float32) error {
	e.pending = append(e.pending, samples...)
	blockLen := e.frameSize * e.channels
	for len(e.pending) >= blockLen {
		if err := e.writeBlock(e.pending[:blockLen]); err != nil {
			return err
		}
		e.pending = e.pending[blockLen:]
	}
	return nil
}

func (e *WebMEncoder) writeBlock(samples []float32) error {
	// Writer ставит срез в очередь и сериализует позже, поэтому у каждого
	// блока свой буфер
	buf := make([]byte, 0, 4*len(samples))
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s))
	}
	timestamp := e.frames * 1000 / int64(e.sampleRate)
	if _, err := e.block.Write(true, timestamp, buf); err != nil {
		return fmt.Errorf("failed to write webm block: %w", err)
	}
	e.frames += int64(len(samples) / e.channels)
	return nil
}

// Close дописывает остаток и закрывает дорожку
func (e *WebMEncoder) Close() error {
	if n := len(e.pending) - len(e.pending)%e.channels; n > 0 {
		if err := e.writeBlock(e.pending[:n]); err != nil {
			return err
		}
	}
	e.pending = nil
	if err := e.block.Close(); err != nil {
		return err
	}
	select {
	case <-e.out.closed:
		return nil
	case <-time.After(webmFlushTimeout):
		return fmt.Errorf("webm writer did not flush in %v", webmFlushTimeout)
	}
}

// decodeWebM извлекает PCM дорожку. Сжатые кодеки возвращают ErrUnsupportedCodec.
func decodeWebM(data []byte) (*Buffer, error) {
	var doc webmDocument
	if err := ebml.Unmarshal(bytes.NewReader(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse webm: %w", err)
	}

	var track *webm.TrackEntry
	for i := range doc.Segment.Tracks.TrackEntry {
		t := &doc.Segment.Tracks.TrackEntry[i]
		if t.TrackType == trackTypeAudio {
			track = t
			break
		}
	}
	if track == nil || track.Audio == nil {
		return nil, fmt.Errorf("no audio track")
	}

	bytesPerSample := 0
	switch {
	case strings.HasPrefix(track.CodecID, codecPCMFloat):
		bytesPerSample = 4
	case strings.HasPrefix(track.CodecID, codecPCMInt):
		bytesPerSample = 2
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, track.CodecID)
	}

	var samples []float32
	for _, cluster := range doc.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			if block.TrackNumber != track.TrackNumber {
				continue
			}
			for _, frame := range block.Data {
				for i := 0; i+bytesPerSample <= len(frame); i += bytesPerSample {
					if bytesPerSample == 4 {
						samples = append(samples, math.Float32frombits(binary.LittleEndian.Uint32(frame[i:])))
					} else {
						samples = append(samples, float32(int16(binary.LittleEndian.Uint16(frame[i:])))/32768.0)
					}
				}
			}
		}
	}

	channels := int(track.Audio.Channels)
	if channels <= 0 {
		channels = 1
	}
	samples = samples[:len(samples)-len(samples)%channels]

	return &Buffer{
		SampleRate: int(track.Audio.SamplingFrequency),
		Channels:   deinterleave(samples, channels),
	}, nil
}

// FixDuration записывает длительность записи в контейнер, который
// не знает её во время потоковой записи (WebM). Другие типы
// возвращаются без изменений. Входной срез не изменяется.
func FixDuration(data []byte, duration time.Duration, mimeType string) ([]byte, error) {
	base := BaseMimeType(mimeType)
	if base != MimeWebM && base != "video/webm" {
		return data, nil
	}

	var doc webmDocument
	if err := ebml.Unmarshal(bytes.NewReader(data), &doc); err != nil {
		return nil, &FixDurationError{MimeType: base, Err: err}
	}
	if doc.Header.DocType == "" {
		return nil, &FixDurationError{MimeType: base, Err: errors.New("missing EBML header")}
	}

	scale := doc.Segment.Info.TimecodeScale
	if scale == 0 {
		scale = defaultTimecodeScale
		doc.Segment.Info.TimecodeScale = scale
	}
	doc.Segment.Info.Duration = math.Round(float64(duration) / float64(scale))

	var out bytes.Buffer
	out.Grow(len(data) + 16)
	if err := ebml.Marshal(&doc, &out); err != nil {
		return nil, &FixDurationError{MimeType: base, Err: err}
	}
	return out.Bytes(), nil
}

// WebMDuration читает Segment/Info/Duration. 0 если поле отсутствует.
func WebMDuration(data []byte) (time.Duration, error) {
	var doc webmDocument
	if err := ebml.Unmarshal(bytes.NewReader(data), &doc); err != nil {
		return 0, fmt.Errorf("failed to parse webm: %w", err)
	}
	scale := doc.Segment.Info.TimecodeScale
	if scale == 0 {
		scale = defaultTimecodeScale
	}
	return time.Duration(doc.Segment.Info.Duration * float64(scale)), nil
}
