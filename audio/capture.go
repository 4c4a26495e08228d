// Package audio захват микрофона через miniaudio (malgo)
package audio

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"whisperingest/session"

	"github.com/gen2brain/malgo"
	log "github.com/sirupsen/logrus"
)

const (
	captureSampleRate = 48000
	captureChannels   = 1
)

// AudioDevice представляет аудио устройство
type AudioDevice struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// Capture открывает микрофон для сессии записи. Один открытый поток за раз.
type Capture struct {
	ctx *malgo.AllocatedContext

	mu          sync.Mutex
	micDeviceID *malgo.DeviceID
	active      *micStream
}

var _ session.Device = (*Capture)(nil)

func NewCapture() (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debugf("miniaudio: %s", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, err
	}
	return &Capture{ctx: ctx}, nil
}

// ListDevices возвращает список микрофонов
func (c *Capture) ListDevices() ([]AudioDevice, error) {
	captureDevices, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	devices := make([]AudioDevice, 0, len(captureDevices))
	for _, dev := range captureDevices {
		devices = append(devices, AudioDevice{
			ID:        deviceIDToString(dev.ID),
			Name:      dev.Name(),
			IsDefault: dev.IsDefault != 0,
		})
	}
	return devices, nil
}

// FindDeviceByName ищет микрофон по имени (частичное совпадение)
func (c *Capture) FindDeviceByName(name string) (*malgo.DeviceID, error) {
	devices, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}

	nameLower := strings.ToLower(name)
	for _, dev := range devices {
		if strings.Contains(strings.ToLower(dev.Name()), nameLower) {
			id := dev.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

// SetMicrophoneDevice выбирает микрофон по ID. Пустая строка или "default" -
// системный микрофон. Действует со следующего Open.
func (c *Capture) SetMicrophoneDevice(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deviceID == "" || deviceID == "default" {
		c.micDeviceID = nil
		return nil
	}

	id, err := stringToDeviceID(deviceID)
	if err != nil {
		return err
	}
	c.micDeviceID = id
	return nil
}

// SetMicrophoneByName выбирает микрофон по имени
func (c *Capture) SetMicrophoneByName(name string) error {
	if name == "" {
		return c.SetMicrophoneDevice("")
	}
	id, err := c.FindDeviceByName(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.micDeviceID = id
	c.mu.Unlock()
	log.Printf("Microphone set: %s", name)
	return nil
}

// Open начинает захват. Ошибка инициализации устройства означает,
// что доступ к микрофону не получен.
func (c *Capture) Open(ctx context.Context) (session.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, fmt.Errorf("microphone already in use")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = captureChannels
	deviceConfig.SampleRate = captureSampleRate
	deviceConfig.Alsa.NoMMap = 1
	if c.micDeviceID != nil {
		deviceConfig.Capture.DeviceID = c.micDeviceID.Pointer()
	}

	stream := &micStream{
		owner:  c,
		format: session.Format{SampleRate: captureSampleRate, Channels: captureChannels},
		data:   make(chan []float32, 1000),
		done:   make(chan struct{}),
	}

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		sampleCount := int(framecount) * captureChannels
		if len(pInputSamples) != sampleCount*4 {
			return
		}

		samples := make([]float32, sampleCount)
		for i := 0; i < sampleCount; i++ {
			bits := uint32(pInputSamples[i*4]) | uint32(pInputSamples[i*4+1])<<8 | uint32(pInputSamples[i*4+2])<<16 | uint32(pInputSamples[i*4+3])<<24
			samples[i] = math.Float32frombits(bits)
		}

		// Блокируемся если буфер полон, пока поток не закрыт
		select {
		case stream.data <- samples:
		case <-stream.done:
		}
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start microphone: %w", err)
	}

	stream.device = device
	c.active = stream
	log.Println("Microphone capture started")
	return stream, nil
}

// Close освобождает контекст miniaudio
func (c *Capture) Close() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != nil {
		active.Close()
	}
	if c.ctx != nil {
		c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

// micStream открытый поток микрофона
type micStream struct {
	owner  *Capture
	device *malgo.Device
	format session.Format
	data   chan []float32
	done   chan struct{}
	once   sync.Once
}

func (s *micStream) Format() session.Format { return s.format }

func (s *micStream) Data() <-chan []float32 { return s.data }

// Close останавливает устройство. Канал данных не закрывается:
// читатель завершается по своему сигналу остановки.
func (s *micStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.device.Uninit()

		s.owner.mu.Lock()
		if s.owner.active == s {
			s.owner.active = nil
		}
		s.owner.mu.Unlock()
		log.Println("Microphone capture stopped")
	})
	return nil
}

// Вспомогательные функции для конвертации DeviceID
func deviceIDToString(id malgo.DeviceID) string {
	var result strings.Builder
	for _, b := range id[:32] {
		if b == 0 {
			break
		}
		result.WriteByte(b)
	}
	return result.String()
}

func stringToDeviceID(s string) (*malgo.DeviceID, error) {
	if len(s) > 32 {
		return nil, fmt.Errorf("device ID too long")
	}
	var id malgo.DeviceID
	copy(id[:], []byte(s))
	return &id, nil
}
