// Package session реализует сессию записи с микрофона:
// Idle -> RequestingDevice -> Recording -> Finalizing -> Idle.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"whisperingest/media"

	log "github.com/sirupsen/logrus"
)

// Ticker источник секундных тиков
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

// Status снимок состояния для UI
type Status struct {
	State          State  `json:"state"`
	IsRecording    bool   `json:"isRecording"`
	ElapsedSeconds int    `json:"elapsedSeconds"`
	MimeType       string `json:"mimeType,omitempty"`
}

// Option настройка сессии
type Option func(*Session)

// WithEncoders заменяет набор поддерживаемых форматов
func WithEncoders(encoders map[string]EncoderFactory) Option {
	return func(s *Session) { s.encoders = encoders }
}

// WithClock задаёт источник времени для измерения длительности
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithTicker задаёт источник секундных тиков
func WithTicker(newTicker func(time.Duration) Ticker) Option {
	return func(s *Session) { s.newTicker = newTicker }
}

// Session сессия записи. Один экземпляр переиспользуется между записями.
type Session struct {
	device    Device
	encoders  map[string]EncoderFactory
	now       func() time.Time
	newTicker func(time.Duration) Ticker

	mu        sync.Mutex
	state     State
	elapsed   int
	mimeType  string
	startedAt time.Time
	stream    Stream
	encoder   media.Encoder
	sink      *chunkSink
	done      CompletionFunc
	stopChan  chan struct{}
	loopDone  chan struct{}

	onChange func(Status)
	onLevel  func(level float64)
}

// New создаёт сессию поверх устройства захвата
func New(device Device, opts ...Option) *Session {
	s := &Session{
		device:   device,
		encoders: DefaultEncoders(),
		now:      time.Now,
		newTicker: func(d time.Duration) Ticker {
			return timeTicker{time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOnChange подписка на изменения статуса
func (s *Session) SetOnChange(cb func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = cb
}

// SetOnLevel подписка на уровень входного сигнала
func (s *Session) SetOnLevel(cb func(level float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLevel = cb
}

// Status возвращает текущий статус
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		State:          s.state,
		IsRecording:    s.state == StateRecording,
		ElapsedSeconds: s.elapsed,
		MimeType:       s.mimeType,
	}
}

// fireLocked применяет событие к автомату. Вызывается под s.mu.
func (s *Session) fireLocked(ev event) error {
	to, err := next(s.state, ev)
	if err != nil {
		return err
	}
	log.WithField("component", "session").Debugf("%s -> %s (%s)", s.state, to, ev)
	s.state = to
	return nil
}

func (s *Session) notify() {
	s.mu.Lock()
	cb := s.onChange
	st := s.statusLocked()
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (s *Session) supports(mimeType string) bool {
	_, ok := s.encoders[mimeType]
	return ok
}

// Start запрашивает устройство и начинает запись. done вызывается
// один раз, когда запись остановлена и собрана.
func (s *Session) Start(ctx context.Context, done CompletionFunc) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return &BusyError{State: st}
	}
	if err := s.fireLocked(eventStart); err != nil {
		s.mu.Unlock()
		return err
	}
	s.elapsed = 0
	s.mu.Unlock()
	s.notify()

	stream, err := s.device.Open(ctx)
	if err != nil {
		s.fail()
		log.Printf("Microphone access failed: %v", err)
		return &DeviceAccessError{Err: err}
	}

	mimeType, ok := SelectMimeType(s.supports)
	if !ok {
		stream.Close()
		s.fail()
		return ErrNoSupportedFormat
	}

	sink := &chunkSink{}
	encoder, err := s.encoders[mimeType](sink, stream.Format())
	if err != nil {
		stream.Close()
		s.fail()
		return fmt.Errorf("failed to create %s encoder: %w", mimeType, err)
	}

	ticker := s.newTicker(time.Second)
	stopChan := make(chan struct{})
	loopDone := make(chan struct{})

	s.mu.Lock()
	s.stream = stream
	s.encoder = encoder
	s.sink = sink
	s.mimeType = mimeType
	s.done = done
	s.stopChan = stopChan
	s.loopDone = loopDone
	s.startedAt = s.now()
	s.fireLocked(eventGranted)
	s.mu.Unlock()

	go s.run(stream, encoder, ticker, stopChan, loopDone)

	log.Printf("Recording started (%s, %d Hz, %d ch)", mimeType, stream.Format().SampleRate, stream.Format().Channels)
	s.notify()
	return nil
}

// fail возвращает автомат в Idle из RequestingDevice
func (s *Session) fail() {
	s.mu.Lock()
	s.fireLocked(eventFailed)
	s.mimeType = ""
	s.mu.Unlock()
	s.notify()
}

// run владеет кодировщиком до остановки
func (s *Session) run(stream Stream, encoder media.Encoder, ticker Ticker, stopChan, loopDone chan struct{}) {
	defer close(loopDone)
	defer ticker.Stop()

	data := stream.Data()
	for {
		select {
		case <-stopChan:
			// Забираем то, что устройство успело отдать до остановки
			for {
				select {
				case samples, ok := <-data:
					if !ok {
						return
					}
					s.encode(encoder, samples)
				default:
					return
				}
			}

		case <-ticker.C():
			s.mu.Lock()
			recording := s.state == StateRecording
			if recording {
				s.elapsed++
			}
			s.mu.Unlock()
			if recording {
				s.notify()
			}

		case samples, ok := <-data:
			if !ok {
				data = nil
				continue
			}
			s.encode(encoder, samples)

			s.mu.Lock()
			onLevel := s.onLevel
			s.mu.Unlock()
			if onLevel != nil {
				onLevel(media.Level(samples))
			}
		}
	}
}

func (s *Session) encode(encoder media.Encoder, samples []float32) {
	if err := encoder.Write(samples); err != nil {
		log.Printf("Recording encoder error: %v", err)
	}
}

// Stop останавливает запись, собирает фрагменты, исправляет длительность
// контейнера и вызывает CompletionFunc. Возвращает управление уже в Idle.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.fireLocked(eventStop)
	s.elapsed = 0
	close(s.stopChan)
	loopDone := s.loopDone
	s.mu.Unlock()
	s.notify()

	<-loopDone

	s.mu.Lock()
	duration := s.now().Sub(s.startedAt)
	encoder := s.encoder
	sink := s.sink
	mimeType := s.mimeType
	s.mu.Unlock()

	rec, err := finalize(encoder, sink, mimeType, duration)

	s.mu.Lock()
	stream := s.stream
	done := s.done
	s.stream = nil
	s.encoder = nil
	s.sink = nil
	s.done = nil
	s.stopChan = nil
	s.loopDone = nil
	s.mimeType = ""
	s.fireLocked(eventFinalized)
	s.mu.Unlock()

	// Устройство освобождается только когда сессия снова в Idle
	if stream != nil {
		if cerr := stream.Close(); cerr != nil {
			log.Printf("Failed to release capture stream: %v", cerr)
		}
	}
	s.notify()

	if err != nil {
		log.Printf("Recording finalize failed: %v", err)
	} else {
		log.Printf("Recording finished: %s, %d bytes, %v", rec.MimeType, len(rec.Data), rec.Duration)
	}
	if done != nil {
		done(rec, err)
	}
	return err
}

func finalize(encoder media.Encoder, sink *chunkSink, mimeType string, duration time.Duration) (Recording, error) {
	if err := encoder.Close(); err != nil {
		return Recording{}, fmt.Errorf("failed to flush encoder: %w", err)
	}
	data, err := media.FixDuration(sink.concat(), duration, mimeType)
	if err != nil {
		return Recording{}, err
	}
	return Recording{Data: data, MimeType: mimeType, Duration: duration}, nil
}

// Close останавливает активную запись
func (s *Session) Close() error {
	if s.Status().State == StateRecording {
		return s.Stop()
	}
	return nil
}
