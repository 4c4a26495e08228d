package service

import (
	"context"
	"errors"
	"sync"

	"whisperingest/session"
)

// ErrNoAudio задание запрошено без загруженного аудио
var ErrNoAudio = errors.New("no audio loaded")

// State полное состояние для UI
type State struct {
	SourceState
	Recording   session.Status   `json:"recording"`
	Transcriber TranscriberState `json:"transcriber"`
}

// Core связывает источники аудио, запись с микрофона и транскрибер
type Core struct {
	Sources     *SourceManager
	Recorder    *session.Session
	Transcriber *Transcriber
	Blobs       *BlobStore

	mu             sync.Mutex
	notifyMu       sync.Mutex
	onChange       func(State)
	recordingLoads sync.WaitGroup // декодирование готовых записей
}

// NewCore связывает компоненты: новый ассет сбрасывает транскрипт
func NewCore(sources *SourceManager, recorder *session.Session, transcriber *Transcriber, blobs *BlobStore) *Core {
	c := &Core{
		Sources:     sources,
		Recorder:    recorder,
		Transcriber: transcriber,
		Blobs:       blobs,
	}

	sources.OnAssetChange(func(*Asset) {
		transcriber.OnInputChange()
	})
	sources.OnChange(func(SourceState) { c.notify() })
	recorder.SetOnChange(func(session.Status) { c.notify() })
	transcriber.OnChange(func(TranscriberState) { c.notify() })
	return c
}

// OnChange подписка на любые изменения состояния
func (c *Core) OnChange(cb func(State)) {
	c.mu.Lock()
	c.onChange = cb
	c.mu.Unlock()
}

func (c *Core) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	cb := c.onChange
	c.mu.Unlock()
	if cb != nil {
		cb(c.State())
	}
}

// State снимок состояния всех компонентов
func (c *Core) State() State {
	return State{
		SourceState: c.Sources.State(),
		Recording:   c.Recorder.Status(),
		Transcriber: c.Transcriber.State(),
	}
}

// Transcribe запускает задание по текущему ассету (моно 16 kHz)
func (c *Core) Transcribe(ctx context.Context) (string, error) {
	asset := c.Sources.Asset()
	if asset == nil || asset.Buffer == nil {
		return "", ErrNoAudio
	}
	return c.Transcriber.Start(ctx, asset.Buffer.Mono())
}

// Reset убирает ассет и прерывает загрузку
func (c *Core) Reset() {
	c.Sources.Reset()
}

// Close останавливает запись и ждёт её декодирования
func (c *Core) Close() error {
	err := c.Recorder.Close()
	c.recordingLoads.Wait()
	return err
}
