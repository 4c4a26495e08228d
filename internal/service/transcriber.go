package service

import (
	"context"
	"sync"

	"whisperingest/worker"

	log "github.com/sirupsen/logrus"
)

// TranscriberState состояние клиента воркера и текущая конфигурация
type TranscriberState struct {
	worker.State
	Config worker.Config `json:"config"`
}

// Transcriber держит конфигурацию и запускает задания на воркере.
// Конфигурация меняется только сеттерами и передаётся в задание по значению.
type Transcriber struct {
	client *worker.Client

	mu       sync.Mutex
	config   worker.Config
	onChange func(TranscriberState)
}

// NewTranscriber создаёт оркестратор поверх клиента воркера
func NewTranscriber(client *worker.Client, config worker.Config) *Transcriber {
	t := &Transcriber{client: client, config: config}
	client.OnChange(func(st worker.State) {
		t.mu.Lock()
		cb := t.onChange
		cfg := t.config
		t.mu.Unlock()
		if cb != nil {
			cb(TranscriberState{State: st, Config: cfg})
		}
	})
	return t
}

// OnChange подписка на изменения состояния
func (t *Transcriber) OnChange(cb func(TranscriberState)) {
	t.mu.Lock()
	t.onChange = cb
	t.mu.Unlock()
}

func (t *Transcriber) update(fn func(c *worker.Config)) {
	t.mu.Lock()
	fn(&t.config)
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(t.State())
	}
}

func (t *Transcriber) SetModel(modelID string) {
	t.update(func(c *worker.Config) { c.ModelID = modelID })
}

func (t *Transcriber) SetLanguage(language string) {
	t.update(func(c *worker.Config) { c.Language = language })
}

func (t *Transcriber) SetTask(task string) {
	t.update(func(c *worker.Config) { c.Task = task })
}

func (t *Transcriber) SetMultilingual(multilingual bool) {
	t.update(func(c *worker.Config) { c.Multilingual = multilingual })
}

func (t *Transcriber) SetQuantized(quantized bool) {
	t.update(func(c *worker.Config) { c.Quantized = quantized })
}

// Config текущая конфигурация
func (t *Transcriber) Config() worker.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// Start запускает задание. Пока идёт задание или загрузка модели,
// возвращает worker.BusyError.
func (t *Transcriber) Start(ctx context.Context, samples []float32) (string, error) {
	st := t.client.State()
	if st.IsBusy {
		return "", &worker.BusyError{Reason: "job in progress"}
	}
	if st.IsModelLoading {
		return "", &worker.BusyError{Reason: "model loading"}
	}
	return t.client.StartJob(ctx, samples, t.Config())
}

// Warmup заранее скачивает и загружает модель текущей конфигурации
func (t *Transcriber) Warmup(ctx context.Context) error {
	cfg := t.Config()
	log.Printf("Warming up model %s (quantized=%v, multilingual=%v)", cfg.ModelID, cfg.Quantized, cfg.Multilingual)
	return t.client.Warmup(ctx, cfg)
}

// OnInputChange убирает транскрипт, относящийся к прежнему аудио
func (t *Transcriber) OnInputChange() {
	t.client.ClearOutput()
}

// EditChunk меняет текст фрагмента до следующего задания
func (t *Transcriber) EditChunk(index int, text string) error {
	return t.client.EditChunk(index, text)
}

// State объединяет состояние воркера и конфигурацию
func (t *Transcriber) State() TranscriberState {
	return TranscriberState{State: t.client.State(), Config: t.Config()}
}
