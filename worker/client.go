package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ProgressItem прогресс загрузки одного файла модели (0-100)
type ProgressItem struct {
	File     string  `json:"file"`
	Name     string  `json:"name,omitempty"`
	Progress float64 `json:"progress"`
}

// Output текущий результат задания
type Output struct {
	IsBusy bool    `json:"isBusy"`
	Text   string  `json:"text"`
	Chunks []Chunk `json:"chunks"`
}

// State снимок состояния клиента
type State struct {
	IsBusy         bool           `json:"isBusy"`
	IsModelLoading bool           `json:"isModelLoading"`
	ProgressItems  []ProgressItem `json:"progressItems"`
	Output         *Output        `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Client сторона оркестратора: одно задание за раз, события воркера
// применяются одной функцией apply.
type Client struct {
	transport Transport

	mu            sync.Mutex
	jobID         string // текущее задание; пусто после complete/error
	retiredJobID  string // задание, снятое сменой входа: ждём только его завершения
	loadID        string // текущий прогрев модели
	busy          bool
	modelLoading  bool
	progressItems []ProgressItem
	output        *Output
	lastErr       error

	onChange func(State)
	// notifyMu держится от снимка до конца колбэка, снимки уходят по порядку
	notifyMu sync.Mutex
	done     chan struct{}
}

// NewClient запускает чтение событий транспорта
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		done:      make(chan struct{}),
	}
	go c.readEvents()
	return c
}

// OnChange подписка на изменения состояния
func (c *Client) OnChange(cb func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = cb
}

func (c *Client) readEvents() {
	defer close(c.done)
	for ev := range c.transport.Events() {
		if c.apply(ev) {
			c.notify()
		}
	}

	// Транспорт закрыт: незавершённое задание считается проваленным
	c.mu.Lock()
	pending := []string{c.jobID, c.retiredJobID, c.loadID}
	c.mu.Unlock()
	for _, id := range pending {
		if id != "" && c.apply(Event{Status: StatusError, JobID: id, Data: EventData{Message: ErrTransportClosed.Error()}}) {
			c.notify()
		}
	}
}

func (c *Client) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	cb := c.onChange
	st := c.stateLocked()
	c.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// apply применяет событие воркера. События чужих или завершённых
// заданий отбрасываются. Возвращает true, если состояние изменилось.
func (c *Client) apply(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.JobID != "" && ev.JobID == c.retiredJobID {
		return c.applyRetiredLocked(ev)
	}

	isJob := ev.JobID != "" && ev.JobID == c.jobID
	isLoad := ev.JobID != "" && ev.JobID == c.loadID
	if !isJob && !isLoad {
		log.WithFields(log.Fields{"component": "worker-client", "job": ev.JobID}).
			Debugf("Dropping stale %s event", ev.Status)
		return false
	}

	switch ev.Status {
	case StatusInitiate:
		c.modelLoading = true
		c.setProgressLocked(ev.Data.File, ev.Data.Name, 0)

	case StatusDownload:
		c.modelLoading = true
		c.setProgressLocked(ev.Data.File, ev.Data.Name, ev.Data.Progress)

	case StatusDone:
		c.setProgressLocked(ev.Data.File, ev.Data.Name, 100)

	case StatusReady, StatusModelLoaded:
		c.modelLoading = false
		c.progressItems = nil
		if isLoad {
			c.loadID = ""
		}

	case StatusProgress:
		if !isJob {
			return false
		}
		c.output = &Output{IsBusy: true, Text: eventText(ev), Chunks: cloneChunks(ev.Data.Chunks)}

	case StatusComplete:
		if !isJob {
			return false
		}
		c.output = &Output{IsBusy: false, Text: eventText(ev), Chunks: cloneChunks(ev.Data.Chunks)}
		c.busy = false
		c.jobID = ""

	case StatusError:
		c.lastErr = &WorkerError{JobID: ev.JobID, Message: ev.Data.Message}
		c.modelLoading = false
		c.progressItems = nil
		if isJob {
			c.busy = false
			c.jobID = ""
			if c.output != nil {
				c.output.IsBusy = false
			}
		}
		if isLoad {
			c.loadID = ""
		}
		log.Printf("Worker reported error: %s", ev.Data.Message)

	default:
		return false
	}
	return true
}

// applyRetiredLocked обрабатывает событие снятого задания: его текст
// относится к прежнему входу и не показывается, но завершение освобождает воркер
func (c *Client) applyRetiredLocked(ev Event) bool {
	switch ev.Status {
	case StatusComplete, StatusError:
		log.WithFields(log.Fields{"component": "worker-client", "job": ev.JobID}).
			Debugf("Retired job finished with %s", ev.Status)
		c.retiredJobID = ""
		c.busy = false
		return true
	default:
		return false
	}
}

func eventText(ev Event) string {
	if ev.Data.Text != "" {
		return ev.Data.Text
	}
	return ChunksText(ev.Data.Chunks)
}

// setProgressLocked обновляет элемент прогресса по имени файла
func (c *Client) setProgressLocked(file, name string, progress float64) {
	for i := range c.progressItems {
		if c.progressItems[i].File == file {
			c.progressItems[i].Progress = progress
			return
		}
	}
	c.progressItems = append(c.progressItems, ProgressItem{File: file, Name: name, Progress: progress})
}

// Configure сообщает воркеру конфигурацию. Загрузку не запускает.
func (c *Client) Configure(ctx context.Context, cfg Config) error {
	return c.transport.Send(ctx, Request{Action: ActionConfigure, Config: &cfg})
}

// Warmup скачивает и загружает модель заранее
func (c *Client) Warmup(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.modelLoading {
		c.mu.Unlock()
		return &BusyError{Reason: "model loading"}
	}
	loadID := uuid.NewString()
	c.loadID = loadID
	c.mu.Unlock()

	err := c.transport.Send(ctx, Request{
		Action:       ActionInitiate,
		JobID:        loadID,
		Model:        cfg.ModelID,
		Multilingual: cfg.Multilingual,
		Quantized:    cfg.Quantized,
	})
	if err != nil {
		c.mu.Lock()
		if c.loadID == loadID {
			c.loadID = ""
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to send warmup: %w", err)
	}
	return nil
}

// StartJob отправляет сэмплы (16 kHz mono) на распознавание. Пока задание
// идёт, повторный вызов отклоняется с BusyError, а вывод не трогается.
func (c *Client) StartJob(ctx context.Context, samples []float32, cfg Config) (string, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return "", &BusyError{Reason: "job in progress"}
	}
	if err := cfg.Validate(); err != nil {
		c.mu.Unlock()
		return "", err
	}

	jobID := uuid.NewString()
	c.jobID = jobID
	c.busy = true
	c.output = &Output{IsBusy: true}
	c.lastErr = nil
	c.mu.Unlock()
	c.notify()

	err := c.transport.Send(ctx, Request{Action: ActionTranscribe, JobID: jobID, Config: &cfg, Samples: samples})
	if err != nil {
		c.apply(Event{Status: StatusError, JobID: jobID, Data: EventData{Message: err.Error()}})
		c.notify()
		return "", fmt.Errorf("failed to send job: %w", err)
	}
	log.Printf("Transcription job %s started: model=%s samples=%d", jobID, cfg.ModelID, len(samples))
	return jobID, nil
}

// ClearOutput убирает вывод, например при смене входного аудио.
// Идущее задание снимается: воркер остаётся занятым до его завершения,
// но ни прогресс, ни результат в вывод уже не попадут.
func (c *Client) ClearOutput() {
	c.mu.Lock()
	if c.output == nil && c.lastErr == nil && c.jobID == "" {
		c.mu.Unlock()
		return
	}
	if c.jobID != "" {
		log.WithFields(log.Fields{"component": "worker-client", "job": c.jobID}).
			Info("Input changed, retiring running job")
		c.retiredJobID = c.jobID
		c.jobID = ""
	}
	c.output = nil
	c.lastErr = nil
	c.mu.Unlock()
	c.notify()
}

// EditChunk меняет текст фрагмента, таймстемпы сохраняются.
// Правка живёт до следующего задания.
func (c *Client) EditChunk(index int, text string) error {
	c.mu.Lock()
	if c.output == nil || index < 0 || index >= len(c.output.Chunks) {
		c.mu.Unlock()
		return fmt.Errorf("chunk %d out of range", index)
	}
	if c.output.IsBusy {
		c.mu.Unlock()
		return &BusyError{Reason: "job in progress"}
	}
	c.output.Chunks[index].Text = text
	c.output.Text = ChunksText(c.output.Chunks)
	c.mu.Unlock()
	c.notify()
	return nil
}

// LastError последняя ошибка воркера
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// State возвращает копию состояния
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Client) stateLocked() State {
	st := State{
		IsBusy:         c.busy,
		IsModelLoading: c.modelLoading,
		ProgressItems:  append([]ProgressItem(nil), c.progressItems...),
	}
	if c.output != nil {
		out := *c.output
		out.Chunks = cloneChunks(c.output.Chunks)
		st.Output = &out
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	return st
}

// Close закрывает транспорт и ждёт завершения чтения событий
func (c *Client) Close() error {
	err := c.transport.Close()
	<-c.done
	return err
}
