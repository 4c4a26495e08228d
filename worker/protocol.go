// Package worker реализует протокол фонового воркера транскрипции:
// клиент на стороне оркестратора, исполнитель заданий и транспорты.
package worker

// Action тип запроса к воркеру
type Action string

const (
	ActionInitiate   Action = "initiate"   // прогреть кэш модели
	ActionConfigure  Action = "configure"  // запомнить конфигурацию, без загрузки
	ActionTranscribe Action = "transcribe" // выполнить задание
)

// Status тип события от воркера
type Status string

const (
	StatusInitiate    Status = "initiate"
	StatusDownload    Status = "download"
	StatusDone        Status = "done"
	StatusReady       Status = "ready"
	StatusModelLoaded Status = "model-loaded"
	StatusProgress    Status = "progress"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// Request сообщение оркестратор -> воркер
type Request struct {
	Action       Action    `json:"action"`
	JobID        string    `json:"jobId,omitempty"`
	Model        string    `json:"model,omitempty"`
	Multilingual bool      `json:"multilingual,omitempty"`
	Quantized    bool      `json:"quantized,omitempty"`
	Config       *Config   `json:"config,omitempty"`
	Samples      []float32 `json:"samples,omitempty"`
}

// Chunk фрагмент транскрипта; Timestamp - [начало, конец] в секундах
type Chunk struct {
	Text      string     `json:"text"`
	Timestamp [2]float64 `json:"timestamp"`
}

// EventData полезная нагрузка события
type EventData struct {
	File     string  `json:"file,omitempty"`
	Name     string  `json:"name,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Chunks   []Chunk `json:"chunks,omitempty"`
	Text     string  `json:"text,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Event сообщение воркер -> оркестратор. JobID повторяет запрос.
type Event struct {
	Status Status    `json:"status"`
	JobID  string    `json:"jobId,omitempty"`
	Data   EventData `json:"data"`
}

// IsTerminal событие завершает задание
func (e Event) IsTerminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError
}

// ChunksText собирает полный текст из фрагментов
func ChunksText(chunks []Chunk) string {
	n := 0
	for _, c := range chunks {
		n += len(c.Text)
	}
	b := make([]byte, 0, n)
	for _, c := range chunks {
		b = append(b, c.Text...)
	}
	return string(b)
}

func cloneChunks(chunks []Chunk) []Chunk {
	if chunks == nil {
		return nil
	}
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	return out
}
