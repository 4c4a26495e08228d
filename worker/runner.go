package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"whisperingest/ai"
	"whisperingest/models"

	log "github.com/sirupsen/logrus"
)

// EmitFunc отправляет событие оркестратору
type EmitFunc func(Event)

// Runner исполняет запросы на стороне воркера. Держит одну загруженную
// модель и обрабатывает запросы по одному.
type Runner struct {
	loader ai.Loader

	mu       sync.Mutex
	config   Config
	engine   ai.Engine
	artifact string
}

// NewRunner создаёт исполнитель поверх загрузчика движков
func NewRunner(loader ai.Loader) *Runner {
	return &Runner{loader: loader, config: DefaultConfig()}
}

// Handle обрабатывает один запрос. Задание завершается ровно одним
// событием complete или error.
func (r *Runner) Handle(ctx context.Context, req Request, emit EmitFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := log.WithFields(log.Fields{"component": "worker", "action": req.Action, "job": req.JobID})

	switch req.Action {
	case ActionConfigure:
		if req.Config != nil {
			r.config = *req.Config
			logger.Debugf("Configured model=%s language=%s task=%s", r.config.ModelID, r.config.Language, r.config.Task)
		}

	case ActionInitiate:
		cfg := r.config
		if req.Model != "" {
			cfg.ModelID = req.Model
			cfg.Multilingual = req.Multilingual
			cfg.Quantized = req.Quantized
		}
		if err := r.ensureEngine(ctx, req.JobID, cfg, emit); err != nil {
			logger.Printf("Model warmup failed: %v", err)
			emit(errorEvent(req.JobID, err))
		}

	case ActionTranscribe:
		cfg := r.config
		if req.Config != nil {
			cfg = *req.Config
		}
		chunks, err := r.transcribe(ctx, req, cfg, emit)
		if err != nil {
			logger.Printf("Transcription failed: %v", err)
			emit(errorEvent(req.JobID, err))
			return
		}
		emit(Event{
			Status: StatusComplete,
			JobID:  req.JobID,
			Data:   EventData{Chunks: chunks, Text: ChunksText(chunks)},
		})
		logger.Printf("Transcription complete: %d chunks", len(chunks))

	default:
		emit(errorEvent(req.JobID, fmt.Errorf("unknown action: %s", req.Action)))
	}
}

func errorEvent(jobID string, err error) Event {
	return Event{Status: StatusError, JobID: jobID, Data: EventData{Message: err.Error()}}
}

// ensureEngine загружает модель конфигурации, если загружена другая.
// Во время загрузки отправляет initiate/download/done по файлам и ready в конце.
func (r *Runner) ensureEngine(ctx context.Context, jobID string, cfg Config, emit EmitFunc) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := cfg.Artifacts()
	if err != nil {
		return err
	}
	if r.engine != nil && r.artifact == a.Name {
		return nil
	}

	onFile := func(file string, progress float64, status models.FileStatus) {
		ev := Event{JobID: jobID, Data: EventData{File: file, Name: a.Name, Progress: progress}}
		switch status {
		case models.FileInitiate:
			ev.Status = StatusInitiate
		case models.FileDownload:
			ev.Status = StatusDownload
		case models.FileDone:
			ev.Status = StatusDone
		}
		emit(ev)
	}

	engine, err := r.loader.LoadEngine(ctx, a, onFile)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", a.Name, err)
	}
	if r.engine != nil {
		r.engine.Close()
	}
	r.engine = engine
	r.artifact = a.Name

	log.Printf("Model ready: %s (%s)", a.Name, engine.Name())
	emit(Event{Status: StatusReady, JobID: jobID, Data: EventData{Name: a.Name}})
	return nil
}

// transcribe распознаёт окна по 30 секунд и после каждого отправляет
// progress со всеми накопленными фрагментами
func (r *Runner) transcribe(ctx context.Context, req Request, cfg Config, emit EmitFunc) ([]Chunk, error) {
	if len(req.Samples) == 0 {
		return nil, errors.New("no audio samples")
	}
	if err := r.ensureEngine(ctx, req.JobID, cfg, emit); err != nil {
		return nil, err
	}

	opts := cfg.Options()
	windows := ai.Windows(req.Samples)
	var chunks []Chunk
	for i, window := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		segments, err := r.engine.Transcribe(ctx, window, opts)
		if err != nil {
			return nil, err
		}
		offset := float64(i * ai.SecondsPerWindow)
		for _, seg := range ai.OffsetSegments(segments, offset) {
			chunks = append(chunks, Chunk{Text: seg.Text, Timestamp: [2]float64{seg.Start, seg.End}})
		}

		if i < len(windows)-1 {
			emit(Event{
				Status: StatusProgress,
				JobID:  req.JobID,
				Data:   EventData{Chunks: cloneChunks(chunks), Text: ChunksText(chunks)},
			})
		}
	}
	return chunks, nil
}

// Close освобождает загруженную модель
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
		r.artifact = ""
	}
}
