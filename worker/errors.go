package worker

import "fmt"

// BusyError задание или загрузка модели уже идут
type BusyError struct {
	Reason string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("transcriber busy: %s", e.Reason)
}

// ConfigError несовместимое сочетание модели и флагов
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s=%q: %s", e.Field, e.Value, e.Reason)
}

// WorkerError воркер сообщил об ошибке задания
type WorkerError struct {
	JobID   string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error: %s", e.Message)
}
