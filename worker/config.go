package worker

import (
	"fmt"

	"whisperingest/ai"
	"whisperingest/models"
)

// Config выбор модели, языка и задачи. Передаётся в задание по значению.
type Config struct {
	ModelID      string `json:"model"`
	Language     string `json:"language,omitempty"`
	Task         string `json:"task,omitempty"`
	Multilingual bool   `json:"multilingual"`
	Quantized    bool   `json:"quantized"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		ModelID:      models.DefaultModelID,
		Language:     "english",
		Task:         ai.TaskTranscribe,
		Multilingual: false,
		Quantized:    true,
	}
}

// Validate проверяет, что модель доступна при выбранных флагах.
// Несовместимое сочетание не исправляется молча.
func (c Config) Validate() error {
	switch c.Task {
	case "", ai.TaskTranscribe, ai.TaskTranslate:
	default:
		return &ConfigError{Field: "task", Value: c.Task, Reason: "must be transcribe or translate"}
	}
	if c.Multilingual {
		if _, ok := ai.LanguageCode(c.Language); !ok {
			return &ConfigError{Field: "language", Value: c.Language, Reason: "unknown language"}
		}
	}

	v, ok := models.Lookup(c.ModelID)
	if !ok {
		return &ConfigError{Field: "model", Value: c.ModelID, Reason: "unknown model"}
	}
	for _, allowed := range models.Filter(models.Registry, c.Quantized, c.Multilingual) {
		if allowed.ID == v.ID {
			return nil
		}
	}
	return &ConfigError{
		Field:  "model",
		Value:  c.ModelID,
		Reason: fmt.Sprintf("not offered with quantized=%v multilingual=%v", c.Quantized, c.Multilingual),
	}
}

// Artifacts сборка модели для этой конфигурации
func (c Config) Artifacts() (models.Artifacts, error) {
	return models.Resolve(c.ModelID, c.Quantized, c.Multilingual)
}

// Options параметры вызова движка. Язык и задача имеют смысл
// только для многоязычной модели.
func (c Config) Options() ai.Options {
	if !c.Multilingual {
		return ai.Options{Task: ai.TaskTranscribe}
	}
	return ai.Options{Language: c.Language, Task: c.Task}
}
