// Package models предоставляет реестр вариантов Whisper и кэш их файлов
package models

import (
	"fmt"
	"strings"
)

// Variant вариант модели Whisper. Размеры в мегабайтах; 0 означает,
// что артефакт такой точности не публикуется.
type Variant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Family      string `json:"family"`
	QuantizedMB int    `json:"quantizedMb"`
	FullMB      int    `json:"fullMb,omitempty"`

	// EnglishOnly модель обучена только на английском (суффикс .en)
	EnglishOnly bool `json:"englishOnly,omitempty"`
	// RequiresMultilingual сборка доступна только в многоязычном режиме
	RequiresMultilingual bool `json:"requiresMultilingual,omitempty"`
}

const (
	FamilyWhisper = "Xenova"
	FamilyDistil  = "distil-whisper"
)

// DefaultModelID модель по умолчанию
const DefaultModelID = "Xenova/whisper-tiny"

// Registry реестр доступных вариантов
var Registry = []Variant{
	{ID: "Xenova/whisper-tiny", Name: "tiny", Family: FamilyWhisper, QuantizedMB: 41, FullMB: 152},
	{ID: "Xenova/whisper-base", Name: "base", Family: FamilyWhisper, QuantizedMB: 77, FullMB: 291},
	{ID: "Xenova/whisper-small", Name: "small", Family: FamilyWhisper, QuantizedMB: 249},
	{ID: "Xenova/whisper-medium", Name: "medium", Family: FamilyWhisper, QuantizedMB: 776},
	{ID: "distil-whisper/distil-medium.en", Name: "distil-medium.en", Family: FamilyDistil, QuantizedMB: 402, EnglishOnly: true},
	{ID: "distil-whisper/distil-large-v2", Name: "distil-large-v2", Family: FamilyDistil, QuantizedMB: 767, RequiresMultilingual: true},
}

// Lookup ищет вариант по полному ID ("Xenova/whisper-tiny") или короткому имени ("tiny")
func Lookup(id string) (Variant, bool) {
	id = strings.TrimSpace(id)
	for _, v := range Registry {
		if v.ID == id || v.Name == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Available проверяет наличие артефакта нужной точности
func (v Variant) Available(quantized bool) bool {
	if quantized {
		return v.QuantizedMB > 0
	}
	return v.FullMB > 0
}

// Compatible проверяет совместимость с режимом multilingual
func (v Variant) Compatible(multilingual bool) bool {
	if multilingual {
		return !v.EnglishOnly
	}
	return !v.RequiresMultilingual
}

// SizeMB размер артефакта выбранной точности
func (v Variant) SizeMB(quantized bool) int {
	if quantized {
		return v.QuantizedMB
	}
	return v.FullMB
}

// Filter оставляет варианты, допустимые при данных флагах. Чистая функция.
func Filter(variants []Variant, quantized, multilingual bool) []Variant {
	out := make([]Variant, 0, len(variants))
	for _, v := range variants {
		if v.Available(quantized) && v.Compatible(multilingual) {
			out = append(out, v)
		}
	}
	return out
}

// Artifacts файлы конкретной сборки модели
type Artifacts struct {
	Name      string  `json:"name"` // например "tiny.en"
	Repo      string  `json:"repo"`
	Quantized bool    `json:"quantized"`
	Encoder   string  `json:"encoder"`
	Decoder   string  `json:"decoder"`
	Tokens    string  `json:"tokens"`
	SizeBytes int64   `json:"sizeBytes"`
	Variant   Variant `json:"-"`
}

// Files список файлов для скачивания
func (a Artifacts) Files() []string {
	return []string{a.Encoder, a.Decoder, a.Tokens}
}

// Resolve выбирает сборку варианта. Одноязычный режим для семейства
// Xenova использует .en сборку.
func Resolve(modelID string, quantized, multilingual bool) (Artifacts, error) {
	v, ok := Lookup(modelID)
	if !ok {
		return Artifacts{}, fmt.Errorf("unknown model: %s", modelID)
	}
	if !v.Available(quantized) {
		return Artifacts{}, fmt.Errorf("model %s has no %s artifact", v.ID, precisionName(quantized))
	}
	if !v.Compatible(multilingual) {
		return Artifacts{}, fmt.Errorf("model %s is not available with multilingual=%v", v.ID, multilingual)
	}

	name := v.Name
	if v.Family == FamilyWhisper && !multilingual {
		name += ".en"
	}
	suffix := ".onnx"
	if quantized {
		suffix = ".int8.onnx"
	}

	return Artifacts{
		Name:      name,
		Repo:      "csukuangfj/sherpa-onnx-whisper-" + name,
		Quantized: quantized,
		Encoder:   name + "-encoder" + suffix,
		Decoder:   name + "-decoder" + suffix,
		Tokens:    name + "-tokens.txt",
		SizeBytes: int64(v.SizeMB(quantized)) * 1024 * 1024,
		Variant:   v,
	}, nil
}

func precisionName(quantized bool) string {
	if quantized {
		return "quantized"
	}
	return "full-precision"
}
