package media

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPayload      = errors.New("empty audio payload")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrUnsupportedCodec  = errors.New("unsupported codec")
)

// DecodeError байты не удалось декодировать как аудио
type DecodeError struct {
	MimeType string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.MimeType == "" {
		return fmt.Sprintf("decode audio: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.MimeType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FixDurationError контейнер не удалось разобрать при исправлении длительности
type FixDurationError struct {
	MimeType string
	Err      error
}

func (e *FixDurationError) Error() string {
	return fmt.Sprintf("fix %s duration: %v", e.MimeType, e.Err)
}

func (e *FixDurationError) Unwrap() error { return e.Err }
