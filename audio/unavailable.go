package audio

import (
	"context"

	"whisperingest/session"
)

// Unavailable устройство-заглушка, когда miniaudio не инициализировался.
// Любая попытка записи завершается ошибкой доступа.
type Unavailable struct {
	Err error
}

func (u Unavailable) Open(ctx context.Context) (session.Stream, error) {
	return nil, u.Err
}
