package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"whisperingest/media"

	log "github.com/sirupsen/logrus"
)

// SourceKind откуда получено аудио
type SourceKind string

const (
	SourceURL       SourceKind = "URL"
	SourceFile      SourceKind = "FILE"
	SourceRecording SourceKind = "RECORDING"
)

// Asset декодированное аудио и ссылка для проигрывания
type Asset struct {
	ID               string        `json:"id"`
	URL              string        `json:"url"`
	Source           SourceKind    `json:"source"`
	MimeType         string        `json:"mimeType"`
	SampleRate       int           `json:"sampleRate"`
	NumberOfChannels int           `json:"numberOfChannels"`
	DurationSeconds  float64       `json:"duration"`
	Buffer           *media.Buffer `json:"-"`
}

// Progress прогресс получения. Determinate=false, когда размер неизвестен.
type Progress struct {
	Fraction    float64 `json:"fraction"`
	Determinate bool    `json:"determinate"`
}

// SourceState снимок для UI. AcquisitionProgress == nil - ничего не загружается.
type SourceState struct {
	AudioAsset          *Asset    `json:"audioAsset"`
	AcquisitionProgress *Progress `json:"acquisitionProgress"`
	IsAudioLoading      bool      `json:"isAudioLoading"`
	Error               string    `json:"error,omitempty"`
}

// TransferError ошибка сети или прерывание загрузки.
// Cancelled - загрузка отменена или вытеснена новой; пользователю не показывается.
type TransferError struct {
	URL        string
	StatusCode int
	Cancelled  bool
	Err        error
}

func (e *TransferError) Error() string {
	switch {
	case e.Cancelled:
		return fmt.Sprintf("transfer cancelled: %s", e.URL)
	case e.StatusCode != 0:
		return fmt.Sprintf("transfer failed: %s: status %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("transfer failed: %s: %v", e.URL, e.Err)
	}
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsCancelled проверяет, что ошибка - ожидаемая отмена загрузки
func IsCancelled(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Cancelled
}

// FileInput локальный файл, выбранный пользователем
type FileInput struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// Decoder шаг декодирования, общий для всех источников
type Decoder interface {
	Decode(ctx context.Context, data []byte, mimeType string) (*media.Buffer, error)
}

// SourceManager сводит URL, файл и запись к одному декодированному ассету.
// Каждая загрузка вытесняет предыдущую; результаты вытесненной отбрасываются.
type SourceManager struct {
	decoder Decoder
	client  *http.Client
	blobs   *BlobStore

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	asset      *Asset
	progress   *Progress
	lastErr    error

	onChange      func(SourceState)
	onAssetChange func(*Asset)
	notifyMu      sync.Mutex // снимок и колбэки под ним, чтобы старое состояние не пришло последним
}

// NewSourceManager создаёт менеджер источников. client может быть nil.
func NewSourceManager(decoder Decoder, blobs *BlobStore, client *http.Client) *SourceManager {
	if client == nil {
		client = &http.Client{} // без таймаута для больших файлов
	}
	return &SourceManager{decoder: decoder, client: client, blobs: blobs}
}

// OnChange подписка на изменения состояния
func (m *SourceManager) OnChange(cb func(SourceState)) {
	m.mu.Lock()
	m.onChange = cb
	m.mu.Unlock()
}

// OnAssetChange вызывается при каждой смене текущего ассета (в том числе на nil)
func (m *SourceManager) OnAssetChange(cb func(*Asset)) {
	m.mu.Lock()
	m.onAssetChange = cb
	m.mu.Unlock()
}

// State возвращает снимок состояния
func (m *SourceManager) State() SourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *SourceManager) stateLocked() SourceState {
	st := SourceState{AudioAsset: m.asset, IsAudioLoading: m.progress != nil}
	if m.progress != nil {
		p := *m.progress
		st.AcquisitionProgress = &p
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}

// Asset текущий ассет или nil
func (m *SourceManager) Asset() *Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.asset
}

func (m *SourceManager) notify(assetChanged bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	cb := m.onChange
	assetCb := m.onAssetChange
	st := m.stateLocked()
	m.mu.Unlock()

	if assetChanged && assetCb != nil {
		assetCb(st.AudioAsset)
	}
	if cb != nil {
		cb(st)
	}
}

// supersedeLocked отменяет текущую загрузку и освобождает ассет.
// Возвращает true, если ассет был.
func (m *SourceManager) supersedeLocked() bool {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.generation++
	m.progress = nil
	m.lastErr = nil
	if m.asset == nil {
		return false
	}
	m.blobs.Release(m.asset.ID)
	m.asset = nil
	return true
}

// begin начинает новое поколение загрузки
func (m *SourceManager) begin(parent context.Context, determinate bool) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	hadAsset := m.supersedeLocked()
	m.cancel = cancel
	m.progress = &Progress{Fraction: 0, Determinate: determinate}
	gen := m.generation
	m.mu.Unlock()

	m.notify(hadAsset)
	return ctx, gen
}

// setProgress применяет прогресс, только если поколение актуально
func (m *SourceManager) setProgress(gen uint64, fraction float64, determinate bool) {
	m.mu.Lock()
	if gen != m.generation || m.progress == nil {
		m.mu.Unlock()
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	if determinate && fraction < m.progress.Fraction {
		fraction = m.progress.Fraction
	}
	m.progress = &Progress{Fraction: fraction, Determinate: determinate}
	m.mu.Unlock()
	m.notify(false)
}

// finish завершает загрузку поколения gen. Результат вытесненного
// поколения отбрасывается и превращается в отмену.
func (m *SourceManager) finish(ctx context.Context, gen uint64, data []byte, mimeType string, kind SourceKind, buf *media.Buffer, err error) (*Asset, error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return nil, &TransferError{Cancelled: true, Err: context.Canceled}
	}
	if err == nil && ctx.Err() != nil {
		err = &TransferError{Cancelled: true, Err: ctx.Err()}
	}
	// контекст проверен до отмены: иначе успешная загрузка выглядела бы отменённой
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.progress = nil
	if err != nil {
		if !IsCancelled(err) {
			m.lastErr = err
		}
		m.mu.Unlock()
		m.notify(false)
		return nil, err
	}

	id, url := m.blobs.Put(data, mimeType, buf)
	asset := &Asset{
		ID:               id,
		URL:              url,
		Source:           kind,
		MimeType:         mimeType,
		SampleRate:       buf.SampleRate,
		NumberOfChannels: buf.NumberOfChannels(),
		DurationSeconds:  buf.Duration().Seconds(),
		Buffer:           buf,
	}
	m.asset = asset
	m.mu.Unlock()

	log.Printf("Audio loaded: source=%s mime=%s duration=%.1fs channels=%d", kind, mimeType, asset.DurationSeconds, asset.NumberOfChannels)
	m.notify(true)
	return asset, nil
}

// fail сообщает об ошибке вне загрузки (например, сборка записи не удалась)
func (m *SourceManager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.notify(false)
}

// LoadFromURL скачивает аудио с прогрессом по байтам и декодирует его.
// Блокируется до результата; Cancel или новая загрузка прерывают передачу.
func (m *SourceManager) LoadFromURL(parent context.Context, url string) (*Asset, error) {
	ctx, gen := m.begin(parent, false)
	log.Printf("Loading audio from %s", url)

	data, mimeType, err := m.download(ctx, gen, url)
	if err != nil {
		if !IsCancelled(err) {
			log.Printf("Audio download failed: %v", err)
		}
		return m.finish(ctx, gen, nil, "", SourceURL, nil, err)
	}
	buf, err := m.decoder.Decode(ctx, data, mimeType)
	return m.finish(ctx, gen, data, mimeType, SourceURL, buf, err)
}

func (m *SourceManager) download(ctx context.Context, gen uint64, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &TransferError{URL: url, Err: err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", &TransferError{URL: url, Cancelled: true, Err: ctx.Err()}
		}
		return nil, "", &TransferError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &TransferError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("bad status: %s", resp.Status)}
	}

	total := resp.ContentLength
	reader := &progressReader{
		reader: resp.Body,
		total:  total,
		onProgress: func(fraction float64) {
			m.setProgress(gen, fraction, total > 0)
		},
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", &TransferError{URL: url, Cancelled: true, Err: ctx.Err()}
		}
		return nil, "", &TransferError{URL: url, Err: err}
	}

	return data, media.NormalizeMimeType(resp.Header.Get("Content-Type"), data), nil
}

// LoadFromFile читает файл целиком с прогрессом по прочитанным байтам
func (m *SourceManager) LoadFromFile(parent context.Context, file FileInput) (*Asset, error) {
	ctx, gen := m.begin(parent, file.Size > 0)

	reader := &progressReader{
		reader: file.Body,
		total:  file.Size,
		onProgress: func(fraction float64) {
			m.setProgress(gen, fraction, file.Size > 0)
		},
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return m.finish(ctx, gen, nil, "", SourceFile, nil, fmt.Errorf("failed to read %s: %w", file.Name, err))
	}

	declared := file.MimeType
	if declared == "" {
		declared = media.MimeTypeByFilename(file.Name)
	}
	mimeType := media.NormalizeMimeType(declared, data)
	buf, err := m.decoder.Decode(ctx, data, mimeType)
	return m.finish(ctx, gen, data, mimeType, SourceFile, buf, err)
}

// LoadFromRecording декодирует готовую запись. Полезная нагрузка уже
// в памяти, поэтому прогресс неопределённый.
func (m *SourceManager) LoadFromRecording(parent context.Context, payload []byte, mimeType string) (*Asset, error) {
	ctx, gen := m.begin(parent, false)

	mimeType = media.NormalizeMimeType(mimeType, payload)
	buf, err := m.decoder.Decode(ctx, payload, mimeType)
	return m.finish(ctx, gen, payload, mimeType, SourceRecording, buf, err)
}

// Cancel прерывает текущую загрузку. Ассет не меняется.
func (m *SourceManager) Cancel() {
	m.mu.Lock()
	if m.progress == nil {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.generation++
	m.progress = nil
	m.mu.Unlock()

	log.Println("Audio load cancelled")
	m.notify(false)
}

// Reset отменяет загрузку, убирает ассет и освобождает его URL
func (m *SourceManager) Reset() {
	m.mu.Lock()
	hadAsset := m.supersedeLocked()
	m.mu.Unlock()
	m.notify(hadAsset)
}

// progressReader сообщает долю прочитанных байт
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	onProgress func(fraction float64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		if pr.total > 0 {
			pr.onProgress(float64(pr.read) / float64(pr.total))
		} else {
			pr.onProgress(0)
		}
	}
	return n, err
}
