package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileStatus стадия загрузки отдельного файла модели
type FileStatus string

const (
	FileInitiate FileStatus = "initiate"
	FileDownload FileStatus = "download"
	FileDone     FileStatus = "done"
)

// FileProgressFunc отчёт о прогрессе одного файла (0-100)
type FileProgressFunc func(file string, progress float64, status FileStatus)

// ModelStatus статус модели на устройстве
type ModelStatus string

const (
	ModelStatusNotDownloaded ModelStatus = "not_downloaded"
	ModelStatusDownloading   ModelStatus = "downloading"
	ModelStatusDownloaded    ModelStatus = "downloaded"
)

// ModelState вариант с состоянием его сборки
type ModelState struct {
	Variant
	Artifact string      `json:"artifact"`
	SizeMB   int         `json:"sizeMb"`
	Status   ModelStatus `json:"status"`
}

// Paths пути к файлам скачанной сборки
type Paths struct {
	Encoder string
	Decoder string
	Tokens  string
}

// ErrAlreadyDownloading сборка уже скачивается другим вызовом
var ErrAlreadyDownloading = errors.New("model is already downloading")

// Manager кэш файлов моделей на диске
type Manager struct {
	modelsDir string
	baseURL   string
	client    *http.Client
	downloads map[string]context.CancelFunc // Активные загрузки
	mu        sync.RWMutex
}

// NewManager создаёт новый менеджер моделей
func NewManager(modelsDir string) (*Manager, error) {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}

	return &Manager{
		modelsDir: modelsDir,
		baseURL:   DefaultBaseURL,
		client:    &http.Client{},
		downloads: make(map[string]context.CancelFunc),
	}, nil
}

// SetBaseURL меняет источник файлов (зеркало HuggingFace)
func (m *Manager) SetBaseURL(baseURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseURL = baseURL
}

// ModelsDir возвращает путь к директории моделей
func (m *Manager) ModelsDir() string {
	return m.modelsDir
}

func (m *Manager) path(a Artifacts, file string) string {
	return filepath.Join(m.modelsDir, a.Name, file)
}

// Paths возвращает пути к файлам сборки
func (m *Manager) Paths(a Artifacts) Paths {
	return Paths{
		Encoder: m.path(a, a.Encoder),
		Decoder: m.path(a, a.Decoder),
		Tokens:  m.path(a, a.Tokens),
	}
}

// IsDownloaded проверяет, что все файлы сборки на месте
func (m *Manager) IsDownloaded(a Artifacts) bool {
	for _, f := range a.Files() {
		stat, err := os.Stat(m.path(a, f))
		if err != nil || stat.Size() == 0 {
			return false
		}
	}
	return true
}

func (m *Manager) isDownloading(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.downloads[name]
	return ok
}

// List возвращает варианты, допустимые при данных флагах, с их состоянием
func (m *Manager) List(quantized, multilingual bool) []ModelState {
	variants := Filter(Registry, quantized, multilingual)
	states := make([]ModelState, 0, len(variants))
	for _, v := range variants {
		a, err := Resolve(v.ID, quantized, multilingual)
		if err != nil {
			continue
		}
		state := ModelState{Variant: v, Artifact: a.Name, SizeMB: v.SizeMB(quantized), Status: ModelStatusNotDownloaded}
		switch {
		case m.isDownloading(a.Name):
			state.Status = ModelStatusDownloading
		case m.IsDownloaded(a):
			state.Status = ModelStatusDownloaded
		}
		states = append(states, state)
	}
	return states
}

// Ensure скачивает недостающие файлы сборки и возвращает пути.
// Для каждого файла сообщает initiate, download (0-100) и done.
// Если всё уже на диске, колбэк не вызывается.
func (m *Manager) Ensure(ctx context.Context, a Artifacts, onFile FileProgressFunc) (Paths, error) {
	if m.IsDownloaded(a) {
		return m.Paths(a), nil
	}
	if onFile == nil {
		onFile = func(string, float64, FileStatus) {}
	}

	m.mu.Lock()
	if _, exists := m.downloads[a.Name]; exists {
		m.mu.Unlock()
		return Paths{}, fmt.Errorf("%w: %s", ErrAlreadyDownloading, a.Name)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.downloads[a.Name] = cancel
	baseURL := m.baseURL
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.downloads, a.Name)
		m.mu.Unlock()
	}()

	log.Printf("Downloading model %s from %s", a.Name, a.Repo)

	for _, file := range a.Files() {
		onFile(file, 0, FileInitiate)

		dest := m.path(a, file)
		if stat, err := os.Stat(dest); err == nil && stat.Size() > 0 {
			onFile(file, 100, FileDone)
			continue
		}

		progressCb := func(p float64) {
			onFile(file, p, FileDownload)
		}
		err := DownloadFile(ctx, m.client, fileURL(baseURL, a.Repo, file), dest, 0, progressCb)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				log.Printf("Download cancelled for model: %s", a.Name)
				m.cleanupPartialDownload(a)
				return Paths{}, fmt.Errorf("download %s: %w", a.Name, context.Canceled)
			}
			log.Printf("Download failed for model %s: %v", a.Name, err)
			return Paths{}, fmt.Errorf("download %s: %w", file, err)
		}
		onFile(file, 100, FileDone)
	}

	log.Printf("Download completed for model: %s", a.Name)
	return m.Paths(a), nil
}

// CancelDownload отменяет скачивание сборки
func (m *Manager) CancelDownload(name string) error {
	m.mu.Lock()
	cancel, exists := m.downloads[name]
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("model %s is not downloading", name)
	}
	cancel()
	return nil
}

// Delete удаляет скачанную сборку
func (m *Manager) Delete(a Artifacts) error {
	if m.isDownloading(a.Name) {
		return fmt.Errorf("%w: %s", ErrAlreadyDownloading, a.Name)
	}
	if err := os.RemoveAll(filepath.Join(m.modelsDir, a.Name)); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	log.Printf("Model deleted: %s", a.Name)
	return nil
}

// cleanupPartialDownload удаляет временные файлы прерванной загрузки
func (m *Manager) cleanupPartialDownload(a Artifacts) {
	for _, f := range a.Files() {
		os.Remove(m.path(a, f) + ".tmp")
	}
}
