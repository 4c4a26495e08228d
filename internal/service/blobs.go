package service

import (
	"sync"

	"whisperingest/media"

	"github.com/google/uuid"
)

// AssetURLPrefix путь, по которому UI проигрывает загруженное аудио
const AssetURLPrefix = "/api/assets/"

// Blob исходные байты ассета и их декодированная форма
type Blob struct {
	Data     []byte
	MimeType string
	Buffer   *media.Buffer

	mp3Once sync.Once
	mp3     []byte
}

// MP3 возвращает MP3 версию для контейнеров, которые браузер не играет
func (b *Blob) MP3() []byte {
	b.mp3Once.Do(func() {
		if b.Buffer != nil {
			b.mp3 = media.EncodeMP3(b.Buffer)
		}
	})
	return b.mp3
}

// BlobStore хранит проигрываемые версии ассетов до их освобождения
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]*Blob)}
}

// Put сохраняет байты и возвращает id и URL для проигрывания
func (s *BlobStore) Put(data []byte, mimeType string, buf *media.Buffer) (id, url string) {
	id = uuid.NewString()
	s.mu.Lock()
	s.blobs[id] = &Blob{Data: data, MimeType: mimeType, Buffer: buf}
	s.mu.Unlock()
	return id, AssetURLPrefix + id
}

func (s *BlobStore) Get(id string) (*Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	return b, ok
}

// Release освобождает URL ассета
func (s *BlobStore) Release(id string) {
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
}

// Len количество удерживаемых ассетов
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
