package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"whisperingest/audio"
	"whisperingest/internal/config"
	"whisperingest/internal/service"
	"whisperingest/media"
	"whisperingest/models"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Devices список и выбор микрофона
type Devices interface {
	ListDevices() ([]audio.AudioDevice, error)
	SetMicrophoneByName(name string) error
}

type Server struct {
	Config   *config.Config
	Core     *service.Core
	ModelMgr *models.Manager
	Devices  Devices

	clients map[*websocket.Conn]bool
	mu      sync.Mutex
	levelAt time.Time
}

func NewServer(cfg *config.Config, core *service.Core, modelMgr *models.Manager, devices Devices) *Server {
	s := &Server{
		Config:   cfg,
		Core:     core,
		ModelMgr: modelMgr,
		Devices:  devices,
		clients:  make(map[*websocket.Conn]bool),
	}
	s.setupCallbacks()
	return s
}

// Handler маршруты сервера
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc(service.AssetURLPrefix, s.handleAssetsAPI)
	return mux
}

func (s *Server) Start() error {
	log.Printf("Backend listening on :%s", s.Config.Port)
	return http.ListenAndServe(":"+s.Config.Port, s.Handler())
}

func (s *Server) setupCallbacks() {
	// Любое изменение состояния уходит всем клиентам целиком
	s.Core.OnChange(func(st service.State) {
		s.broadcast(Message{Type: MsgState, State: &st})
	})

	s.Core.Recorder.SetOnLevel(func(level float64) {
		s.mu.Lock()
		if time.Since(s.levelAt) < 50*time.Millisecond {
			s.mu.Unlock()
			return
		}
		s.levelAt = time.Now()
		s.mu.Unlock()
		s.broadcast(Message{Type: MsgAudioLevel, Level: level})
	})
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) == 0 {
		return
	}

	// Запись в соединения сериализована общим мьютексом
	for conn := range s.clients {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Write error: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Write error: %v", err)
	}
}

func (s *Server) sendError(conn *websocket.Conn, err error) {
	s.send(conn, Message{Type: MsgError, Data: err.Error()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade:", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			log.Debugf("Read: %v", err)
			break
		}
		s.processMessage(conn, msg)
	}
}

// load запускает загрузку вне цикла чтения, чтобы cancel_load дошёл
// до сервера, пока идёт передача. Отмена не считается ошибкой.
func (s *Server) load(conn *websocket.Conn, fn func(ctx context.Context) error) {
	go func() {
		if err := fn(context.Background()); err != nil && !service.IsCancelled(err) {
			s.sendError(conn, err)
		}
	}()
}

func (s *Server) processMessage(conn *websocket.Conn, msg Message) {
	tx := s.Core.Transcriber

	switch msg.Type {
	case MsgGetState:
		st := s.Core.State()
		s.send(conn, Message{Type: MsgState, State: &st})

	case MsgLoadURL:
		if msg.URL == "" {
			s.send(conn, Message{Type: MsgError, Data: "url is required"})
			return
		}
		s.load(conn, func(ctx context.Context) error {
			_, err := s.Core.Sources.LoadFromURL(ctx, msg.URL)
			return err
		})

	case MsgLoadFile:
		if len(msg.Payload) == 0 {
			s.send(conn, Message{Type: MsgError, Data: "payload is required"})
			return
		}
		file := service.FileInput{
			Name:     msg.FileName,
			MimeType: msg.MimeType,
			Size:     int64(len(msg.Payload)),
			Body:     bytes.NewReader(msg.Payload),
		}
		s.load(conn, func(ctx context.Context) error {
			_, err := s.Core.Sources.LoadFromFile(ctx, file)
			return err
		})

	case MsgCancelLoad:
		s.Core.Sources.Cancel()

	case MsgStartRecording:
		if err := s.Core.StartRecording(context.Background()); err != nil {
			s.sendError(conn, err)
		}

	case MsgStopRecording:
		if err := s.Core.StopRecording(); err != nil {
			s.sendError(conn, err)
		}

	case MsgSetModel:
		tx.SetModel(msg.Model)
	case MsgSetLanguage:
		tx.SetLanguage(msg.Language)
	case MsgSetTask:
		tx.SetTask(msg.Task)
	case MsgSetMultilingual:
		tx.SetMultilingual(msg.Enabled)
	case MsgSetQuantized:
		tx.SetQuantized(msg.Enabled)

	case MsgTranscribe:
		jobID, err := s.Core.Transcribe(context.Background())
		if err != nil {
			s.sendError(conn, err)
			return
		}
		s.send(conn, Message{Type: MsgJobStarted, JobID: jobID})

	case MsgEditChunk:
		if err := tx.EditChunk(msg.Index, msg.Text); err != nil {
			s.sendError(conn, err)
		}

	case MsgWarmup:
		if err := tx.Warmup(context.Background()); err != nil {
			s.sendError(conn, err)
		}

	case MsgReset:
		s.Core.Reset()

	case MsgGetModels:
		cfg := tx.Config()
		s.send(conn, Message{Type: MsgModelsList, Models: s.listModels(cfg.Quantized, cfg.Multilingual)})

	case MsgCancelDownload, MsgDeleteModel:
		s.manageModel(conn, msg)

	case MsgGetDevices:
		if s.Devices == nil {
			s.send(conn, Message{Type: MsgError, Data: "audio capture is not available"})
			return
		}
		devices, err := s.Devices.ListDevices()
		if err != nil {
			s.sendError(conn, err)
			return
		}
		s.send(conn, Message{Type: MsgDevices, Devices: devices})

	case MsgSetMicDevice:
		if s.Devices == nil {
			s.send(conn, Message{Type: MsgError, Data: "audio capture is not available"})
			return
		}
		if err := s.Devices.SetMicrophoneByName(msg.Data); err != nil {
			s.sendError(conn, err)
			return
		}
		s.send(conn, Message{Type: MsgOK, Data: msg.Type})

	default:
		log.Printf("Unknown message type: %s", msg.Type)
		s.send(conn, Message{Type: MsgError, Data: "unknown message type: " + msg.Type})
	}
}

// manageModel отменяет скачивание или удаляет сборку модели msg.Model,
// выбранную по текущим флагам точности и языка
func (s *Server) manageModel(conn *websocket.Conn, msg Message) {
	if msg.Model == "" {
		s.send(conn, Message{Type: MsgError, Data: "model is required"})
		return
	}
	if s.ModelMgr == nil {
		s.send(conn, Message{Type: MsgError, Data: "models are managed by the remote engine"})
		return
	}

	cfg := s.Core.Transcriber.Config()
	a, err := models.Resolve(msg.Model, cfg.Quantized, cfg.Multilingual)
	if err != nil {
		s.sendError(conn, err)
		return
	}

	if msg.Type == MsgCancelDownload {
		if err := s.ModelMgr.CancelDownload(a.Name); err != nil {
			s.sendError(conn, err)
			return
		}
		s.send(conn, Message{Type: MsgCancelled, Model: msg.Model})
		return
	}

	if err := s.ModelMgr.Delete(a); err != nil {
		s.sendError(conn, err)
		return
	}
	s.send(conn, Message{Type: MsgDeleted, Model: msg.Model})
	s.send(conn, Message{Type: MsgModelsList, Models: s.listModels(cfg.Quantized, cfg.Multilingual)})
}

// listModels варианты, предлагаемые при текущих флагах. Без менеджера
// (удалённый движок) статус загрузки неизвестен.
func (s *Server) listModels(quantized, multilingual bool) []models.ModelState {
	if s.ModelMgr != nil {
		return s.ModelMgr.List(quantized, multilingual)
	}
	variants := models.Filter(models.Registry, quantized, multilingual)
	states := make([]models.ModelState, 0, len(variants))
	for _, v := range variants {
		states = append(states, models.ModelState{
			Variant: v,
			SizeMB:  v.SizeMB(quantized),
			Status:  models.ModelStatusNotDownloaded,
		})
	}
	return states
}

// handleAssetsAPI отдаёт байты ассета по его URL. ?format=mp3 отдаёт
// MP3-версию для проигрывателей без поддержки исходного формата.
func (s *Server) handleAssetsAPI(w http.ResponseWriter, r *http.Request) {
	// CORS headers for dev mode (Vite runs on different port)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, service.AssetURLPrefix)
	if id == "" {
		// Текущий ассет без сэмплов
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Core.Sources.Asset())
		return
	}

	blob, ok := s.Core.Blobs.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	data, mimeType := blob.Data, blob.MimeType
	if r.URL.Query().Get("format") == "mp3" {
		data, mimeType = blob.MP3(), media.MimeMP3
	}
	w.Header().Set("Content-Type", mimeType)
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}
