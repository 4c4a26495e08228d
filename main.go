package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"whisperingest/audio"
	"whisperingest/internal/api"
	"whisperingest/internal/config"
	"whisperingest/internal/service"
	"whisperingest/media"
	"whisperingest/models"
	"whisperingest/session"
	"whisperingest/worker"

	log "github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	log.Println("whisperingest backend starting...")
	log.Printf("Models directory: %s", cfg.ModelsDir)

	modelMgr, err := models.NewManager(cfg.ModelsDir)
	if err != nil {
		log.Fatalf("Failed to init model manager: %v", err)
	}

	// Без аудиоподсистемы сервер работает, но запись недоступна
	var (
		device  session.Device
		devices api.Devices
	)
	capture, err := audio.NewCapture()
	if err != nil {
		log.Printf("Warning: audio capture unavailable: %v", err)
		device = audio.Unavailable{Err: err}
	} else {
		defer capture.Close()
		if cfg.MicDevice != "" {
			if err := capture.SetMicrophoneByName(cfg.MicDevice); err != nil {
				log.Printf("Warning: microphone %q not found: %v", cfg.MicDevice, err)
			}
		}
		device = capture
		devices = capture
	}

	transport, err := openTransport(cfg, modelMgr)
	if err != nil {
		log.Fatalf("Failed to start transcription worker: %v", err)
	}
	client := worker.NewClient(transport)
	defer client.Close()

	blobs := service.NewBlobStore()
	sources := service.NewSourceManager(media.NewDecoder(cfg.FFmpegPath), blobs, nil)
	recorder := session.New(device)
	transcriber := service.NewTranscriber(client, cfg.Transcriber)
	core := service.NewCore(sources, recorder, transcriber, blobs)
	defer core.Close()

	if cfg.AutoDownload {
		if err := transcriber.Warmup(context.Background()); err != nil {
			log.Printf("Warning: model warmup failed: %v", err)
		}
	}

	server := api.NewServer(cfg, core, modelMgr, devices)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Printf("Received %v, shutting down", s)
	case err := <-errCh:
		log.Printf("Server stopped: %v", err)
	}
}

// openTransport подключается к внешнему воркеру или поднимает его в процессе
func openTransport(cfg *config.Config, modelMgr *models.Manager) (worker.Transport, error) {
	if cfg.WorkerAddr != "" {
		log.Printf("Connecting to transcription worker at %s", cfg.WorkerAddr)
		return worker.Dial(cfg.WorkerAddr)
	}
	log.Printf("Starting in-process transcription worker (engine=%s)", cfg.Engine)
	return worker.NewLocal(worker.NewRunner(cfg.Loader(modelMgr))), nil
}
