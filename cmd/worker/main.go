// Отдельный процесс воркера транскрипции. Оркестратор подключается к нему
// через -worker <addr>.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"whisperingest/internal/config"
	"whisperingest/models"
	"whisperingest/worker"

	log "github.com/sirupsen/logrus"
)

func main() {
	listen := flag.String("listen", worker.DefaultAddr(), "Worker address (unix:, npipe: or host:port)")
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	modelMgr, err := models.NewManager(cfg.ModelsDir)
	if err != nil {
		log.Fatalf("Failed to init model manager: %v", err)
	}

	runner := worker.NewRunner(cfg.Loader(modelMgr))
	defer runner.Close()
	server := worker.NewGRPCServer(runner)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("Received %v, stopping worker", s)
		server.GracefulStop()
	}()

	log.Printf("Transcription worker starting (engine=%s)", cfg.Engine)
	if err := worker.Serve(server, *listen); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
}
