package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"whisperingest/ai"
	"whisperingest/models"
	"whisperingest/worker"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Port       string
	DataDir    string
	ModelsDir  string
	FFmpegPath string
	LogLevel   string
	MicDevice  string

	// Пустой WorkerAddr - воркер работает в процессе
	WorkerAddr string
	Engine     ai.EngineType
	NumThreads int
	Provider   string

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string

	// Начальная конфигурация транскрибера
	Transcriber worker.Config

	// Прогреть модель при старте
	AutoDownload bool
}

// Load читает флаги. Значения по умолчанию берутся из окружения и .env.
func Load() *Config {
	return LoadArgs(flag.CommandLine, os.Args[1:])
}

// LoadArgs разбирает args в указанном FlagSet
func LoadArgs(fs *flag.FlagSet, args []string) *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to read .env: %v", err)
	}

	def := worker.DefaultConfig()
	cfg := &Config{}

	fs.StringVar(&cfg.Port, "port", env("WHISPER_PORT", "8080"), "Server port")
	fs.StringVar(&cfg.DataDir, "data", env("WHISPER_DATA_DIR", "data"), "Data directory")
	fs.StringVar(&cfg.ModelsDir, "models", env("WHISPER_MODELS_DIR", ""), "Directory for downloaded models (default: data/models)")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", env("WHISPER_FFMPEG", ""), "Path to ffmpeg for compressed formats")
	fs.StringVar(&cfg.LogLevel, "log-level", env("WHISPER_LOG_LEVEL", "info"), "Log level")
	fs.StringVar(&cfg.MicDevice, "mic", env("WHISPER_MIC_DEVICE", ""), "Microphone device name")

	fs.StringVar(&cfg.WorkerAddr, "worker", env("WHISPER_WORKER_ADDR", ""), "Transcription worker address (empty: in-process)")
	engine := fs.String("engine", env("WHISPER_ENGINE", string(ai.EngineTypeSherpa)), "Transcription engine: sherpa or openai")
	fs.IntVar(&cfg.NumThreads, "threads", envInt("WHISPER_THREADS", 0), "Recognizer threads (0: auto)")
	fs.StringVar(&cfg.Provider, "provider", env("WHISPER_PROVIDER", ""), "ONNX execution provider (empty: auto)")

	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", env("OPENAI_API_KEY", ""), "OpenAI API key (or set OPENAI_API_KEY)")
	fs.StringVar(&cfg.OpenAIBaseURL, "openai-base-url", env("OPENAI_BASE_URL", ""), "OpenAI-compatible base URL (or set OPENAI_BASE_URL)")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", env("OPENAI_WHISPER_MODEL", "whisper-1"), "OpenAI transcription model")

	fs.StringVar(&cfg.Transcriber.ModelID, "model", env("WHISPER_MODEL", def.ModelID), "Default Whisper model")
	fs.StringVar(&cfg.Transcriber.Language, "language", env("WHISPER_LANGUAGE", def.Language), "Default language")
	fs.StringVar(&cfg.Transcriber.Task, "task", env("WHISPER_TASK", def.Task), "Default task: transcribe or translate")
	fs.BoolVar(&cfg.Transcriber.Multilingual, "multilingual", envBool("WHISPER_MULTILINGUAL", def.Multilingual), "Use multilingual models")
	fs.BoolVar(&cfg.Transcriber.Quantized, "quantized", envBool("WHISPER_QUANTIZED", def.Quantized), "Use quantized models")
	fs.BoolVar(&cfg.AutoDownload, "auto-download", envBool("WHISPER_AUTO_DOWNLOAD", false), "Download and load the default model at startup")

	fs.Parse(args)

	cfg.Engine = ai.EngineType(*engine)
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = filepath.Join(cfg.DataDir, "models")
	}
	return cfg
}

// Validate проверяет значения, которые нельзя исправить молча
func (c *Config) Validate() error {
	switch c.Engine {
	case ai.EngineTypeSherpa, ai.EngineTypeOpenAI:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return c.Transcriber.Validate()
}

// Loader загрузчик движка для воркера
func (c *Config) Loader(modelMgr *models.Manager) ai.Loader {
	if c.Engine == ai.EngineTypeOpenAI {
		return &ai.OpenAILoader{Config: ai.OpenAIConfig{
			APIKey:  c.OpenAIKey,
			BaseURL: c.OpenAIBaseURL,
			Model:   c.OpenAIModel,
		}}
	}
	return &ai.SherpaLoader{Manager: modelMgr, NumThreads: c.NumThreads, Provider: c.Provider}
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
