package api

import (
	"whisperingest/audio"
	"whisperingest/internal/service"
	"whisperingest/models"
)

// Message WebSocket message structure
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`

	// Audio sources
	URL      string `json:"url,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Payload  []byte `json:"payload,omitempty"` // base64 в JSON

	// Transcriber settings
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	Task     string `json:"task,omitempty"`
	Enabled  bool   `json:"enabled,omitempty"`

	// Transcript edits
	Index int    `json:"index,omitempty"`
	Text  string `json:"text,omitempty"`

	// Responses
	State   *service.State      `json:"state,omitempty"`
	JobID   string              `json:"jobId,omitempty"`
	Models  []models.ModelState `json:"models,omitempty"`
	Devices []audio.AudioDevice `json:"devices,omitempty"`
	Level   float64             `json:"level,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Типы сообщений
const (
	MsgLoadURL         = "load_url"
	MsgLoadFile        = "load_file"
	MsgCancelLoad      = "cancel_load"
	MsgStartRecording  = "start_recording"
	MsgStopRecording   = "stop_recording"
	MsgSetModel        = "set_model"
	MsgSetLanguage     = "set_language"
	MsgSetTask         = "set_task"
	MsgSetMultilingual = "set_multilingual"
	MsgSetQuantized    = "set_quantized"
	MsgTranscribe      = "transcribe"
	MsgEditChunk       = "edit_chunk"
	MsgWarmup          = "warmup"
	MsgReset           = "reset"
	MsgGetState        = "get_state"
	MsgGetModels       = "get_models"
	MsgCancelDownload  = "cancel_download"
	MsgDeleteModel     = "delete_model"
	MsgGetDevices      = "get_devices"
	MsgSetMicDevice    = "set_mic_device"

	MsgState      = "state"
	MsgModelsList = "models_list"
	MsgCancelled  = "download_cancelled"
	MsgDeleted    = "model_deleted"
	MsgDevices    = "devices"
	MsgJobStarted = "job_started"
	MsgAudioLevel = "audio_level"
	MsgError      = "error"
	MsgOK         = "ok"
)
