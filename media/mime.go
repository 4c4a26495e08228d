package media

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
)

const (
	MimeWebM = "audio/webm"
	MimeMP4  = "audio/mp4"
	MimeOgg  = "audio/ogg"
	MimeWAV  = "audio/wav"
	MimeAAC  = "audio/aac"
	MimeMP3  = "audio/mpeg"
	MimeFLAC = "audio/flac"
)

// BaseMimeType отрезает параметры: "audio/webm;codecs=opus" -> "audio/webm"
func BaseMimeType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}

// genericMimeTypes не говорят ничего о контейнере
var genericMimeTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"audio/*":                  true,
	"audio":                    true,
}

var mimeAliases = map[string]string{
	"audio/wave":      MimeWAV,
	"audio/x-wav":     MimeWAV,
	"audio/vnd.wave":  MimeWAV,
	"audio/x-pn-wav":  MimeWAV,
	"audio/mp3":       MimeMP3,
	"audio/x-mp3":     MimeMP3,
	"audio/mpeg3":     MimeMP3,
	"video/webm":      MimeWebM,
	"audio/x-m4a":     MimeMP4,
	"audio/m4a":       MimeMP4,
	"video/mp4":       MimeMP4,
	"audio/x-flac":    MimeFLAC,
	"application/ogg": MimeOgg,
}

// NormalizeMimeType приводит заявленный тип к каноническому виду.
// Пустой или общий тип заменяется определённым по сигнатуре,
// а если сигнатура неизвестна - audio/wav.
func NormalizeMimeType(declared string, data []byte) string {
	base := BaseMimeType(declared)
	if alias, ok := mimeAliases[base]; ok {
		return alias
	}
	if !genericMimeTypes[base] {
		return base
	}
	if sniffed := Sniff(data); sniffed != "" {
		return sniffed
	}
	return MimeWAV
}

// MimeTypeByFilename определяет тип по расширению файла
func MimeTypeByFilename(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".wav", ".wave":
		return MimeWAV
	case ".mp3":
		return MimeMP3
	case ".webm", ".weba":
		return MimeWebM
	case ".ogg", ".oga", ".opus":
		return MimeOgg
	case ".m4a", ".mp4":
		return MimeMP4
	case ".aac":
		return MimeAAC
	case ".flac":
		return MimeFLAC
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return BaseMimeType(t)
	}
	return ""
}

// Sniff определяет контейнер по первым байтам. Пустая строка если не удалось.
func Sniff(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return MimeWAV
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return MimeWebM
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("OggS")):
		return MimeOgg
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("fLaC")):
		return MimeFLAC
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return MimeMP4
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return MimeMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xF6 == 0xF0:
		// ADTS: layer == 00
		return MimeAAC
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return MimeMP3
	}
	return ""
}
