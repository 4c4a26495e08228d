// Проверка записи с микрофона: пишет запись в файл и декодирует её обратно.
// Запуск: go run ./cmd/testrecord -seconds 5
// Список устройств: go run ./cmd/testrecord -list
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"whisperingest/audio"
	"whisperingest/media"
	"whisperingest/session"

	log "github.com/sirupsen/logrus"
)

func main() {
	list := flag.Bool("list", false, "List capture devices and exit")
	device := flag.String("device", "", "Microphone name (partial match)")
	seconds := flag.Int("seconds", 5, "Recording length")
	output := flag.String("out", "test_recording", "Output file name without extension")
	flag.Parse()

	capture, err := audio.NewCapture()
	if err != nil {
		log.Fatalf("Failed to init audio: %v", err)
	}
	defer capture.Close()

	if *list {
		devices, err := capture.ListDevices()
		if err != nil {
			log.Fatalf("Failed to list devices: %v", err)
		}
		for _, d := range devices {
			mark := " "
			if d.IsDefault {
				mark = "*"
			}
			fmt.Printf("%s %s\n", mark, d.Name)
		}
		return
	}

	if *device != "" {
		if err := capture.SetMicrophoneByName(*device); err != nil {
			log.Fatalf("Microphone not found: %v", err)
		}
	}

	done := make(chan session.Recording, 1)
	rec := session.New(capture)
	rec.SetOnLevel(func(level float64) {
		bars := int(level * 40)
		fmt.Printf("\r[%-40s]", strings.Repeat("#", bars))
	})

	err = rec.Start(context.Background(), func(r session.Recording, err error) {
		if err != nil {
			log.Fatalf("Recording failed: %v", err)
		}
		done <- r
	})
	if err != nil {
		log.Fatalf("Failed to start recording: %v", err)
	}

	log.Printf("Recording %d s...", *seconds)
	time.Sleep(time.Duration(*seconds) * time.Second)
	if err := rec.Stop(); err != nil {
		log.Fatalf("Failed to stop recording: %v", err)
	}
	fmt.Println()
	r := <-done

	ext := ".webm"
	if r.MimeType == media.MimeWAV {
		ext = ".wav"
	}
	path := *output + ext
	if err := os.WriteFile(path, r.Data, 0o644); err != nil {
		log.Fatalf("Failed to write %s: %v", path, err)
	}

	buf, err := media.NewDecoder("").Decode(context.Background(), r.Data, r.MimeType)
	if err != nil {
		log.Fatalf("Recording does not decode: %v", err)
	}
	log.Printf("Saved %s: %s, %d bytes, %v recorded, %v decoded", path, r.MimeType, len(r.Data), r.Duration, buf.Duration())
}
