package service

import (
	"context"

	"whisperingest/session"

	log "github.com/sirupsen/logrus"
)

// StartRecording начинает запись с микрофона. Готовая запись
// декодируется в ассет RECORDING.
func (c *Core) StartRecording(ctx context.Context) error {
	err := c.Recorder.Start(ctx, func(rec session.Recording, err error) {
		if err != nil {
			log.Printf("Recording could not be finalized: %v", err)
			c.Sources.fail(err)
			return
		}

		c.recordingLoads.Add(1)
		go func() {
			defer c.recordingLoads.Done()
			if _, err := c.Sources.LoadFromRecording(context.Background(), rec.Data, rec.MimeType); err != nil && !IsCancelled(err) {
				log.Printf("Failed to decode recording: %v", err)
			}
		}()
	})
	if err != nil {
		log.Printf("Failed to start recording: %v", err)
		return err
	}
	return nil
}

// StopRecording останавливает запись; ассет появится после декодирования
func (c *Core) StopRecording() error {
	return c.Recorder.Stop()
}
