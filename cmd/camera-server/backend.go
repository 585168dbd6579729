package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-camera-server/internal/camera"
)

// initCamera opens the configured device and wraps it in the facade. It
// returns an error instead of exiting the process to allow graceful handling
// by the caller.
func initCamera(cfg *appConfig, l *slog.Logger) (*camera.Camera, error) {
	var (
		dev camera.Device
		err error
	)
	switch cfg.backend {
	case "sim":
		dev = camera.NewSim()
	case "serial":
		dev, err = camera.OpenSerial(camera.SerialConfig{
			Port:        cfg.serialDev,
			Baud:        cfg.baud,
			ReadTimeout: cfg.serialReadTO,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown backend %q (use sim|serial)", cfg.backend)
	}
	l.Info("camera_backend", "backend", cfg.backend)
	return camera.New(dev, l)
}
