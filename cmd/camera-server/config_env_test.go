package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()

	os.Setenv("CAMERA_SERVER_BAUD", "230400")
	os.Setenv("CAMERA_SERVER_MDNS_ENABLE", "true")
	os.Setenv("CAMERA_SERVER_SERIAL_READ_TIMEOUT", "100ms")
	os.Setenv("CAMERA_SERVER_LOG_METRICS_INTERVAL", "5s")
	os.Setenv("CAMERA_SERVER_BACKEND", "serial")
	t.Cleanup(func() {
		os.Unsetenv("CAMERA_SERVER_BAUD")
		os.Unsetenv("CAMERA_SERVER_MDNS_ENABLE")
		os.Unsetenv("CAMERA_SERVER_SERIAL_READ_TIMEOUT")
		os.Unsetenv("CAMERA_SERVER_LOG_METRICS_INTERVAL")
		os.Unsetenv("CAMERA_SERVER_BACKEND")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.backend != "serial" {
		t.Fatalf("expected backend override, got %s", base.backend)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 921600}
	os.Setenv("CAMERA_SERVER_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("CAMERA_SERVER_BAUD") })
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 921600 {
		t.Fatalf("expected baud unchanged 921600 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{maxClients: 0}
	os.Setenv("CAMERA_SERVER_MAX_CLIENTS", "notint")
	t.Cleanup(func() { os.Unsetenv("CAMERA_SERVER_MAX_CLIENTS") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}
