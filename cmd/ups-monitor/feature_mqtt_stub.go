//go:build no_mqtt

package main

import (
	"log/slog"

	"ups-monitor/internal/monitor"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *monitor.Manager, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
