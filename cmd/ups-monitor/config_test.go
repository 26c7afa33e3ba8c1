package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPS_MONITOR_SERVER_URL", "")
	t.Setenv("UPS_MONITOR_API_KEY", "")
	t.Setenv("UPS_MONITOR_MQTT_PASSWORD", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  url: ws://ups.local:8080/ws\n")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("web.listen = %q", cfg.Web.Listen)
	}
	if cfg.Store.Path != "ups-monitor.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.MQTT.TopicPrefix != "ups-monitor" || cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("mqtt prefixes = %q, %q", cfg.MQTT.TopicPrefix, cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %q/%q", cfg.Log.Level, cfg.Log.Format)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigFull(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  url: https://ups.example.com
  connection_id: home
  devices: [rack, desk]
  reconnect_delay: 5s
web:
  listen: 0.0.0.0:9000
  api_key: secret
mqtt:
  enabled: true
  broker: tcp://broker:1883
  topic_prefix: ups
log:
  level: debug
  format: json
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server.ConnectionID != "home" || len(cfg.Server.Devices) != 2 {
		t.Errorf("server = %+v", cfg.Server)
	}
	d, err := cfg.reconnectDelay()
	if err != nil || d != 5*time.Second {
		t.Errorf("reconnectDelay = %v, %v", d, err)
	}
	if cfg.MQTT.TopicPrefix != "ups" {
		t.Errorf("topic_prefix = %q", cfg.MQTT.TopicPrefix)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("UPS_MONITOR_SERVER_URL", "ws://override:1/ws")
	t.Setenv("UPS_MONITOR_API_KEY", "env-key")
	t.Setenv("UPS_MONITOR_MQTT_PASSWORD", "env-pass")
	path := writeConfig(t, "server:\n  url: ws://file:1/ws\nweb:\n  api_key: file-key\n")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.URL != "ws://override:1/ws" {
		t.Errorf("server.url = %q", cfg.Server.URL)
	}
	if cfg.Web.APIKey != "env-key" {
		t.Errorf("web.api_key = %q", cfg.Web.APIKey)
	}
	if cfg.MQTT.Password != "env-pass" {
		t.Errorf("mqtt.password = %q", cfg.MQTT.Password)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	clearEnv(t)
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "server: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing url", func(c *Config) { c.Server.URL = "" }, "server.url is required"},
		{"bad scheme", func(c *Config) { c.Server.URL = "ftp://host" }, "server.url"},
		{"bad delay", func(c *Config) { c.Server.ReconnectDelay = "soon" }, "reconnect_delay"},
		{"negative delay", func(c *Config) { c.Server.ReconnectDelay = "-1s" }, "must not be negative"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Server.URL = "ws://ups.local/ws"
			cfg.Log.Format = "text"
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func fakeServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"device_name":"rack","device_type":"nut","attributes":{"ups_status":"OL"}},{"device_name":"desk","device_type":"apcupsd","attributes":{}}]`))
	})
	mux.HandleFunc("POST /api/command", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["command"] != "beeper.disable" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"unsupported"}`))
			return
		}
		w.Write([]byte(`{"success":true,"message":"sent"}`))
	})
	mux.HandleFunc("POST /api/device/test", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"attributes":{"ups_status":"OL","battery_charge":"95"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestCLICommands(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  url: "+fakeServer(t)+"\n")

	out, err := runCLI(t, "--config", path, "health")
	if err != nil || !strings.Contains(out, "is healthy") {
		t.Errorf("health: %v, %q", err, out)
	}

	out, err = runCLI(t, "--config", path, "status", "desk")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"device_name": "desk"`) || strings.Contains(out, `"rack"`) {
		t.Errorf("status output = %q", out)
	}

	if _, err := runCLI(t, "--config", path, "status", "garage"); err == nil {
		t.Error("expected error for unknown device")
	}

	out, err = runCLI(t, "--config", path, "command", "rack", "beeper_disable")
	if err != nil || !strings.Contains(out, `"success": true`) {
		t.Errorf("command: %v, %q", err, out)
	}

	if _, err := runCLI(t, "--config", path, "command", "rack", "load.off"); err == nil {
		t.Error("expected failed command to return an error")
	}

	if _, err := runCLI(t, "--config", path, "command", "rack", "rm -rf"); err == nil {
		t.Error("expected invalid command to be rejected")
	}

	out, err = runCLI(t, "--config", path, "test-device", "--host", "10.0.0.5")
	if err != nil || !strings.Contains(out, "battery_charge") {
		t.Errorf("test-device: %v, %q", err, out)
	}
}

func TestDefaultPort(t *testing.T) {
	if got := defaultPort("apcupsd"); got != 3551 {
		t.Errorf("apcupsd port = %d", got)
	}
	if got := defaultPort("nut"); got != 3493 {
		t.Errorf("nut port = %d", got)
	}
}
