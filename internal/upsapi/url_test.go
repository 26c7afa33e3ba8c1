package upsapi

import (
	"errors"
	"testing"
)

func TestHTTPURL(t *testing.T) {
	tests := []struct {
		in   string
		path string
		want string
	}{
		{"ws://host:8080/ws", "/api/status", "http://host:8080/api/status"},
		{"wss://ups.example.com/ws", "/api/command", "https://ups.example.com/api/command"},
		{"http://host:8080", "/health", "http://host:8080/health"},
		{"https://host/ws?token=x#frag", "/api/status", "https://host/api/status"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := HTTPURL(tt.in, tt.path)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("HTTPURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHTTPURLRejectsUnknownScheme(t *testing.T) {
	for _, in := range []string{"ftp://host/x", "host:8080", "", "ws://"} {
		if _, err := HTTPURL(in, "/api/status"); err == nil {
			t.Errorf("HTTPURL(%q): expected error", in)
		}
	}
	_, err := HTTPURL("mqtt://broker", "/")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://host:8080/ws", "ws://host:8080/ws"},
		{"https://host/ws", "wss://host/ws"},
		{"ws://host/ws", "ws://host/ws"},
	}
	for _, tt := range tests {
		got, err := StreamURL(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
