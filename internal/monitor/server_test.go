package monitor

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"nhooyr.io/websocket"

	"ups-monitor/internal/upsapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer mimics the remote monitoring server: /api/status, /api/device,
// /api/command and a /ws stream that pushes whatever is queued on frames.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	status   string
	commands []map[string]string
	devices  map[string]upsapi.DeviceRegistration
	deleted  []string

	frames      chan string
	connections atomic.Int32
	statusCalls atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:       t,
		status:  `[]`,
		devices: make(map[string]upsapi.DeviceRegistration),
		frames:  make(chan string, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		f.statusCalls.Add(1)
		f.mu.Lock()
		body := f.status
		f.mu.Unlock()
		w.Write([]byte(body))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/device/test", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"attributes":["battery_charge","status"]}`))
	})
	mux.HandleFunc("/api/device", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var reg upsapi.DeviceRegistration
			json.NewDecoder(r.Body).Decode(&reg)
			f.devices[reg.Name] = reg
		case http.MethodDelete:
			name := r.URL.Query().Get("name")
			delete(f.devices, name)
			f.deleted = append(f.deleted, name)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.commands = append(f.commands, req)
		f.mu.Unlock()
		if req["command"] == "load.off" {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"refused"}`))
			return
		}
		w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("/ws", f.handleWS)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	f.connections.Add(1)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-f.frames:
			if frame == "" {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
	}
}

func (f *fakeServer) setStatus(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = body
}

func (f *fakeServer) push(frame string) {
	f.frames <- frame
}

func (f *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeServer) client() *upsapi.Client {
	c, err := upsapi.NewClient(f.wsURL())
	if err != nil {
		f.t.Fatal(err)
	}
	return c
}

func (f *fakeServer) registered() map[string]upsapi.DeviceRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]upsapi.DeviceRegistration, len(f.devices))
	for k, v := range f.devices {
		out[k] = v
	}
	return out
}
