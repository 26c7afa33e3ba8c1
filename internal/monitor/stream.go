package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// StreamState is the lifecycle state of a StreamClient.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stream defaults.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultReadLimit      = 1 << 20
)

// MessageHandler processes one stream payload. A returned error marks the
// payload as dropped; the connection stays up.
type MessageHandler func(data []byte) error

// StreamConfig configures a StreamClient.
type StreamConfig struct {
	URL            string
	ReconnectDelay time.Duration
	ReadLimit      int64
}

// StreamClient holds a websocket to the server's push stream and reconnects
// after a fixed delay, forever, until stopped.
type StreamClient struct {
	url       string
	delay     time.Duration
	readLimit int64
	handler   MessageHandler
	logger    *slog.Logger
	metrics   *Metrics

	state   atomic.Int32
	onState func(StreamState)

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStreamClient creates a stopped-until-started client.
func NewStreamClient(cfg StreamConfig, handler MessageHandler, logger *slog.Logger, metrics *Metrics) *StreamClient {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	c := &StreamClient{
		url:       cfg.URL,
		delay:     cfg.ReconnectDelay,
		readLimit: cfg.ReadLimit,
		handler:   handler,
		logger:    logger.With("component", "stream"),
		metrics:   metrics,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// OnStateChange registers a callback for state transitions. It must be set
// before Start.
func (c *StreamClient) OnStateChange(fn func(StreamState)) {
	c.onState = fn
}

// State returns the current state.
func (c *StreamClient) State() StreamState {
	return StreamState(c.state.Load())
}

// Start launches the connect loop. Calls after the first, or after Stop,
// do nothing.
func (c *StreamClient) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop ends the loop, aborting any pending sleep or read, and waits for it
// to exit. Safe to call multiple times and before Start.
func (c *StreamClient) Stop() {
	c.mu.Lock()
	c.stopped = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-c.done
		return
	}
	c.setState(StateStopped)
}

// Done is closed when the connect loop has exited.
func (c *StreamClient) Done() <-chan struct{} {
	return c.done
}

func (c *StreamClient) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("stream connect failed", "url", c.url, "err", err, "retry_in", c.delay)
			c.metrics.disconnected("connect_error")
			c.setState(StateDisconnected)
			if !sleepCtx(ctx, c.delay) {
				return
			}
			continue
		}

		conn.SetReadLimit(c.readLimit)
		c.setState(StateConnected)
		c.metrics.connected()
		c.logger.Info("stream connected", "url", c.url)

		// A cancelled read context already tears the connection down.
		err = c.readLoop(ctx, conn)
		conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		c.logDisconnect(err)
		c.setState(StateDisconnected)

		if !sleepCtx(ctx, c.delay) {
			return
		}
	}
}

func (c *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.metrics.messageReceived()
		if c.handler == nil {
			continue
		}
		if err := c.handler(data); err != nil {
			c.logger.Debug("dropped stream message", "err", err, "bytes", len(data))
			c.metrics.dropped("invalid_payload", 1)
		}
	}
}

// logDisconnect classifies why the connection ended.
func (c *StreamClient) logDisconnect(err error) {
	code := websocket.CloseStatus(err)
	switch {
	case code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway:
		c.logger.Info("stream closed by server", "code", int(code), "retry_in", c.delay)
		c.metrics.disconnected("closed")
	case code != -1:
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		c.logger.Warn("stream closed with error", "code", int(code), "reason", reason, "retry_in", c.delay)
		c.metrics.disconnected("close_error")
	default:
		c.logger.Warn("stream read failed", "err", err, "retry_in", c.delay)
		c.metrics.disconnected("read_error")
	}
}

func (c *StreamClient) setState(s StreamState) {
	prev := StreamState(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.metrics.setStreamState(s)
	if c.onState != nil {
		c.onState(s)
	}
}

// sleepCtx waits for d or until ctx is done. Returns false if ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
