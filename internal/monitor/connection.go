package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ups-monitor/internal/discovery"
	"ups-monitor/internal/store"
	"ups-monitor/internal/upsapi"
)

// API is the part of the remote server the connection needs.
type API interface {
	ServerURL() string
	Status(ctx context.Context) ([]store.DeviceSnapshot, int, error)
	SendCommand(ctx context.Context, device, command string) upsapi.CommandResult
}

// ConnectionConfig configures one Connection.
type ConnectionConfig struct {
	ID             string
	Names          []string
	ReconnectDelay time.Duration
	Seed           SeedPolicy
	Catalog        []discovery.Command
}

// Connection is one live mirror of the remote server: its own snapshot
// store, discovery ledger and stream client.
type Connection struct {
	id         string
	api        API
	snapshot   *store.Snapshot
	reconciler *discovery.Reconciler
	stream     *StreamClient
	seedPolicy SeedPolicy
	logger     *slog.Logger
	metrics    *Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.RWMutex
	cancel   context.CancelFunc
	stopped  bool
	seedInfo SeedResult
}

// NewConnection wires a store, reconciler and stream client together. The
// configured names become the store's allow-list.
func NewConnection(cfg ConnectionConfig, api API, logger *slog.Logger, metrics *Metrics) (*Connection, error) {
	streamURL, err := upsapi.StreamURL(api.ServerURL())
	if err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}
	if cfg.Seed.Attempts == 0 {
		cfg.Seed = DefaultSeedPolicy()
	}

	logger = logger.With("connection", cfg.ID)
	c := &Connection{
		id:         cfg.ID,
		api:        api,
		snapshot:   store.NewSnapshot(cfg.ID, logger),
		seedPolicy: cfg.Seed,
		logger:     logger.With("component", "connection"),
		metrics:    metrics,
	}
	c.snapshot.Configure(cfg.Names)

	var opts []discovery.Option
	if cfg.Catalog != nil {
		opts = append(opts, discovery.WithCatalog(cfg.Catalog))
	}
	c.reconciler = discovery.NewReconciler(c.snapshot, logger, opts...)
	c.reconciler.OnDiscovered(func(facets []discovery.Facet) {
		for _, f := range facets {
			c.metrics.discovered(f.Kind)
		}
	})
	c.snapshot.Subscribe(func(store.Change) {
		c.reconciler.Trigger()
	})

	c.stream = NewStreamClient(StreamConfig{
		URL:            streamURL,
		ReconnectDelay: cfg.ReconnectDelay,
	}, c.handleMessage, logger, metrics)

	return c, nil
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Snapshot returns the connection's store.
func (c *Connection) Snapshot() *store.Snapshot { return c.snapshot }

// Reconciler returns the connection's discovery reconciler.
func (c *Connection) Reconciler() *discovery.Reconciler { return c.reconciler }

// StreamState returns the stream client state.
func (c *Connection) StreamState() StreamState { return c.stream.State() }

// OnStreamState registers a callback for stream state transitions. It must
// be set before Start.
func (c *Connection) OnStreamState(fn func(StreamState)) { c.stream.OnStateChange(fn) }

// SeedInfo returns the outcome of the initial seed.
func (c *Connection) SeedInfo() SeedResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seedInfo
}

// Start seeds the store, then starts discovery and the stream. Seed
// failures are not fatal; the stream fills the store later.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	names := c.snapshot.ConfiguredNames()
	res := Seed(ctx, c.fetch, names, c.seedPolicy)
	c.metrics.seeded(res.Attempts)
	c.mu.Lock()
	c.seedInfo = res
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	switch {
	case len(res.Snapshots) == 0:
		c.logger.Warn("seed returned no devices", "attempts", res.Attempts)
	case !res.Converged:
		c.logger.Warn("seed incomplete, continuing with partial state",
			"attempts", res.Attempts, "missing", res.Missing)
	default:
		c.logger.Info("seed complete", "attempts", res.Attempts, "devices", len(res.Snapshots))
	}
	if len(res.Snapshots) > 0 {
		c.apply(res.Snapshots)
	}

	// Stop may have run while the seed was in flight. The stopped check and
	// wg.Add share c.mu so Stop never waits on a goroutine started after it.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconciler.Run(ctx)
	}()
	c.stream.Start(ctx)
}

// Stop halts the stream and discovery and waits for them to exit.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.stream.Stop()
		c.wg.Wait()
		c.logger.Info("connection stopped")
	})
}

// SendCommand dispatches a device command. It is never retried.
func (c *Connection) SendCommand(ctx context.Context, device, command string) upsapi.CommandResult {
	res := c.api.SendCommand(ctx, device, command)
	c.metrics.command(res.Success)
	if res.Success {
		c.logger.Info("command sent", "device", device, "command", command)
	} else {
		c.logger.Warn("command failed", "device", device, "command", command, "err", res.Error)
	}
	return res
}

func (c *Connection) fetch(ctx context.Context) ([]store.DeviceSnapshot, error) {
	snaps, dropped, err := c.api.Status(ctx)
	if err != nil {
		c.logger.Debug("seed fetch failed", "err", err)
		return nil, err
	}
	c.metrics.dropped("malformed_entry", dropped)
	return snaps, nil
}

func (c *Connection) handleMessage(data []byte) error {
	snaps, dropped, err := store.DecodeSnapshots(data)
	if err != nil {
		return err
	}
	c.metrics.dropped("malformed_entry", dropped)
	c.apply(snaps)
	return nil
}

func (c *Connection) apply(snaps []store.DeviceSnapshot) {
	res := c.snapshot.Apply(snaps)
	c.metrics.dropped("unnamed_entry", res.Dropped)
	c.metrics.applied(c.snapshot.Len())
}
