//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"ups-monitor/internal/discovery"
	"ups-monitor/internal/entity"
	"ups-monitor/internal/store"
	"ups-monitor/internal/upsapi"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Source is the monitoring engine the bridge mirrors.
type Source interface {
	Devices() map[string]store.DeviceSnapshot
	Device(name string) (store.DeviceSnapshot, bool)
	Facets() []discovery.Facet
	Catalog() []discovery.Command
	ConfiguredNames() []string
	OnChange(func(store.Change)) func()
	OnDiscovered(func([]discovery.Facet)) func()
	OnReload(func(string)) func()
	SendCommand(ctx context.Context, device, command string) upsapi.CommandResult
}

type publishFunc func(topic string, payload []byte, retained bool)

// Bridge exposes discovered facets as Home Assistant entities over MQTT.
type Bridge struct {
	client  pahomqtt.Client
	src     Source
	topics  topics
	logger  *slog.Logger
	publish publishFunc
	unsubs  []func()
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	published map[string][]discovery.Facet // device -> facets with discovery config
	states    map[string][]byte            // device -> last state payload
	avail     map[string]string            // device -> last availability
	byTopic   map[string]string            // topic name -> device
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(src Source, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(src, cfg, logger)
	if cfg.ClientID == "" {
		cfg.ClientID = "ups-monitor-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetWill(b.topics.bridgeState(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.publish = b.mqttPublish

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(src Source, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ups-monitor"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		src:       src,
		topics:    topics{prefix: cfg.TopicPrefix, discoveryPrefix: cfg.DiscoveryPrefix},
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
		published: make(map[string][]discovery.Facet),
		states:    make(map[string][]byte),
		avail:     make(map[string]string),
		byTopic:   make(map[string]string),
	}
}

// Start subscribes to engine events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsubs = append(b.unsubs,
		b.src.OnDiscovered(b.handleDiscovered),
		b.src.OnChange(b.handleChange),
		b.src.OnReload(b.handleReload),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.topics.prefix, "discovery_prefix", b.topics.discoveryPrefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleDiscovered(facets []discovery.Facet) {
	byDevice := make(map[string][]discovery.Facet)
	var order []string
	for _, f := range facets {
		if _, ok := byDevice[f.Device]; !ok {
			order = append(order, f.Device)
		}
		byDevice[f.Device] = append(byDevice[f.Device], f)
	}
	for _, device := range order {
		if !b.claimTopic(device) {
			continue
		}
		b.publishDiscovery(device, byDevice[device])
		b.publishDeviceState(device)
	}
}

// claimTopic reserves the sanitized topic name for device. Names that
// sanitize alike ("UPS 1", "ups_1") would share state and command topics, so
// the first device keeps the name and later ones are not exposed.
func (b *Bridge) claimTopic(device string) bool {
	name := deviceTopicName(device)
	b.mu.Lock()
	owner, taken := b.byTopic[name]
	if !taken {
		b.byTopic[name] = device
	}
	b.mu.Unlock()

	if taken && owner != device {
		b.logger.Warn("device topic name already in use, not exposing device",
			"device", device, "topic_name", name, "owner", owner)
		return false
	}
	return true
}

func (b *Bridge) handleChange(store.Change) {
	b.mu.Lock()
	devices := make([]string, 0, len(b.published))
	for device := range b.published {
		devices = append(devices, device)
	}
	b.mu.Unlock()

	for _, device := range devices {
		b.publishDeviceState(device)
	}
}

// handleReload runs after the engine swaps in a fresh connection. Devices
// stay offline until they report again. Devices dropped from a non-empty
// allow-list lose their entities.
func (b *Bridge) handleReload(string) {
	allowed := make(map[string]bool)
	names := b.src.ConfiguredNames()
	for _, n := range names {
		allowed[n] = true
	}

	b.mu.Lock()
	var removed []discovery.Facet
	var offline []string
	for device, facets := range b.published {
		if len(names) > 0 && !allowed[device] {
			removed = append(removed, facets...)
			delete(b.published, device)
			delete(b.states, device)
			delete(b.byTopic, deviceTopicName(device))
			offline = append(offline, device)
			continue
		}
		delete(b.states, device)
		offline = append(offline, device)
	}
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(removed, b.topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	for _, device := range offline {
		b.setAvailability(device, "offline")
	}
	if len(removed) > 0 {
		b.logger.Info("removed HA discovery", "entities", len(removed))
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topics.bridgeState(), []byte(state), true)
}

// publishAll republishes every known entity, e.g. after a broker reconnect.
func (b *Bridge) publishAll() {
	b.mu.Lock()
	b.states = make(map[string][]byte)
	b.avail = make(map[string]string)
	b.mu.Unlock()

	b.handleDiscovered(b.src.Facets())
}

func (b *Bridge) publishDiscovery(device string, facets []discovery.Facet) {
	dev, ok := b.src.Device(device)
	if !ok {
		dev = store.DeviceSnapshot{Name: device}
	}
	catalog := b.src.Catalog()

	count := 0
	for _, f := range facets {
		msg, ok := buildDiscovery(f, dev, catalog, b.topics)
		if !ok {
			continue
		}
		b.publish(msg.Topic, msg.Payload, true)
		count++
	}

	b.mu.Lock()
	known := b.published[device]
	for _, f := range facets {
		if !containsFacet(known, f) {
			known = append(known, f)
		}
	}
	b.published[device] = known
	b.mu.Unlock()

	b.logger.Info("published HA discovery", "device", device, "entities", count)
}

// publishDeviceState publishes the device's state if it changed since the
// last publish, and marks it available.
func (b *Bridge) publishDeviceState(device string) {
	dev, ok := b.src.Device(device)
	if !ok {
		b.setAvailability(device, "offline")
		return
	}
	payload := mustJSON(entity.State(&dev))

	b.mu.Lock()
	same := bytes.Equal(b.states[device], payload)
	if !same {
		b.states[device] = payload
	}
	b.mu.Unlock()

	if !same {
		b.publish(b.topics.state(device), payload, true)
	}
	b.setAvailability(device, "online")
}

func (b *Bridge) setAvailability(device, state string) {
	b.mu.Lock()
	prev := b.avail[device]
	b.avail[device] = state
	b.mu.Unlock()
	if prev == state {
		return
	}
	b.publish(b.topics.availability(device), []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	topic := b.topics.prefix + "/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommandMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) handleCommandMessage(topic string, payload []byte) {
	rest := strings.TrimPrefix(topic, b.topics.prefix+"/")
	name := strings.TrimSuffix(rest, "/set")
	if name == rest || strings.Contains(name, "/") {
		return
	}

	b.mu.Lock()
	device, ok := b.byTopic[name]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("command for unknown device", "topic", topic)
		return
	}
	b.handleCommand(device, payload)
}

type commandPayload struct {
	Command string `json:"command"`
}

type commandResultPayload struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Time    string `json:"time"`
}

// handleCommand accepts a catalog key, a raw server command, or a JSON
// object with a "command" field.
func (b *Bridge) handleCommand(device string, payload []byte) {
	input := strings.TrimSpace(string(payload))
	if strings.HasPrefix(input, "{") {
		var cmd commandPayload
		if err := json.Unmarshal(payload, &cmd); err != nil {
			b.logger.Warn("invalid command JSON", "device", device, "err", err)
			return
		}
		input = cmd.Command
	}

	command, ok := discovery.ResolveCommand(b.src.Catalog(), input)
	if !ok {
		b.logger.Warn("rejected command", "device", device, "command", input)
		b.publishCommandResult(device, commandResultPayload{Command: input, Error: "unknown command"})
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, upsapi.DefaultTimeout+time.Second)
	defer cancel()
	res := b.src.SendCommand(ctx, device, command)
	if !res.Success {
		b.logger.Warn("command failed", "device", device, "command", command, "err", res.Error)
	}
	b.publishCommandResult(device, commandResultPayload{
		Command: command,
		Success: res.Success,
		Error:   res.Error,
		Message: res.Message,
	})
}

func (b *Bridge) publishCommandResult(device string, res commandResultPayload) {
	res.Time = time.Now().UTC().Format(time.RFC3339)
	b.publish(b.topics.commandResult(device), mustJSON(res), false)
}

func (b *Bridge) mqttPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func containsFacet(facets []discovery.Facet, f discovery.Facet) bool {
	for _, x := range facets {
		if x.Key() == f.Key() {
			return true
		}
	}
	return false
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
