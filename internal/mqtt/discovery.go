//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"ups-monitor/internal/discovery"
	"ups-monitor/internal/entity"
	"ups-monitor/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/ups_rack/battery_charge/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	ObjectID          string           `json:"object_id,omitempty"`
	StateTopic        string           `json:"state_topic,omitempty"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode,omitempty"`
	ValueTemplate     string           `json:"value_template,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	EntityCategory    string           `json:"entity_category,omitempty"`
	Icon              string           `json:"icon,omitempty"`
	PayloadPress      string           `json:"payload_press,omitempty"`
	Device            haDevice         `json:"device"`
}

// topics is the MQTT topic layout shared by discovery and the bridge.
type topics struct {
	prefix          string
	discoveryPrefix string
}

func (t topics) bridgeState() string { return t.prefix + "/bridge/state" }

func (t topics) state(device string) string { return t.prefix + "/" + deviceTopicName(device) }

func (t topics) availability(device string) string { return t.state(device) + "/availability" }

func (t topics) command(device string) string { return t.state(device) + "/set" }

func (t topics) commandResult(device string) string { return t.state(device) + "/command_result" }

func (t topics) config(component, device, object string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.discoveryPrefix, component, deviceIdentifier(device), object)
}

// deviceIdentifier returns the node id used in discovery topics and the
// HA device registry.
func deviceIdentifier(device string) string {
	return "ups_" + deviceTopicName(device)
}

// deviceTopicName sanitizes a device name for MQTT topics: lowercase and
// only safe characters.
func deviceTopicName(device string) string {
	name := strings.ToLower(device)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// objectID sanitizes an attribute or command key for use as a topic level.
func objectID(key string) string {
	return deviceTopicName(key)
}

func buildHADevice(dev store.DeviceSnapshot) haDevice {
	info := entity.BuildDeviceInfo(dev)
	return haDevice{
		Identifiers:  []string{deviceIdentifier(dev.Name)},
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		SerialNumber: info.Serial,
		Name:         info.Name,
	}
}

// buildDiscovery generates the HA discovery message for one facet. The
// device snapshot supplies the device block.
func buildDiscovery(f discovery.Facet, dev store.DeviceSnapshot, catalog []discovery.Command, t topics) (discoveryMsg, bool) {
	haDev := buildHADevice(dev)
	avail := []haAvailability{
		{Topic: t.bridgeState()},
		{Topic: t.availability(f.Device)},
	}

	switch f.Kind {
	case discovery.KindStatus:
		meta := entity.StatusMeta()
		return buildSensor(f, t, haDev, avail, "status", "Status", meta, false), true
	case discovery.KindAttribute:
		return buildSensor(f, t, haDev, avail, f.Name, entity.DisplayName(f.Name), entity.Meta(f.Name), entity.IsNumeric(f.Name)), true
	case discovery.KindCommand:
		cmd, ok := discovery.Lookup(catalog, f.Name)
		if !ok {
			return discoveryMsg{}, false
		}
		return buildButton(f, cmd, t, haDev, avail), true
	default:
		return discoveryMsg{}, false
	}
}

func buildSensor(f discovery.Facet, t topics, haDev haDevice, avail []haAvailability,
	key, name string, meta entity.AttributeMeta, numeric bool) discoveryMsg {

	obj := objectID(key)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          uniqueID(f.ConnectionID, f.Device, key),
		ObjectID:          deviceIdentifier(f.Device) + "_" + obj,
		StateTopic:        t.state(f.Device),
		Availability:      avail,
		AvailabilityMode:  "all",
		ValueTemplate:     fmt.Sprintf("{{ value_json[%q] }}", key),
		UnitOfMeasurement: meta.Unit,
		DeviceClass:       meta.DeviceClass,
		Icon:              meta.Icon,
		Device:            haDev,
	}
	if numeric {
		payload.StateClass = "measurement"
	}
	if meta.Diagnostic {
		payload.EntityCategory = "diagnostic"
	}
	return discoveryMsg{Topic: t.config("sensor", f.Device, obj), Payload: mustJSON(payload)}
}

func buildButton(f discovery.Facet, cmd discovery.Command, t topics, haDev haDevice, avail []haAvailability) discoveryMsg {
	obj := objectID(cmd.Key)
	payload := haDiscovery{
		Name:             cmd.Name,
		UniqueID:         uniqueID(f.ConnectionID, f.Device, "command-"+cmd.Key),
		ObjectID:         deviceIdentifier(f.Device) + "_" + obj,
		CommandTopic:     t.command(f.Device),
		PayloadPress:     cmd.Key,
		Availability:     avail,
		AvailabilityMode: "all",
		Icon:             cmd.Icon,
		EntityCategory:   "config",
		Device:           haDev,
	}
	return discoveryMsg{Topic: t.config("button", f.Device, obj), Payload: mustJSON(payload)}
}

// uniqueID is stable across restarts as long as the connection id is.
func uniqueID(connID, device, key string) string {
	return connID + "-" + device + "-" + key
}

// buildRemoveDiscovery generates empty retained messages that remove the
// given facets from HA.
func buildRemoveDiscovery(facets []discovery.Facet, t topics) []discoveryMsg {
	var msgs []discoveryMsg
	for _, f := range facets {
		var topic string
		switch f.Kind {
		case discovery.KindStatus:
			topic = t.config("sensor", f.Device, "status")
		case discovery.KindAttribute:
			topic = t.config("sensor", f.Device, objectID(f.Name))
		case discovery.KindCommand:
			topic = t.config("button", f.Device, objectID(f.Name))
		default:
			continue
		}
		msgs = append(msgs, discoveryMsg{Topic: topic, Payload: nil})
	}
	return msgs
}
