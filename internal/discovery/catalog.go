package discovery

import (
	"slices"
	"strings"

	"ups-monitor/internal/store"
)

// Command is a device command offered by the server.
type Command struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Icon        string   `json:"icon,omitempty"`
	DeviceTypes []string `json:"device_types"`
}

// AppliesTo reports whether the command is offered for deviceType.
func (c Command) AppliesTo(deviceType string) bool {
	return slices.Contains(c.DeviceTypes, deviceType)
}

var nutOnly = []string{store.DeviceTypeNUT}

// DefaultCatalog lists the commands the server accepts. apcupsd exposes no
// instant commands.
var DefaultCatalog = []Command{
	{Key: "beeper_enable", Name: "Enable Beeper", Command: "beeper.enable", Icon: "mdi:volume-high", DeviceTypes: nutOnly},
	{Key: "beeper_disable", Name: "Disable Beeper", Command: "beeper.disable", Icon: "mdi:volume-off", DeviceTypes: nutOnly},
	{Key: "beeper_mute", Name: "Mute Beeper", Command: "beeper.mute", Icon: "mdi:volume-mute", DeviceTypes: nutOnly},
	{Key: "test_battery_start", Name: "Start Battery Test", Command: "test.battery.start", Icon: "mdi:battery-sync", DeviceTypes: nutOnly},
	{Key: "test_battery_stop", Name: "Stop Battery Test", Command: "test.battery.stop", Icon: "mdi:battery-remove", DeviceTypes: nutOnly},
	{Key: "load_off", Name: "Turn Load Off", Command: "load.off", Icon: "mdi:power-plug-off", DeviceTypes: nutOnly},
	{Key: "load_on", Name: "Turn Load On", Command: "load.on", Icon: "mdi:power-plug", DeviceTypes: nutOnly},
}

// Lookup finds a catalog command by key.
func Lookup(catalog []Command, key string) (Command, bool) {
	for _, c := range catalog {
		if c.Key == key {
			return c, true
		}
	}
	return Command{}, false
}

// ResolveCommand maps a catalog key, or a raw server command such as
// "beeper.mute", to the command string sent to the server. Raw commands
// are accepted when they contain only lowercase letters, digits, dots,
// dashes and underscores.
func ResolveCommand(catalog []Command, input string) (string, bool) {
	input = strings.TrimSpace(input)
	if c, ok := Lookup(catalog, input); ok {
		return c.Command, true
	}
	if input == "" {
		return "", false
	}
	for _, r := range input {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '.' && r != '_' && r != '-' {
			return "", false
		}
	}
	return input, true
}
