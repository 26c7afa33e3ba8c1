// Package entity turns raw device snapshots into presentable entities:
// attribute metadata, normalized values, display names and device identity.
package entity

import (
	"math"
	"regexp"
	"strings"

	"ups-monitor/internal/store"
)

// AttributeMeta describes how an attribute is presented.
type AttributeMeta struct {
	Icon        string `json:"icon,omitempty"`
	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`
	Diagnostic  bool   `json:"diagnostic,omitempty"`
}

var attributeMeta = map[string]AttributeMeta{
	"battery_charge":             {Icon: "mdi:battery", Unit: "%", DeviceClass: "battery"},
	"time_left":                  {Icon: "mdi:clock-outline", Unit: "min"},
	"input_voltage":              {Icon: "mdi:flash", Unit: "V", DeviceClass: "voltage"},
	"output_voltage":             {Icon: "mdi:flash", Unit: "V", DeviceClass: "voltage"},
	"battery_voltage":            {Icon: "mdi:battery-charging", Unit: "V", DeviceClass: "voltage"},
	"internal_temperature":       {Icon: "mdi:thermometer", Unit: "°C", DeviceClass: "temperature"},
	"load_percentage":            {Icon: "mdi:gauge", Unit: "%"},
	"real_power":                 {Icon: "mdi:lightning-bolt", Unit: "W", DeviceClass: "power"},
	"input_frequency":            {Icon: "mdi:sine-wave", Unit: "Hz"},
	"output_frequency":           {Icon: "mdi:sine-wave", Unit: "Hz"},
	"status":                     {Icon: "mdi:power-plug"},
	"battery_current":            {Icon: "mdi:current-dc", Unit: "A", DeviceClass: "current"},
	"time_on_battery":            {Icon: "mdi:timer", Unit: "s"},
	"number_transfers":           {Icon: "mdi:arrow-expand-vertical", Unit: "time(s)"},
	"model":                      {Icon: "mdi:tag-text-outline"},
	"ups_model":                  {Icon: "mdi:tag-text-outline"},
	"device_model":               {Icon: "mdi:tag-text-outline"},
	"serial_number":              {Icon: "mdi:barcode"},
	"ups_serial":                 {Icon: "mdi:barcode"},
	"serialno":                   {Icon: "mdi:barcode"},
	"device_serial":              {Icon: "mdi:barcode"},
	"xon_battery":                {Icon: "mdi:battery-alert"},
	"last_transfer":              {Icon: "mdi:calendar-sync"},
	"cumulative_time_on_battery": {Icon: "mdi:chart-bell-curve-cumulative", Unit: "s"},
}

var diagnosticAttributes = map[string]bool{
	"manufacturer":  true,
	"ups_mfr":       true,
	"mfr":           true,
	"model":         true,
	"ups_model":     true,
	"device_model":  true,
	"serial_number": true,
	"ups_serial":    true,
	"serialno":      true,
	"device_serial": true,
}

// numeric attributes are reported as floats when they parse as numbers.
var numericAttributes = map[string]bool{
	"battery_charge":       true,
	"load_percentage":      true,
	"input_voltage":        true,
	"output_voltage":       true,
	"battery_voltage":      true,
	"internal_temperature": true,
	"real_power":           true,
	"input_frequency":      true,
	"output_frequency":     true,
	"battery_current":      true,
	"time_on_battery":      true,
}

// Meta returns the presentation metadata of an attribute. Unknown
// attributes get an empty AttributeMeta.
func Meta(attr string) AttributeMeta {
	m := attributeMeta[attr]
	m.Diagnostic = diagnosticAttributes[attr]
	return m
}

// StatusMeta is the metadata of the derived status entity.
func StatusMeta() AttributeMeta {
	return AttributeMeta{Icon: "mdi:power-plug"}
}

// IsNumeric reports whether attr is presented as a number.
func IsNumeric(attr string) bool {
	return numericAttributes[attr] || attr == "time_left"
}

// DisplayName turns an attribute key into a label: underscores become
// spaces, words are capitalized and "ups" is upper-cased.
func DisplayName(attr string) string {
	words := strings.Fields(strings.ReplaceAll(attr, "_", " "))
	for i, w := range words {
		if strings.EqualFold(w, "ups") {
			words[i] = "UPS"
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// Normalize converts a raw value for presentation. time_left is reported
// by the server in seconds and presented in minutes. Values that fail to
// convert are returned unchanged.
func Normalize(attr string, v store.Value) any {
	if v.Kind == store.KindNull {
		return nil
	}
	switch {
	case attr == "time_left":
		if f, ok := v.Float(); ok {
			return math.Round(f/60*100) / 100
		}
	case numericAttributes[attr]:
		if f, ok := v.Float(); ok {
			return f
		}
	}
	return v.Any()
}

// State is the presented state of one device: the derived status plus
// every normalized attribute except the raw status.
func State(dev *store.DeviceSnapshot) map[string]any {
	out := map[string]any{"status": store.DeviceStatus(dev)}
	if dev == nil {
		return out
	}
	for k, v := range dev.Attributes {
		if k == "status" {
			continue
		}
		out[k] = Normalize(k, v)
	}
	return out
}

// DeviceInfo identifies the physical unit behind a device.
type DeviceInfo struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial_number,omitempty"`
}

var (
	cyberPowerModel = regexp.MustCompile(`(?i)(CP\d{3,6}[A-Z]*PFCLCD[aA]?)`)
	apcModel        = regexp.MustCompile(`(?i)(Back-UPS|Smart-UPS|SUA|SMT|SMC|BR\d)`)
)

// DefaultManufacturer is reported when nothing better is known.
const DefaultManufacturer = "go-ups"

// BuildDeviceInfo derives manufacturer, model and serial number from the
// device's attributes, recognizing common CyberPower and APC models.
func BuildDeviceInfo(dev store.DeviceSnapshot) DeviceInfo {
	manufacturer := firstAttr(dev, "manufacturer", "ups_mfr", "mfr")
	model := firstAttr(dev, "model", "ups_model", "device_model", "upsmodel")
	if model == "" {
		model = firstAttr(dev, "ups_name", "hostname", "version")
	}

	source := model
	if source == "" {
		source = dev.Name
	}
	if m := cyberPowerModel.FindStringSubmatch(source); m != nil {
		model = strings.ToUpper(m[1])
		if manufacturer == "" {
			manufacturer = "CyberPower"
		}
	}
	if manufacturer == "" && model != "" && apcModel.MatchString(model) {
		manufacturer = "APC"
	}

	if model == "" {
		model = dev.Name
	}
	if manufacturer == "" {
		manufacturer = DefaultManufacturer
	}

	return DeviceInfo{
		Name:         dev.Name,
		Manufacturer: manufacturer,
		Model:        model,
		Serial:       firstAttr(dev, "serial_number", "ups_serial", "serialno", "device_serial"),
	}
}

func firstAttr(dev store.DeviceSnapshot, keys ...string) string {
	for _, k := range keys {
		v, ok := dev.Attributes[k]
		if !ok {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" && v.Kind != store.KindBool {
			return s
		}
	}
	return ""
}
