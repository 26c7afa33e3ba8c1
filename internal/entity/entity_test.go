package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ups-monitor/internal/store"
)

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"battery_charge":  "Battery Charge",
		"ups_model":       "UPS Model",
		"upsname":         "Upsname",
		"time_left":       "Time Left",
		"__odd__key":      "Odd Key",
		"INPUT_frequency": "Input Frequency",
	}
	for in, want := range tests {
		assert.Equal(t, want, DisplayName(in), in)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 30.5, Normalize("time_left", store.NumberValue(1830)))
	assert.Equal(t, 2.25, Normalize("time_left", store.StringValue("135")))
	assert.Equal(t, "n/a", Normalize("time_left", store.StringValue("n/a")))
	assert.Equal(t, 230.0, Normalize("input_voltage", store.StringValue("230")))
	assert.Equal(t, 12.0, Normalize("time_on_battery", store.StringValue("12")))
	assert.Equal(t, "42", Normalize("number_transfers", store.StringValue("42")))
	assert.Nil(t, Normalize("battery_charge", store.Value{}))
}

func TestMeta(t *testing.T) {
	m := Meta("battery_charge")
	assert.Equal(t, "%", m.Unit)
	assert.Equal(t, "battery", m.DeviceClass)
	assert.False(t, m.Diagnostic)

	assert.True(t, Meta("serialno").Diagnostic)
	assert.True(t, Meta("manufacturer").Diagnostic, "diagnostic without display metadata")
	assert.Equal(t, AttributeMeta{}, Meta("unknown_attr"))
}

func TestState(t *testing.T) {
	dev := &store.DeviceSnapshot{Name: "ups1", Attributes: map[string]store.Value{
		"status":    store.StringValue("OB DISCHRG"),
		"time_left": store.NumberValue(600),
	}}
	st := State(dev)
	assert.Equal(t, "On Battery", st["status"])
	assert.Equal(t, 10.0, st["time_left"])

	assert.Equal(t, map[string]any{"status": "offline"}, State(nil))
}

func TestBuildDeviceInfo(t *testing.T) {
	tests := []struct {
		name string
		dev  store.DeviceSnapshot
		want DeviceInfo
	}{
		{
			name: "explicit attributes",
			dev: store.DeviceSnapshot{Name: "rack", Attributes: map[string]store.Value{
				"ups_mfr":   store.StringValue("Eaton"),
				"ups_model": store.StringValue("5P 1550"),
				"serialno":  store.StringValue("G123"),
			}},
			want: DeviceInfo{Name: "rack", Manufacturer: "Eaton", Model: "5P 1550", Serial: "G123"},
		},
		{
			name: "cyberpower from model",
			dev: store.DeviceSnapshot{Name: "office", Attributes: map[string]store.Value{
				"model": store.StringValue("cp1500pfclcda"),
			}},
			want: DeviceInfo{Name: "office", Manufacturer: "CyberPower", Model: "CP1500PFCLCDA"},
		},
		{
			name: "cyberpower from device name",
			dev:  store.DeviceSnapshot{Name: "CP1500PFCLCD-garage"},
			want: DeviceInfo{Name: "CP1500PFCLCD-garage", Manufacturer: "CyberPower", Model: "CP1500PFCLCD"},
		},
		{
			name: "apc",
			dev: store.DeviceSnapshot{Name: "desk", Attributes: map[string]store.Value{
				"model": store.StringValue("Back-UPS XS 1500G"),
			}},
			want: DeviceInfo{Name: "desk", Manufacturer: "APC", Model: "Back-UPS XS 1500G"},
		},
		{
			name: "hostname fallback",
			dev: store.DeviceSnapshot{Name: "x", Attributes: map[string]store.Value{
				"hostname": store.StringValue("nas"),
			}},
			want: DeviceInfo{Name: "x", Manufacturer: DefaultManufacturer, Model: "nas"},
		},
		{
			name: "defaults",
			dev:  store.DeviceSnapshot{Name: "plain"},
			want: DeviceInfo{Name: "plain", Manufacturer: DefaultManufacturer, Model: "plain"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildDeviceInfo(tt.dev))
		})
	}
}
