package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Device types reported by the remote server.
const (
	DeviceTypeNUT     = "nut"
	DeviceTypeApcupsd = "apcupsd"
)

// SupportedDeviceTypes lists the device types the server can monitor.
var SupportedDeviceTypes = []string{DeviceTypeApcupsd, DeviceTypeNUT}

// Derived status values.
const (
	StatusOnline    = "Online"
	StatusOnBattery = "On Battery"
	StatusOffline   = "offline"
)

// ValueKind tags the JSON scalar held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
)

// Value is a raw attribute value: a JSON string, number, bool or null.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

// StringValue, NumberValue and BoolValue build Values.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// String renders the value the way the server would print it.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Float returns the value as a float64 when it is numeric or a numeric string.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Any returns the value as a plain Go value for JSON re-encoding.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Value{}
	case string:
		*v = StringValue(x)
	case bool:
		*v = BoolValue(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("attribute number %q: %w", x, err)
		}
		*v = NumberValue(f)
	default:
		return fmt.Errorf("attribute value must be a scalar, got %T", raw)
	}
	return nil
}

// DeviceSnapshot is one device's full reported state at a point in time.
type DeviceSnapshot struct {
	Name       string           `json:"device_name"`
	Type       string           `json:"device_type"`
	Attributes map[string]Value `json:"attributes"`
}

type deviceSnapshotWire struct {
	Name       *string          `json:"device_name"`
	DeviceType string           `json:"device_type"`
	Type       string           `json:"type"`
	Attributes map[string]Value `json:"attributes"`
}

func (d *DeviceSnapshot) UnmarshalJSON(data []byte) error {
	var w deviceSnapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = DeviceSnapshot{Attributes: w.Attributes}
	if w.Name != nil {
		d.Name = *w.Name
	}
	switch {
	case w.DeviceType != "":
		d.Type = w.DeviceType
	case w.Type != "":
		d.Type = w.Type
	default:
		d.Type = DeviceTypeNUT
	}
	return nil
}

// Clone returns a deep copy.
func (d DeviceSnapshot) Clone() DeviceSnapshot {
	out := d
	if d.Attributes != nil {
		out.Attributes = make(map[string]Value, len(d.Attributes))
		for k, v := range d.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Attr returns the named attribute.
func (d DeviceSnapshot) Attr(name string) (Value, bool) {
	v, ok := d.Attributes[name]
	return v, ok
}

// DecodeSnapshots parses a stream or status payload. A JSON array yields
// one snapshot per well-formed element; malformed elements are counted in
// dropped. Any other JSON value yields no snapshots. Invalid JSON is an error.
func DecodeSnapshots(data []byte) (snapshots []DeviceSnapshot, dropped int, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		var raw any
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, 0, fmt.Errorf("decode snapshots: %w", err)
		}
		return nil, 0, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, 0, fmt.Errorf("decode snapshots: %w", err)
	}
	snapshots = make([]DeviceSnapshot, 0, len(items))
	for _, item := range items {
		var snap DeviceSnapshot
		if err := json.Unmarshal(item, &snap); err != nil {
			dropped++
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, dropped, nil
}

// DeviceStatus derives the overall status of a device. A nil device is
// offline.
func DeviceStatus(dev *DeviceSnapshot) string {
	if dev == nil {
		return StatusOffline
	}
	status := strings.ToLower(attrString(dev, "status"))
	xon := strings.ToLower(attrString(dev, "xon_battery"))

	onBattery := false
	for _, token := range []string{"onbatt", "on battery", "ob", "on_battery"} {
		if strings.Contains(status, token) {
			onBattery = true
			break
		}
	}
	switch xon {
	case "1", "true", "yes":
		onBattery = true
	}
	if onBattery {
		return StatusOnBattery
	}
	return StatusOnline
}

func attrString(dev *DeviceSnapshot, name string) string {
	v, ok := dev.Attributes[name]
	if !ok {
		return ""
	}
	return v.String()
}

// DeviceConfig is a device registration managed through the remote server.
// Password is hidden from API/JSON serialization via json:"-".
type DeviceConfig struct {
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Host               string    `json:"host"`
	Port               int       `json:"port"`
	Username           string    `json:"username,omitempty"`
	Password           string    `json:"-"`
	SelectedAttributes []string  `json:"selected_attributes,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// deviceConfigStorage is the internal struct used for DB serialization,
// preserving the password on disk.
type deviceConfigStorage struct {
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Host               string    `json:"host"`
	Port               int       `json:"port"`
	Username           string    `json:"username,omitempty"`
	Password           string    `json:"password,omitempty"`
	SelectedAttributes []string  `json:"selected_attributes,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (c *DeviceConfig) toStorage() deviceConfigStorage {
	return deviceConfigStorage{
		Name:               c.Name,
		Type:               c.Type,
		Host:               c.Host,
		Port:               c.Port,
		Username:           c.Username,
		Password:           c.Password,
		SelectedAttributes: c.SelectedAttributes,
		UpdatedAt:          c.UpdatedAt,
	}
}

func (st deviceConfigStorage) toConfig() *DeviceConfig {
	return &DeviceConfig{
		Name:               st.Name,
		Type:               st.Type,
		Host:               st.Host,
		Port:               st.Port,
		Username:           st.Username,
		Password:           st.Password,
		SelectedAttributes: st.SelectedAttributes,
		UpdatedAt:          st.UpdatedAt,
	}
}
