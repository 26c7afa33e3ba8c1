package store

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snap(name, typ string, attrs map[string]Value) DeviceSnapshot {
	return DeviceSnapshot{Name: name, Type: typ, Attributes: attrs}
}

func TestApplyMergesByName(t *testing.T) {
	s := NewSnapshot("conn", testLogger())

	s.Apply([]DeviceSnapshot{
		snap("ups1", DeviceTypeNUT, map[string]Value{"battery_charge": NumberValue(100), "status": StringValue("OL")}),
		snap("ups2", DeviceTypeApcupsd, map[string]Value{"status": StringValue("ONLINE")}),
	})
	res := s.Apply([]DeviceSnapshot{
		snap("ups1", DeviceTypeNUT, map[string]Value{"battery_charge": NumberValue(80)}),
	})

	assert.Equal(t, []string{"ups1"}, res.Updated)
	assert.Equal(t, uint64(2), res.Version)

	devs := s.Devices()
	require.Len(t, devs, 2, "merge must not drop ups2")

	ups1 := devs["ups1"]
	assert.Equal(t, NumberValue(80), ups1.Attributes["battery_charge"])
	_, hasStatus := ups1.Attributes["status"]
	assert.False(t, hasStatus, "a message replaces the device's whole attribute set")
}

func TestApplyIsIdempotent(t *testing.T) {
	s := NewSnapshot("conn", testLogger())
	msg := []DeviceSnapshot{snap("ups1", DeviceTypeNUT, map[string]Value{"load_percentage": NumberValue(12)})}

	s.Apply(msg)
	first := s.Devices()
	s.Apply(msg)

	assert.Equal(t, first, s.Devices())
}

func TestApplyDropsUnnamed(t *testing.T) {
	s := NewSnapshot("conn", testLogger())
	res := s.Apply([]DeviceSnapshot{
		snap("", DeviceTypeNUT, nil),
		snap("ups1", DeviceTypeNUT, nil),
	})

	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, []string{"ups1"}, res.Updated)
	assert.Equal(t, 1, s.Len())
}

func TestApplyPublishesZeroUpdateChange(t *testing.T) {
	s := NewSnapshot("conn", testLogger())

	var got []Change
	s.Subscribe(func(c Change) { got = append(got, c) })

	s.Apply(nil)

	require.Len(t, got, 1)
	assert.Equal(t, Change{ConnectionID: "conn", Version: 1, Updated: 0}, got[0])
}

func TestSubscribeOrderAndUnsubscribe(t *testing.T) {
	s := NewSnapshot("conn", testLogger())

	var versions []uint64
	unsub := s.Subscribe(func(c Change) { versions = append(versions, c.Version) })

	for i := 0; i < 3; i++ {
		s.Apply([]DeviceSnapshot{snap("ups1", DeviceTypeNUT, nil)})
	}
	unsub()
	s.Apply([]DeviceSnapshot{snap("ups1", DeviceTypeNUT, nil)})

	assert.Equal(t, []uint64{1, 2, 3}, versions)
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	s := NewSnapshot("conn", testLogger())

	calls := 0
	s.Subscribe(func(Change) { panic("boom") })
	s.Subscribe(func(Change) { calls++ })

	assert.NotPanics(t, func() { s.Apply(nil) })
	assert.Equal(t, 1, calls)
}

func TestDevicesReturnsCopy(t *testing.T) {
	s := NewSnapshot("conn", testLogger())
	s.Apply([]DeviceSnapshot{snap("ups1", DeviceTypeNUT, map[string]Value{"a": NumberValue(1)})})

	devs := s.Devices()
	devs["ups1"].Attributes["a"] = NumberValue(99)

	got, ok := s.Device("ups1")
	require.True(t, ok)
	assert.Equal(t, NumberValue(1), got.Attributes["a"])
}

func TestConfigureOnce(t *testing.T) {
	s := NewSnapshot("conn", testLogger())
	assert.True(t, s.Allowed("anything"))

	s.Configure([]string{"ups2", "ups1"})
	s.Configure([]string{"other"})

	assert.Equal(t, []string{"ups1", "ups2"}, s.ConfiguredNames())
	assert.True(t, s.Allowed("ups1"))
	assert.False(t, s.Allowed("other"))
}

func TestConcurrentReadersDuringApply(t *testing.T) {
	s := NewSnapshot("conn", testLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Apply([]DeviceSnapshot{snap("ups1", DeviceTypeNUT, map[string]Value{"n": NumberValue(float64(i))})})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, d := range s.Devices() {
				_ = d.Attributes["n"]
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, uint64(200), s.Version())
}
