package redtooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testScanner(t *testing.T) *Scanner {
	t.Helper()

	s, err := newScanner(zap.NewNop().Sugar(), &recordingReporter{}, defaultBackoffFloor, defaultBackoffCeiling)
	require.NoError(t, err)

	return s
}

func TestScannerFiresCallbackOnFirstSightingOnly(t *testing.T) {
	t.Parallel()

	s := testScanner(t)

	var found []DiscoveredDevice
	s.SetOnDeviceFound(func(device DiscoveredDevice) {
		found = append(found, device)
	})

	addr, err := ParseDeviceAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	s.recordSighting(addr, "JBL Flip", -40)
	s.recordSighting(addr, "JBL Flip", -42)
	s.recordSighting(addr, "JBL Flip", -45)

	require.Len(t, found, 1, "only the first sighting announces the device")
	assert.Equal(t, addr, found[0].Address)
	assert.Equal(t, "JBL Flip", found[0].Name)

	assert.Len(t, s.DiscoveredDevices(), 1, "repeat sightings never duplicate a cache entry")
}

func TestScannerRefreshesKnownDevicesInPlace(t *testing.T) {
	t.Parallel()

	s := testScanner(t)

	addr, err := ParseDeviceAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	s.recordSighting(addr, "", -40)
	s.recordSighting(addr, "Sony WH-1000XM4", -50)

	devices := s.DiscoveredDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, "Sony WH-1000XM4", devices[0].Name, "a late name advertisement fills the entry in")
	assert.Equal(t, -50, devices[0].RSSI)

	// nameless advertisements refresh signal strength without wiping the name
	s.recordSighting(addr, "", -60)

	devices = s.DiscoveredDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, "Sony WH-1000XM4", devices[0].Name)
	assert.Equal(t, -60, devices[0].RSSI)
}

func TestScannerTracksMultipleDevices(t *testing.T) {
	t.Parallel()

	s := testScanner(t)

	var found []DiscoveredDevice
	s.SetOnDeviceFound(func(device DiscoveredDevice) {
		found = append(found, device)
	})

	addrA, err := ParseDeviceAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	addrB, err := ParseDeviceAddress("11:22:33:44:55:66")
	require.NoError(t, err)

	s.recordSighting(addrA, "Speaker A", -40)
	s.recordSighting(addrB, "Speaker B", -70)
	s.recordSighting(addrA, "Speaker A", -41)

	assert.Len(t, found, 2)
	assert.Len(t, s.DiscoveredDevices(), 2)

	assert.Equal(t, "Speaker A", s.deviceName(addrA))
	assert.Equal(t, "Speaker B", s.deviceName(addrB))
	assert.Empty(t, s.deviceName(DeviceAddress(0x1)), "unknown addresses resolve to no name")
}
