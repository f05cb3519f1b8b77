package redtooth

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// Classic Bluetooth profile control goes straight through bthprops.cpl; no Go
// binding covers BluetoothSetServiceState, so the calls are made by hand.
var (
	modBthprops                  = windows.NewLazySystemDLL("bthprops.cpl")
	procBluetoothGetDeviceInfo   = modBthprops.NewProc("BluetoothGetDeviceInfo")
	procBluetoothSetServiceState = modBthprops.NewProc("BluetoothSetServiceState")
)

const (
	bluetoothServiceDisable = 0x00
	bluetoothServiceEnable  = 0x01
)

// serviceClassA2DPSink is the registry GUID form of a2dpSinkUUID.
var serviceClassA2DPSink = windows.GUID{
	Data1: 0x0000110B,
	Data2: 0x0000,
	Data3: 0x1000,
	Data4: [8]byte{0x80, 0x00, 0x00, 0x80, 0x5F, 0x9B, 0x34, 0xFB},
}

// bluetoothDeviceInfo mirrors BLUETOOTH_DEVICE_INFO from bluetoothapis.h.
type bluetoothDeviceInfo struct {
	dwSize          uint32
	_               uint32 // alignment
	address         uint64
	ulClassofDevice uint32
	fConnected      int32
	fRemembered     int32
	fAuthenticated  int32
	stLastSeen      [8]uint16
	stLastUsed      [8]uint16
	szName          [248]uint16
}

// winProfileClient drives the Windows Bluetooth stack's service-state calls.
type winProfileClient struct {
	logger *zap.SugaredLogger
}

func newProfileClient(logger *zap.SugaredLogger) (ProfileClient, error) {
	c := &winProfileClient{logger: logger.Named("profile")}

	c.logger.Debug("Created Windows profile client instance")

	return c, nil
}

func (c *winProfileClient) deviceInfo(addr DeviceAddress) (*bluetoothDeviceInfo, error) {
	info := &bluetoothDeviceInfo{address: uint64(addr)}
	info.dwSize = uint32(unsafe.Sizeof(*info))

	ret, _, _ := procBluetoothGetDeviceInfo.Call(0, uintptr(unsafe.Pointer(info)))
	if ret != 0 {
		c.logger.Debugw("BluetoothGetDeviceInfo failed", "address", addr, "ret", ret)
		return nil, fmt.Errorf("get device info for %s (ret=%d): %w", addr, ret, ErrDeviceNotFound)
	}

	return info, nil
}

func (c *winProfileClient) setServiceState(addr DeviceAddress, state uintptr) error {
	info, err := c.deviceInfo(addr)
	if err != nil {
		return err
	}

	ret, _, _ := procBluetoothSetServiceState.Call(
		0,
		uintptr(unsafe.Pointer(info)),
		uintptr(unsafe.Pointer(&serviceClassA2DPSink)),
		state,
	)
	if ret != 0 {
		c.logger.Warnw("BluetoothSetServiceState failed", "address", addr, "state", state, "ret", ret)
		return fmt.Errorf("set audio sink service state for %s (ret=%d): %w", addr, ret, ErrOperationFailed)
	}

	return nil
}

func (c *winProfileClient) EnableAudioSink(addr DeviceAddress) error {
	c.logger.Debugw("Enabling audio sink profile", "address", addr)

	return c.setServiceState(addr, bluetoothServiceEnable)
}

func (c *winProfileClient) DisableAudioSink(addr DeviceAddress) error {
	c.logger.Debugw("Disabling audio sink profile", "address", addr)

	return c.setServiceState(addr, bluetoothServiceDisable)
}

func (c *winProfileClient) LinkUp(addr DeviceAddress) (bool, error) {
	info, err := c.deviceInfo(addr)
	if err != nil {
		return false, err
	}

	return info.fConnected != 0, nil
}
