package redtooth

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	bluezBus             = "org.bluez"
	bluezAdapterPath     = "/org/bluez/hci0"
	bluezDeviceInterface = "org.bluez.Device1"
)

// bluezProfileClient talks to BlueZ over the system bus. Profile enable maps
// to Device1.ConnectProfile with the A2DP sink service UUID; link state comes
// from the Connected property, which is the daemon's ground truth.
type bluezProfileClient struct {
	logger *zap.SugaredLogger
	conn   *dbus.Conn
}

func newProfileClient(logger *zap.SugaredLogger) (ProfileClient, error) {
	logger = logger.Named("profile")

	conn, err := dbus.SystemBus()
	if err != nil {
		logger.Warnw("Failed to connect to system bus", "error", err)
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	logger.Debug("Created BlueZ profile client instance")

	return &bluezProfileClient{logger: logger, conn: conn}, nil
}

func (c *bluezProfileClient) device(addr DeviceAddress) dbus.BusObject {
	path := dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", bluezAdapterPath, addr.Underscored()))

	return c.conn.Object(bluezBus, path)
}

func (c *bluezProfileClient) EnableAudioSink(addr DeviceAddress) error {
	c.logger.Debugw("Enabling audio sink profile", "address", addr)

	call := c.device(addr).Call(bluezDeviceInterface+".ConnectProfile", 0, a2dpSinkUUID)
	if call.Err != nil {
		c.logger.Warnw("ConnectProfile failed", "address", addr, "error", call.Err)
		return fmt.Errorf("connect audio sink profile for %s: %w", addr, call.Err)
	}

	return nil
}

func (c *bluezProfileClient) DisableAudioSink(addr DeviceAddress) error {
	c.logger.Debugw("Disabling audio sink profile", "address", addr)

	call := c.device(addr).Call(bluezDeviceInterface+".DisconnectProfile", 0, a2dpSinkUUID)
	if call.Err != nil {
		c.logger.Warnw("DisconnectProfile failed", "address", addr, "error", call.Err)
		return fmt.Errorf("disconnect audio sink profile for %s: %w", addr, call.Err)
	}

	return nil
}

func (c *bluezProfileClient) LinkUp(addr DeviceAddress) (bool, error) {
	variant, err := c.device(addr).GetProperty(bluezDeviceInterface + ".Connected")
	if err != nil {
		return false, fmt.Errorf("query link state for %s: %w", addr, ErrDeviceNotFound)
	}

	connected, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Connected property type for %s: %w", addr, ErrOperationFailed)
	}

	return connected, nil
}
