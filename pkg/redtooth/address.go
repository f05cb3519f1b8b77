package redtooth

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceAddress is the stable 48-bit identifier of a physical device.
// It is the join key across discovery, connection and routing state.
type DeviceAddress uint64

// ParseDeviceAddress accepts the conventional colon-separated hex form,
// e.g. "AA:BB:CC:DD:EE:FF".
func ParseDeviceAddress(s string) (DeviceAddress, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return 0, fmt.Errorf("parse device address %q: %w", s, ErrInvalidParameter)
	}

	var addr uint64
	for _, part := range parts {
		octet, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return 0, fmt.Errorf("parse device address %q: %w", s, ErrInvalidParameter)
		}
		addr = addr<<8 | octet
	}

	return DeviceAddress(addr), nil
}

func (a DeviceAddress) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		byte(a>>40), byte(a>>32), byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Underscored returns the address in the form BlueZ uses inside object paths
// and sink names, e.g. "AA_BB_CC_DD_EE_FF".
func (a DeviceAddress) Underscored() string {
	return strings.ReplaceAll(a.String(), ":", "_")
}
