package util

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// CreateMutex enforces a single running instance through a global named
// mutex. The OS releases it when the process exits.
func CreateMutex(name string) error {
	mutexName, err := windows.UTF16PtrFromString("Global\\" + name)
	if err != nil {
		return fmt.Errorf("encode mutex name: %w", err)
	}

	_, err = windows.CreateMutex(nil, false, mutexName)
	if err != nil {
		return fmt.Errorf("create global mutex: %w", err)
	}

	return nil
}
