package util

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mitchellh/go-ps"
)

// CreateMutex enforces a single running instance through a pid lock file.
// A stale lock (its pid no longer alive) is silently reclaimed.
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil && len(lockContent) > 0 && string(lockContent) != strconv.Itoa(currentPid) {
		lockPid, convErr := strconv.Atoi(string(lockContent))
		if convErr == nil {
			process, findErr := ps.FindProcess(lockPid)
			if findErr == nil && process != nil {
				return fmt.Errorf("another instance of redtooth is running (pid %d)", lockPid)
			}
		}
	}

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0664)
	if err != nil {
		return fmt.Errorf("cannot instantiate mutex")
	}
	defer f.Close()

	if _, err = f.WriteString(strconv.Itoa(currentPid)); err != nil {
		return fmt.Errorf("cannot instantiate mutex")
	}

	return nil
}
