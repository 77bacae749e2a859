// Package pid keeps one daemon per capture device.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/logger"
)

const (
	pidPrefix = "hdrvideo"
	pidSuffix = ".pid"
)

// File returns the PID file path for device.
func File(device string) string {
	name := pidPrefix + pidSuffix
	if base := filepath.Base(device); device != "" && base != "." && base != "/" {
		name = pidPrefix + "-" + base + pidSuffix
	}

	return filepath.Join(os.TempDir(), name)
}

// Write writes the current process ID to the PID file for device. A file
// left behind by a dead process is replaced.
func Write(device string) error {
	errFactory := errors.New()
	path := File(device)

	if bytes, err := os.ReadFile(path); err == nil {
		// PID file exists, check if the process is running
		if owner, err := strconv.Atoi(strings.TrimSpace(string(bytes))); err == nil && running(owner) {
			return errFactory.WithData(errors.ErrAlreadyRunning, struct {
				Device string
				PID    int
			}{device, owner})
		}
		logger.Debug().Str("path", path).Msg("Replacing stale PID file")
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file for device.
func Remove(device string) error {
	errFactory := errors.New()
	path := File(device)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func running(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
