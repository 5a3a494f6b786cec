// Package daemon tracks the detached serve process through a PID file,
// so a second `autorun serve` refuses to start while one is alive and
// `autorun serve --stop` knows whom to signal.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning means the PID file points at a live process.
var ErrAlreadyRunning = errors.New("serve daemon already running")

// PIDFile manages the daemon's PID file.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire claims the PID file for the current process. A stale file
// left by a dead daemon is replaced; a live daemon yields
// ErrAlreadyRunning.
func (p *PIDFile) Acquire() error {
	return p.AcquirePID(os.Getpid())
}

// AcquirePID claims the PID file for the given process id.
func (p *PIDFile) AcquirePID(pid int) error {
	if existing, alive := p.IsRunning(); alive {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, existing)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pidfile directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Release removes the PID file. A missing file is not an error.
func (p *PIDFile) Release() error {
	err := os.Remove(p.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
