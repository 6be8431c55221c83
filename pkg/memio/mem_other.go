//go:build !linux

package memio

import (
	"fmt"
	"os"
)

// ProcessMemory reads the address space of a live process. Only implemented
// on linux; elsewhere every read fails.
type ProcessMemory struct {
	pid int
}

// NewProcessMemory returns a Memory over the address space of pid.
func NewProcessMemory(pid int) *ProcessMemory {
	return &ProcessMemory{pid: pid}
}

// SelfMemory returns a Memory over the current process's address space.
func SelfMemory() *ProcessMemory {
	return NewProcessMemory(os.Getpid())
}

// ReadMemory implements Memory.
func (m *ProcessMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, fmt.Errorf("process memory access for pid %d at %#x not supported on this platform: %w", m.pid, addr, ErrUnreadable)
}
