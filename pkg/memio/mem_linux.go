//go:build linux

package memio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ProcessMemory reads the address space of a live process through
// process_vm_readv. Reads are issued page by page so that an unmapped page
// truncates the read instead of failing it wholesale, which is what the
// validation Probe needs.
type ProcessMemory struct {
	pid      int
	pageSize uint64
}

// NewProcessMemory returns a Memory over the address space of pid.
func NewProcessMemory(pid int) *ProcessMemory {
	return &ProcessMemory{pid: pid, pageSize: uint64(os.Getpagesize())}
}

// SelfMemory returns a Memory over the current process's address space.
func SelfMemory() *ProcessMemory {
	return NewProcessMemory(os.Getpid())
}

// ReadMemory implements Memory.
func (m *ProcessMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	total := 0
	for total < len(buf) {
		cur := addr + uint64(total)
		chunk := int(m.pageSize - cur%m.pageSize)
		if rest := len(buf) - total; chunk > rest {
			chunk = rest
		}
		local := []unix.Iovec{{Base: &buf[total]}}
		local[0].SetLen(chunk)
		remote := []unix.RemoteIovec{{Base: uintptr(cur), Len: chunk}}
		n, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
		total += n
		if err != nil {
			return total, fmt.Errorf("process_vm_readv pid %d at %#x: %w (%w)", m.pid, cur, ErrUnreadable, err)
		}
		if n < chunk {
			return total, fmt.Errorf("short read from pid %d at %#x: %w", m.pid, cur, ErrUnreadable)
		}
	}
	return total, nil
}
