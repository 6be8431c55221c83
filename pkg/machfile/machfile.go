// Package machfile reads Mach-O headers and load commands out of an address
// space exposed through memio.Memory. The input is foreign memory of unknown
// validity, so everything is decoded field by field at explicit offsets with
// bounded reads; nothing in this package ever trusts a length or count
// declared by the image beyond using it to advance.
package machfile

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-crashkit/crashkit/pkg/logflags"
	"github.com/go-crashkit/crashkit/pkg/memio"
)

// Mach-O magic values, 32- and 64-bit, native and byte-swapped.
const (
	Magic32 uint32 = 0xfeedface
	Cigam32 uint32 = 0xcefaedfe
	Magic64 uint32 = 0xfeedfacf
	Cigam64 uint32 = 0xcffaedfe
)

// Load command kinds recognized by this package. Unknown kinds are skipped
// using their self-declared size.
const (
	LoadCmdSegment   uint32 = 0x1
	LoadCmdIDDylib   uint32 = 0xd
	LoadCmdSegment64 uint32 = 0x19
	LoadCmdUUID      uint32 = 0x1b
)

// Mach-O file types (mach_header.filetype).
const (
	FileTypeObject   uint32 = 0x1
	FileTypeExecute  uint32 = 0x2
	FileTypeDylib    uint32 = 0x6
	FileTypeDylinker uint32 = 0x7
	FileTypeBundle   uint32 = 0x8
)

// Well-known segment and section names.
const (
	SegText       = "__TEXT"
	SegData       = "__DATA"
	SectCrashInfo = "__crash_info"
)

const (
	headerSize32 = 28
	headerSize64 = 32

	segmentCmdSize32 = 56
	segmentCmdSize64 = 72
	sectionSize32    = 68
	sectionSize64    = 80

	// minimum load command: cmd + cmdsize
	minLoadCmdSize = 8

	// maxLoadCommands bounds the command walk so a corrupted ncmds cannot
	// keep us spinning on garbage memory.
	maxLoadCommands = 16384
)

// ErrBadMagic is returned when the header's magic value does not identify a
// supported Mach-O format.
var ErrBadMagic = errors.New("unrecognized mach-o magic")

// Header is a mach_header or mach_header_64 read out of mapped memory.
// Addr is the runtime address the header was read from.
type Header struct {
	Addr       uint64
	Magic      uint32
	CPUType    int32
	CPUSubType int32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
}

// ReadHeader reads and validates the Mach-O header at addr. It fails with
// ErrBadMagic if the magic value is not one of the four supported variants.
func ReadHeader(mem memio.Memory, addr uint64) (*Header, error) {
	var buf [headerSize32]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return nil, fmt.Errorf("reading mach-o header at %#x: %w", addr, err)
	}
	h := &Header{
		Addr:       addr,
		Magic:      u32(buf[0:]),
		CPUType:    int32(u32(buf[4:])),
		CPUSubType: int32(u32(buf[8:])),
		FileType:   u32(buf[12:]),
		NCmds:      u32(buf[16:]),
		SizeOfCmds: u32(buf[20:]),
		Flags:      u32(buf[24:]),
	}
	switch h.Magic {
	case Magic32, Cigam32, Magic64, Cigam64:
		return h, nil
	}
	return nil, fmt.Errorf("header at %#x: %w (%#x)", addr, ErrBadMagic, h.Magic)
}

// Is64 reports whether the image uses the 64-bit Mach-O layout.
func (h *Header) Is64() bool {
	return h.Magic == Magic64 || h.Magic == Cigam64
}

// PtrSize returns the image's pointer size in bytes.
func (h *Header) PtrSize() int {
	if h.Is64() {
		return 8
	}
	return 4
}

// FirstCmd returns the address of the first load command, which immediately
// follows the header.
func (h *Header) FirstCmd() uint64 {
	if h.Is64() {
		return h.Addr + headerSize64
	}
	return h.Addr + headerSize32
}

// FirstCmdAfterHeader reads the header at addr and returns the address of
// its first load command, or 0 if the header is not a valid Mach-O header.
func FirstCmdAfterHeader(mem memio.Memory, addr uint64) uint64 {
	h, err := ReadHeader(mem, addr)
	if err != nil {
		return 0
	}
	return h.FirstCmd()
}

// LoadCommand is one entry of an image's command table.
type LoadCommand struct {
	Cmd  uint32
	Size uint32
	Addr uint64
}

// WalkCommands calls fn for each load command of h in table order. The walk
// advances by each command's self-declared size and stops early when fn
// returns stop, when a command is too small to be valid, or when command
// memory stops being readable.
func (h *Header) WalkCommands(mem memio.Memory, fn func(cmd LoadCommand) (stop bool, err error)) error {
	ncmds := h.NCmds
	if ncmds > maxLoadCommands {
		ncmds = maxLoadCommands
	}
	cmdAddr := h.FirstCmd()
	for i := uint32(0); i < ncmds; i++ {
		var buf [8]byte
		if _, err := mem.ReadMemory(buf[:], cmdAddr); err != nil {
			return fmt.Errorf("reading load command %d at %#x: %w", i, cmdAddr, err)
		}
		cmd := LoadCommand{Cmd: u32(buf[0:]), Size: u32(buf[4:]), Addr: cmdAddr}
		if cmd.Size < minLoadCmdSize {
			logflags.MachFileLogger().Debugf("stopping command walk: load command %d at %#x has invalid size %d", i, cmdAddr, cmd.Size)
			return fmt.Errorf("load command %d at %#x has invalid size %d", i, cmdAddr, cmd.Size)
		}
		stop, err := fn(cmd)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		cmdAddr += uint64(cmd.Size)
	}
	return nil
}

func u32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func u64(b []byte) uint64 {
	return uint64(u32(b)) | uint64(u32(b[4:]))<<32
}

// fixedName converts a NUL-padded 16-byte name field to a string.
func fixedName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
