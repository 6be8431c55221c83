package machfile

import (
	"fmt"

	"github.com/go-crashkit/crashkit/pkg/logflags"
	"github.com/go-crashkit/crashkit/pkg/memio"
)

// Segment is a decoded LC_SEGMENT or LC_SEGMENT_64 command. Addresses are
// the build-time values declared by the image; add the slide to obtain
// runtime addresses.
type Segment struct {
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	NSects   uint32

	cmdAddr uint64
	is64    bool
}

// Section is one section of a decoded segment.
type Section struct {
	Name    string
	SegName string
	Addr    uint64
	Size    uint64
	Offset  uint32
}

// ParseSegment decodes a segment command. cmd must be LoadCmdSegment or
// LoadCmdSegment64.
func ParseSegment(mem memio.Memory, cmd LoadCommand) (*Segment, error) {
	switch cmd.Cmd {
	case LoadCmdSegment:
		var buf [segmentCmdSize32]byte
		if _, err := mem.ReadMemory(buf[:], cmd.Addr); err != nil {
			return nil, fmt.Errorf("reading segment command at %#x: %w", cmd.Addr, err)
		}
		return &Segment{
			Name:     fixedName(buf[8:24]),
			VMAddr:   uint64(u32(buf[24:])),
			VMSize:   uint64(u32(buf[28:])),
			FileOff:  uint64(u32(buf[32:])),
			FileSize: uint64(u32(buf[36:])),
			NSects:   u32(buf[48:]),
			cmdAddr:  cmd.Addr,
			is64:     false,
		}, nil
	case LoadCmdSegment64:
		var buf [segmentCmdSize64]byte
		if _, err := mem.ReadMemory(buf[:], cmd.Addr); err != nil {
			return nil, fmt.Errorf("reading segment command at %#x: %w", cmd.Addr, err)
		}
		return &Segment{
			Name:     fixedName(buf[8:24]),
			VMAddr:   u64(buf[24:]),
			VMSize:   u64(buf[32:]),
			FileOff:  u64(buf[40:]),
			FileSize: u64(buf[48:]),
			NSects:   u32(buf[64:]),
			cmdAddr:  cmd.Addr,
			is64:     true,
		}, nil
	}
	return nil, fmt.Errorf("command %#x at %#x is not a segment command", cmd.Cmd, cmd.Addr)
}

// WalkSections calls fn for each section of the segment.
func (seg *Segment) WalkSections(mem memio.Memory, fn func(sect Section) (stop bool, err error)) error {
	sectAddr := seg.cmdAddr + segmentCmdSize32
	sectSize := uint64(sectionSize32)
	if seg.is64 {
		sectAddr = seg.cmdAddr + segmentCmdSize64
		sectSize = sectionSize64
	}
	for i := uint32(0); i < seg.NSects; i++ {
		var buf [sectionSize64]byte
		if _, err := mem.ReadMemory(buf[:sectSize], sectAddr); err != nil {
			return fmt.Errorf("reading section %d at %#x: %w", i, sectAddr, err)
		}
		sect := Section{
			Name:    fixedName(buf[0:16]),
			SegName: fixedName(buf[16:32]),
		}
		if seg.is64 {
			sect.Addr = u64(buf[32:])
			sect.Size = u64(buf[40:])
			sect.Offset = u32(buf[48:])
		} else {
			sect.Addr = uint64(u32(buf[32:]))
			sect.Size = uint64(u32(buf[36:]))
			sect.Offset = u32(buf[40:])
		}
		stop, err := fn(sect)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		sectAddr += sectSize
	}
	return nil
}

// TextSegment walks the command table and returns the image's code segment,
// or nil if the image does not declare one.
func (h *Header) TextSegment(mem memio.Memory) (*Segment, error) {
	var text *Segment
	err := h.WalkCommands(mem, func(cmd LoadCommand) (bool, error) {
		if cmd.Cmd != LoadCmdSegment && cmd.Cmd != LoadCmdSegment64 {
			return false, nil
		}
		seg, err := ParseSegment(mem, cmd)
		if err != nil {
			return false, err
		}
		if seg.Name == SegText {
			text = seg
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return text, nil
}

// ComputeSlide returns the difference between the runtime address of the
// header at addr and the build-time address its code segment declares.
// Returns 0 if the header is invalid or has no code segment.
func ComputeSlide(mem memio.Memory, addr uint64) int64 {
	h, err := ReadHeader(mem, addr)
	if err != nil {
		logflags.MachFileLogger().Debugf("cannot compute slide: %v", err)
		return 0
	}
	text, err := h.TextSegment(mem)
	if err != nil {
		logflags.MachFileLogger().Debugf("cannot compute slide for image at %#x: %v", addr, err)
		return 0
	}
	if text == nil {
		logflags.MachFileLogger().Debugf("cannot compute slide: image at %#x has no code segment", addr)
		return 0
	}
	return int64(addr) - int64(text.VMAddr)
}

// SectionRange locates the named section inside the named segment and
// returns its runtime address range. slide is added to the section's
// declared address, mirroring what the loader does when it maps the image.
func (h *Header) SectionRange(mem memio.Memory, slide int64, segName, sectName string) (addr, size uint64, ok bool) {
	h.WalkCommands(mem, func(cmd LoadCommand) (bool, error) {
		if cmd.Cmd != LoadCmdSegment && cmd.Cmd != LoadCmdSegment64 {
			return false, nil
		}
		seg, err := ParseSegment(mem, cmd)
		if err != nil {
			return false, err
		}
		if seg.Name != segName {
			return false, nil
		}
		err = seg.WalkSections(mem, func(sect Section) (bool, error) {
			if sect.Name == sectName {
				addr = uint64(int64(sect.Addr) + slide)
				size = sect.Size
				ok = true
				return true, nil
			}
			return false, nil
		})
		return ok, err
	})
	return addr, size, ok
}

// ParseUUID decodes an LC_UUID command.
func ParseUUID(mem memio.Memory, cmd LoadCommand) ([16]byte, error) {
	var id [16]byte
	if _, err := mem.ReadMemory(id[:], cmd.Addr+8); err != nil {
		return id, fmt.Errorf("reading uuid command at %#x: %w", cmd.Addr, err)
	}
	return id, nil
}

// ParseDylibVersion decodes the current_version field of an LC_ID_DYLIB
// command. The value packs major.minor.revision as 16.8.8 bits.
func ParseDylibVersion(mem memio.Memory, cmd LoadCommand) (uint32, error) {
	v, err := memio.ReadUint32(mem, cmd.Addr+16)
	if err != nil {
		return 0, fmt.Errorf("reading dylib command at %#x: %w", cmd.Addr, err)
	}
	return v, nil
}

// ImageUUID walks the command table of the image at addr looking for an
// LC_UUID command. It re-reads the table on every call instead of caching.
func ImageUUID(mem memio.Memory, addr uint64) ([16]byte, bool) {
	var id [16]byte
	h, err := ReadHeader(mem, addr)
	if err != nil {
		return id, false
	}
	found := false
	h.WalkCommands(mem, func(cmd LoadCommand) (bool, error) {
		if cmd.Cmd != LoadCmdUUID {
			return false, nil
		}
		u, err := ParseUUID(mem, cmd)
		if err != nil {
			return true, err
		}
		id = u
		found = true
		return true, nil
	})
	return id, found
}
