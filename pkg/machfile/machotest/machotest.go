// Package machotest builds synthetic Mach-O images for tests, either mapped
// directly into a memio.RegionMemory the way the loader would lay them out,
// or as file bytes for the file-backed loader. It exists so tests can
// simulate load/unload sequences and corrupt images deterministically
// without checked-in binaries.
package machotest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/go-crashkit/crashkit/pkg/machfile"
	"github.com/go-crashkit/crashkit/pkg/memio"
)

type machHeader64 struct {
	Magic      uint32
	CPUType    int32
	CPUSubType int32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

type machHeader32 struct {
	Magic      uint32
	CPUType    int32
	CPUSubType int32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
}

type segmentCmd64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  int32
	InitProt int32
	NSects   uint32
	Flags    uint32
}

type segmentCmd32 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint32
	VMSize   uint32
	FileOff  uint32
	FileSize uint32
	MaxProt  int32
	InitProt int32
	NSects   uint32
	Flags    uint32
}

type section64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type section32 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint32
	Size      uint32
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
}

type uuidCmd struct {
	Cmd     uint32
	CmdSize uint32
	UUID    [16]byte
}

type dylibCmd struct {
	Cmd            uint32
	CmdSize        uint32
	NameOff        uint32
	Timestamp      uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

// CrashInfoSpec describes the __crash_info section of a synthetic image.
// Empty string fields become null pointers. The *Ptr overrides substitute a
// raw pointer value for the corresponding string, for fault injection.
type CrashInfoSpec struct {
	Version   uint32
	Message   string
	Message2  string
	Backtrace string
	Signature string

	MessagePtr uint64

	// SectionSize overrides the declared section size (0 means computed).
	SectionSize uint64
}

// ImageSpec describes a synthetic Mach-O image.
type ImageSpec struct {
	Bits       int // 0 or 64 for 64-bit, 32 for 32-bit
	FileType   uint32
	CPUType    int32
	CPUSubType int32
	TextSize   uint64
	TextVMAddr uint64 // BuildFile only; Map derives it from base and slide

	UUID         *[16]byte
	DylibVersion uint32 // LC_ID_DYLIB current_version; 0 omits the command

	CrashInfo *CrashInfoSpec
}

func (spec *ImageSpec) is64() bool { return spec.Bits != 32 }

func (spec *ImageSpec) fill() {
	if spec.FileType == 0 {
		spec.FileType = machfile.FileTypeDylib
	}
	if spec.CPUType == 0 {
		spec.CPUType = 0x01000007 // x86_64
	}
	if spec.TextSize == 0 {
		spec.TextSize = 0x4000
	}
}

func pack(buf *bytes.Buffer, v interface{}) {
	if err := struc.PackWithOrder(buf, v, binary.LittleEndian); err != nil {
		panic(fmt.Sprintf("machotest: packing %T: %v", v, err))
	}
}

func name16(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

// buildCommands assembles the header and command table for spec.
// dataVMAddr/dataSize describe the __DATA segment holding the crash-info
// section; dataSize 0 omits the segment. dataFileOff is only meaningful for
// file layouts.
func buildCommands(spec *ImageSpec, textVMAddr, dataVMAddr, dataSize, dataFileOff uint64) []byte {
	is64 := spec.is64()
	var cmds bytes.Buffer
	ncmds := uint32(0)

	packSegment := func(name string, vmaddr, vmsize, fileoff, filesize uint64, sects []interface{}) {
		ncmds++
		if is64 {
			size := uint32(72 + 80*len(sects))
			pack(&cmds, &segmentCmd64{
				Cmd: machfile.LoadCmdSegment64, CmdSize: size, SegName: name16(name),
				VMAddr: vmaddr, VMSize: vmsize, FileOff: fileoff, FileSize: filesize,
				NSects: uint32(len(sects)),
			})
		} else {
			size := uint32(56 + 68*len(sects))
			pack(&cmds, &segmentCmd32{
				Cmd: machfile.LoadCmdSegment, CmdSize: size, SegName: name16(name),
				VMAddr: uint32(vmaddr), VMSize: uint32(vmsize), FileOff: uint32(fileoff), FileSize: uint32(filesize),
				NSects: uint32(len(sects)),
			})
		}
		for _, sect := range sects {
			pack(&cmds, sect)
		}
	}

	packSegment(machfile.SegText, textVMAddr, spec.TextSize, 0, spec.TextSize, nil)

	if dataSize > 0 {
		var sects []interface{}
		if is64 {
			sects = append(sects, &section64{
				SectName: name16(machfile.SectCrashInfo), SegName: name16(machfile.SegData),
				Addr: dataVMAddr, Size: dataSize,
			})
		} else {
			sects = append(sects, &section32{
				SectName: name16(machfile.SectCrashInfo), SegName: name16(machfile.SegData),
				Addr: uint32(dataVMAddr), Size: uint32(dataSize),
			})
		}
		packSegment(machfile.SegData, dataVMAddr, dataSize, dataFileOff, dataSize, sects)
	}

	if spec.UUID != nil {
		ncmds++
		pack(&cmds, &uuidCmd{Cmd: machfile.LoadCmdUUID, CmdSize: 24, UUID: *spec.UUID})
	}
	if spec.DylibVersion != 0 {
		ncmds++
		pack(&cmds, &dylibCmd{Cmd: machfile.LoadCmdIDDylib, CmdSize: 24, NameOff: 24, CurrentVersion: spec.DylibVersion})
	}

	var img bytes.Buffer
	if is64 {
		pack(&img, &machHeader64{
			Magic: machfile.Magic64, CPUType: spec.CPUType, CPUSubType: spec.CPUSubType,
			FileType: spec.FileType, NCmds: ncmds, SizeOfCmds: uint32(cmds.Len()),
		})
	} else {
		pack(&img, &machHeader32{
			Magic: machfile.Magic32, CPUType: spec.CPUType, CPUSubType: spec.CPUSubType,
			FileType: spec.FileType, NCmds: ncmds, SizeOfCmds: uint32(cmds.Len()),
		})
	}
	img.Write(cmds.Bytes())
	return img.Bytes()
}

// crashInfoBytes lays out the crash_info struct followed by its strings.
// base is the runtime address the returned bytes will be mapped at.
func crashInfoBytes(spec *CrashInfoSpec, is64 bool, base uint64) []byte {
	ptrSize := 8
	if !is64 {
		ptrSize = 4
	}
	structSize := alignUp(4, ptrSize) + 7*ptrSize

	var strs bytes.Buffer
	ptr := func(s string, override uint64) uint64 {
		if override != 0 {
			return override
		}
		if s == "" {
			return 0
		}
		p := base + uint64(structSize) + uint64(strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
		return p
	}

	message := ptr(spec.Message, spec.MessagePtr)
	signature := ptr(spec.Signature, 0)
	backtrace := ptr(spec.Backtrace, 0)
	message2 := ptr(spec.Message2, 0)

	buf := make([]byte, structSize)
	binary.LittleEndian.PutUint32(buf, spec.Version)
	putPtr := func(off int, v uint64) {
		if is64 {
			binary.LittleEndian.PutUint64(buf[off:], v)
		} else {
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		}
	}
	off := alignUp(4, ptrSize)
	putPtr(off, message)
	putPtr(off+ptrSize, signature)
	putPtr(off+2*ptrSize, backtrace)
	putPtr(off+3*ptrSize, message2)

	return append(buf, strs.Bytes()...)
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Map lays out a synthetic image in mem the way the loader would: the header
// and command table at base, the crash-info data (if any) at its slid
// section address. slide is the displacement between the image's declared
// addresses and where it is mapped. Returns the header address (always base).
func Map(mem *memio.RegionMemory, base uint64, slide int64, spec ImageSpec) uint64 {
	spec.fill()
	textVMAddr := uint64(int64(base) - slide)

	var dataVMAddr, dataSize uint64
	var dataBytes []byte
	if spec.CrashInfo != nil {
		dataVMAddr = textVMAddr + spec.TextSize
		dataBytes = crashInfoBytes(spec.CrashInfo, spec.is64(), uint64(int64(dataVMAddr)+slide))
		dataSize = uint64(len(dataBytes))
		if spec.CrashInfo.SectionSize != 0 {
			dataSize = spec.CrashInfo.SectionSize
		}
	}

	mem.AddRegion(base, buildCommands(&spec, textVMAddr, dataVMAddr, dataSize, 0))
	if dataBytes != nil {
		mem.AddRegion(uint64(int64(dataVMAddr)+slide), dataBytes)
	}
	return base
}

// BuildFile assembles spec as Mach-O file bytes suitable for the file-backed
// loader. Crash-info strings carry runtime pointers, so a file's crash-info
// section content is always zeroed; only the section itself is emitted.
func BuildFile(spec ImageSpec) []byte {
	spec.fill()
	if spec.TextVMAddr == 0 {
		if spec.is64() {
			spec.TextVMAddr = 0x100000000
		} else {
			spec.TextVMAddr = 0x1000
		}
	}

	var dataVMAddr, dataSize uint64
	if spec.CrashInfo != nil {
		dataVMAddr = spec.TextVMAddr + spec.TextSize
		ptrSize := 8
		if !spec.is64() {
			ptrSize = 4
		}
		dataSize = uint64(alignUp(4, ptrSize) + 7*ptrSize)
	}

	img := buildCommands(&spec, spec.TextVMAddr, dataVMAddr, dataSize, spec.TextSize)
	if uint64(len(img)) < spec.TextSize {
		img = append(img, make([]byte, spec.TextSize-uint64(len(img)))...)
	}
	// __DATA follows __TEXT in the file, zero-filled.
	img = append(img, make([]byte, dataSize)...)
	return img
}
