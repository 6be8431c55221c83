// Package memio provides bounded read access to address spaces that contain
// mapped binary images, together with a validation probe used to inspect
// memory of questionable validity (image-embedded annotation data may be
// stale, corrupt or adversarial by the time a crash reporter looks at it).
package memio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrUnreadable is returned by Memory implementations when part of the
// requested range is not mapped or not readable.
var ErrUnreadable = errors.New("memory not readable")

// Memory is like io.ReaderAt, but the offset is a uint64 so that it can
// address all of 64-bit memory. ReadMemory must fill buf from addr and
// return the number of bytes that were actually readable; a count smaller
// than len(buf) is always accompanied by an error.
type Memory interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// ReadUint32 reads a little-endian uint32 from mem at addr.
func ReadUint32(mem Memory, addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian uint64 from mem at addr.
func ReadUint64(mem Memory, addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadPtr reads a pointer of ptrSize bytes from mem at addr.
func ReadPtr(mem Memory, addr uint64, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		n, err := ReadUint32(mem, addr)
		return uint64(n), err
	case 8:
		return ReadUint64(mem, addr)
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}

type region struct {
	addr uint64
	data []byte
}

// RegionMemory is a Memory backed by a set of in-process byte regions. It
// backs the file-based image loader and the test fakes; reads spanning a
// hole between regions are truncated at the hole.
//
// AddRegion and WriteMemory are not safe for use concurrently with reads.
type RegionMemory struct {
	regions []region
}

// NewRegionMemory returns an empty RegionMemory.
func NewRegionMemory() *RegionMemory {
	return &RegionMemory{}
}

// AddRegion maps data at addr. Regions must not overlap.
func (m *RegionMemory) AddRegion(addr uint64, data []byte) {
	m.regions = append(m.regions, region{addr: addr, data: data})
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].addr < m.regions[j].addr
	})
}

func (m *RegionMemory) regionFor(addr uint64) *region {
	i := sort.Search(len(m.regions), func(i int) bool {
		r := &m.regions[i]
		return addr < r.addr+uint64(len(r.data))
	})
	if i >= len(m.regions) || addr < m.regions[i].addr {
		return nil
	}
	return &m.regions[i]
}

// ReadMemory implements Memory. Contiguous regions are read through as one
// range.
func (m *RegionMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	total := 0
	for total < len(buf) {
		r := m.regionFor(addr + uint64(total))
		if r == nil {
			return total, fmt.Errorf("read at %#x: %w", addr+uint64(total), ErrUnreadable)
		}
		off := addr + uint64(total) - r.addr
		n := copy(buf[total:], r.data[off:])
		total += n
	}
	return total, nil
}

// WriteMemory overwrites previously mapped bytes at addr. It exists so tests
// can patch image memory in place; it never extends a region.
func (m *RegionMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		r := m.regionFor(addr + uint64(total))
		if r == nil {
			return total, fmt.Errorf("write at %#x: %w", addr+uint64(total), ErrUnreadable)
		}
		off := addr + uint64(total) - r.addr
		n := copy(r.data[off:], data[total:])
		total += n
	}
	return total, nil
}
