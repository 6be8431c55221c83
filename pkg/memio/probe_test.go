package memio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func probeOver(regions map[uint64][]byte) *Probe {
	mem := NewRegionMemory()
	for addr, data := range regions {
		mem.AddRegion(addr, data)
	}
	return NewProbe(mem)
}

func TestMaxReadableBytes(t *testing.T) {
	p := probeOver(map[uint64][]byte{0x1000: make([]byte, 16)})

	assert.Equal(t, 16, p.MaxReadableBytes(0x1000, 16))
	assert.Equal(t, 16, p.MaxReadableBytes(0x1000, 32))
	assert.Equal(t, 8, p.MaxReadableBytes(0x1008, 32))
	assert.Equal(t, 0, p.MaxReadableBytes(0x2000, 32))
	assert.Equal(t, 0, p.MaxReadableBytes(0x1000, 0))
}

func TestIsReadable(t *testing.T) {
	p := probeOver(map[uint64][]byte{0x1000: make([]byte, 16)})

	assert.True(t, p.IsReadable(0x1000, 16))
	assert.True(t, p.IsReadable(0x100f, 1))
	assert.False(t, p.IsReadable(0x1000, 17))
	assert.False(t, p.IsReadable(0x2000, 1))
}

func TestCString(t *testing.T) {
	p := probeOver(map[uint64][]byte{
		0x1000: append([]byte("hello"), 0),
		0x2000: bytes.Repeat([]byte{'x'}, 8), // no terminator, unmapped after
	})

	s, ok := p.CString(0x1000, 64)
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	// Terminator exactly at the limit is still accepted.
	s, ok = p.CString(0x1000, 5)
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	// Unterminated within readable span.
	_, ok = p.CString(0x2000, 64)
	assert.False(t, ok)

	// Null pointer and unmapped pointer.
	_, ok = p.CString(0, 64)
	assert.False(t, ok)
	_, ok = p.CString(0x3000, 64)
	assert.False(t, ok)
}
