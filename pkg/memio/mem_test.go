package memio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionMemoryRead(t *testing.T) {
	mem := NewRegionMemory()
	mem.AddRegion(0x1000, []byte{1, 2, 3, 4})
	mem.AddRegion(0x2000, []byte{5, 6, 7, 8})

	buf := make([]byte, 4)
	n, err := mem.ReadMemory(buf, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	n, err = mem.ReadMemory(buf[:2], 0x1002)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{3, 4}, buf[:2])
}

func TestRegionMemoryReadAcrossContiguousRegions(t *testing.T) {
	mem := NewRegionMemory()
	mem.AddRegion(0x1000, []byte{1, 2})
	mem.AddRegion(0x1002, []byte{3, 4})

	buf := make([]byte, 4)
	n, err := mem.ReadMemory(buf, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestRegionMemoryReadHole(t *testing.T) {
	mem := NewRegionMemory()
	mem.AddRegion(0x1000, []byte{1, 2, 3, 4})
	mem.AddRegion(0x2000, []byte{5, 6, 7, 8})

	// Read runs off the end of the first region into unmapped space.
	buf := make([]byte, 8)
	n, err := mem.ReadMemory(buf, 0x1002)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadable))
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{3, 4}, buf[:n])

	// Read starting in unmapped space fails immediately.
	n, err = mem.ReadMemory(buf, 0x3000)
	require.Error(t, err)
	assert.Equal(t, 0, n)
}

func TestRegionMemoryWrite(t *testing.T) {
	mem := NewRegionMemory()
	mem.AddRegion(0x1000, []byte{1, 2, 3, 4})

	n, err := mem.WriteMemory(0x1001, []byte{9, 9})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 4)
	_, err = mem.ReadMemory(buf, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 9, 9, 4}, buf)

	_, err = mem.WriteMemory(0x5000, []byte{1})
	require.Error(t, err)
}

func TestReadPtr(t *testing.T) {
	mem := NewRegionMemory()
	mem.AddRegion(0x1000, []byte{0x78, 0x56, 0x34, 0x12, 0, 0, 0, 0})

	v32, err := ReadPtr(mem, 0x1000, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12345678), v32)

	v64, err := ReadPtr(mem, 0x1000, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12345678), v64)

	_, err = ReadPtr(mem, 0x1000, 3)
	require.Error(t, err)
}
