package fileloader_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-crashkit/crashkit/pkg/fileloader"
	"github.com/go-crashkit/crashkit/pkg/imagelist"
	"github.com/go-crashkit/crashkit/pkg/machfile"
	"github.com/go-crashkit/crashkit/pkg/machfile/machotest"
	"github.com/go-crashkit/crashkit/pkg/memio"
)

func TestLoadMapsSegments(t *testing.T) {
	mem := memio.NewRegionMemory()
	ld := fileloader.New(mem)

	id := [16]byte{1, 2, 3, 4}
	header, err := ld.Load(machotest.BuildFile(machotest.ImageSpec{
		TextVMAddr: 0x100000000,
		UUID:       &id,
	}), "/tmp/liba.dylib")
	require.NoError(t, err)

	h, err := machfile.ReadHeader(mem, header)
	require.NoError(t, err)
	assert.True(t, h.Is64())

	// The image declares 0x100000000 but was mapped at the loader's base.
	slide := machfile.ComputeSlide(mem, header)
	assert.Equal(t, int64(header)-0x100000000, slide)

	got, ok := machfile.ImageUUID(mem, header)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestLoadRejectsUnrecognizedFile(t *testing.T) {
	ld := fileloader.New(memio.NewRegionMemory())
	_, err := ld.Load([]byte("not a mach-o file"), "/tmp/garbage")
	require.Error(t, err)
	assert.ErrorIs(t, err, machfile.ErrBadMagic)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libdisk.dylib")
	require.NoError(t, os.WriteFile(path, machotest.BuildFile(machotest.ImageSpec{}), 0o644))

	ld := fileloader.New(memio.NewRegionMemory())
	header, err := ld.LoadFile(path)
	require.NoError(t, err)

	name, ok := ld.PathForHeader(header)
	require.True(t, ok)
	assert.Equal(t, path, name)
}

func TestImagesGetDisjointMappings(t *testing.T) {
	mem := memio.NewRegionMemory()
	ld := fileloader.New(mem)

	// Same declared addresses, so the loader must slide the second one.
	h1, err := ld.Load(machotest.BuildFile(machotest.ImageSpec{}), "/tmp/one.dylib")
	require.NoError(t, err)
	h2, err := ld.Load(machotest.BuildFile(machotest.ImageSpec{}), "/tmp/two.dylib")
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
	for _, h := range []uint64{h1, h2} {
		_, err := machfile.ReadHeader(mem, h)
		assert.NoError(t, err)
	}
}

func TestRegistryOverFileLoader(t *testing.T) {
	mem := memio.NewRegionMemory()
	ld := fileloader.New(mem)

	hBefore, err := ld.Load(machotest.BuildFile(machotest.ImageSpec{
		FileType:     machfile.FileTypeExecute,
		DylibVersion: 0x00010203,
	}), "/usr/bin/app")
	require.NoError(t, err)
	ld.SetSelfImage(hBefore)

	list := imagelist.New(imagelist.Config{
		Memory:   mem,
		Loader:   ld,
		Resolver: ld,
	})
	list.Initialize()

	// Loaded before Initialize, delivered through the backlog replay.
	img := list.ImageNamed("/usr/bin/app", true)
	require.NotNil(t, img)
	assert.Equal(t, hBefore, img.Header())
	assert.Same(t, img, list.MainImage())
	assert.Same(t, img, list.SelfImage())

	// Loaded after Initialize, delivered through the live callback.
	hAfter, err := ld.Load(machotest.BuildFile(machotest.ImageSpec{}), "/usr/lib/liblate.dylib")
	require.NoError(t, err)
	late := list.ImageNamed("liblate", false)
	require.NotNil(t, late)
	assert.Equal(t, hAfter, late.Header())

	require.True(t, ld.Unload(hAfter))
	assert.Nil(t, list.ImageNamed("liblate", false))
	assert.NotNil(t, list.ImageAtAddress(hBefore))
}
