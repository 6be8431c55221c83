// Package fileloader loads Mach-O files from disk into a synthetic address
// space and plays the dynamic loader's role over them: it hands out image
// load/unload notifications and resolves header addresses back to file
// paths. It exists so the registry and the command line tools can work on
// binaries without a live target process.
package fileloader

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-crashkit/crashkit/pkg/imagelist"
	"github.com/go-crashkit/crashkit/pkg/logflags"
	"github.com/go-crashkit/crashkit/pkg/machfile"
	"github.com/go-crashkit/crashkit/pkg/memio"
)

// loadBase is where the first image gets mapped; images are placed one after
// another with a guard gap so that address queries cannot straddle two
// images by accident.
const (
	loadBase = 0x200000000
	loadGap  = 0x10000
	pageSize = 0x1000
)

type loadedImage struct {
	header uint64
	slide  int64
	path   string
}

// Loader maps Mach-O files into a memio.RegionMemory and implements both
// imagelist.Loader and imagelist.PathResolver over the result.
type Loader struct {
	mem *memio.RegionMemory
	log logflags.Logger

	mu       sync.Mutex
	images   []loadedImage
	onAdd    imagelist.ImageCallback
	onRemove imagelist.ImageCallback
	nextBase uint64
	self     uint64
}

// New returns a Loader mapping images into mem.
func New(mem *memio.RegionMemory) *Loader {
	return &Loader{
		mem:      mem,
		log:      logflags.FileLoaderLogger(),
		nextBase: loadBase,
	}
}

// Memory returns the address space the loader maps images into.
func (l *Loader) Memory() *memio.RegionMemory {
	return l.mem
}

// LoadFile maps the Mach-O file at path and returns the runtime address its
// header was mapped at. Registered add callbacks are notified.
func (l *Loader) LoadFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return l.Load(data, path)
}

// Load maps data, a complete Mach-O file image, recording path as its name.
func (l *Loader) Load(data []byte, path string) (uint64, error) {
	h, err := machfile.ReadHeader(fileBytes(data), 0)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	text, err := h.TextSegment(fileBytes(data))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if text == nil {
		return 0, fmt.Errorf("%s: no __TEXT segment", path)
	}

	l.mu.Lock()
	base := l.nextBase
	slide := int64(base) - int64(text.VMAddr)

	span := uint64(0)
	err = h.WalkCommands(fileBytes(data), func(cmd machfile.LoadCommand) (bool, error) {
		if cmd.Cmd != machfile.LoadCmdSegment && cmd.Cmd != machfile.LoadCmdSegment64 {
			return false, nil
		}
		seg, err := machfile.ParseSegment(fileBytes(data), cmd)
		if err != nil {
			return true, err
		}
		// __PAGEZERO and other unmapped bookkeeping segments.
		if seg.VMSize == 0 || (seg.FileSize == 0 && seg.Name != machfile.SegText) {
			return false, nil
		}
		if seg.FileOff+seg.FileSize > uint64(len(data)) {
			return true, fmt.Errorf("segment %s extends past end of file", seg.Name)
		}
		content := make([]byte, seg.VMSize)
		copy(content, data[seg.FileOff:seg.FileOff+seg.FileSize])
		dst := uint64(int64(seg.VMAddr) + slide)
		l.mem.AddRegion(dst, content)
		if end := dst + seg.VMSize - base; end > span {
			span = end
		}
		return false, nil
	})
	if err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	l.nextBase = alignUp(base+span, pageSize) + loadGap
	l.images = append(l.images, loadedImage{header: base, slide: slide, path: path})
	cb := l.onAdd
	l.mu.Unlock()

	l.log.Debugf("mapped %s at %#x (slide %#x)", path, base, slide)
	if cb != nil {
		cb(base, slide)
	}
	return base, nil
}

// Unload notifies registered remove callbacks for the image mapped at
// header. The mapping itself stays in place, like the record of an image the
// loader has let go of but whose pages a crash reporter may still inspect.
func (l *Loader) Unload(header uint64) bool {
	l.mu.Lock()
	var img *loadedImage
	for i := range l.images {
		if l.images[i].header == header {
			img = &l.images[i]
			break
		}
	}
	cb := l.onRemove
	l.mu.Unlock()
	if img == nil {
		return false
	}
	if cb != nil {
		cb(img.header, img.slide)
	}
	return true
}

// SetSelfImage designates the image at header as the one containing the
// reporting subsystem.
func (l *Loader) SetSelfImage(header uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.self = header
}

// RegisterForAddImage implements imagelist.Loader. Every image loaded so far
// is replayed through cb before future loads are delivered.
func (l *Loader) RegisterForAddImage(cb imagelist.ImageCallback) {
	l.mu.Lock()
	l.onAdd = cb
	backlog := append([]loadedImage(nil), l.images...)
	l.mu.Unlock()
	for _, img := range backlog {
		cb(img.header, img.slide)
	}
}

// RegisterForRemoveImage implements imagelist.Loader.
func (l *Loader) RegisterForRemoveImage(cb imagelist.ImageCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRemove = cb
}

// SelfImageHeader implements imagelist.Loader.
func (l *Loader) SelfImageHeader() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.self
}

// AllImageInfos implements imagelist.Loader. File-backed sessions have no
// loader image of their own, so LoaderImageAddr is zero.
func (l *Loader) AllImageInfos() (*imagelist.AllImageInfos, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	infos := &imagelist.AllImageInfos{}
	for _, img := range l.images {
		infos.Infos = append(infos.Infos, imagelist.ImageInfo{
			LoadAddress: img.header,
			FilePath:    img.path,
		})
	}
	return infos, nil
}

// PathForHeader implements imagelist.PathResolver.
func (l *Loader) PathForHeader(header uint64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, img := range l.images {
		if img.header == header {
			return img.path, true
		}
	}
	return "", false
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// fileBytes adapts a file's raw bytes to memio.Memory, with file offsets
// standing in for addresses. Used while parsing the command table before the
// image has a runtime layout.
type fileBytes []byte

func (b fileBytes) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr >= uint64(len(b)) {
		return 0, fmt.Errorf("read at %#x: %w", addr, memio.ErrUnreadable)
	}
	n := copy(buf, b[addr:])
	if n < len(buf) {
		return n, fmt.Errorf("read at %#x: %w", addr+uint64(n), memio.ErrUnreadable)
	}
	return n, nil
}
