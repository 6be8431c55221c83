package imagelist_test

import (
	"sync"

	"github.com/go-crashkit/crashkit/pkg/imagelist"
	"github.com/go-crashkit/crashkit/pkg/machfile/machotest"
	"github.com/go-crashkit/crashkit/pkg/memio"
)

type fakeImage struct {
	header uint64
	slide  int64
}

// fakeLoader implements imagelist.Loader over a scripted set of images.
// Registering the add callback replays every image loaded so far, the way
// the real loader delivers its backlog on subscription.
type fakeLoader struct {
	mu       sync.Mutex
	loaded   []fakeImage
	onAdd    imagelist.ImageCallback
	onRemove imagelist.ImageCallback

	self     uint64
	infos    *imagelist.AllImageInfos
	infosErr error
}

func (ld *fakeLoader) RegisterForAddImage(cb imagelist.ImageCallback) {
	ld.mu.Lock()
	ld.onAdd = cb
	backlog := append([]fakeImage(nil), ld.loaded...)
	ld.mu.Unlock()
	for _, im := range backlog {
		cb(im.header, im.slide)
	}
}

func (ld *fakeLoader) RegisterForRemoveImage(cb imagelist.ImageCallback) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.onRemove = cb
}

func (ld *fakeLoader) SelfImageHeader() uint64 {
	return ld.self
}

func (ld *fakeLoader) AllImageInfos() (*imagelist.AllImageInfos, error) {
	if ld.infosErr != nil {
		return nil, ld.infosErr
	}
	return ld.infos, nil
}

// load records an image and, once subscribed, notifies like a future load.
func (ld *fakeLoader) load(header uint64, slide int64) {
	ld.mu.Lock()
	ld.loaded = append(ld.loaded, fakeImage{header, slide})
	cb := ld.onAdd
	ld.mu.Unlock()
	if cb != nil {
		cb(header, slide)
	}
}

func (ld *fakeLoader) unload(header uint64, slide int64) {
	ld.mu.Lock()
	cb := ld.onRemove
	ld.mu.Unlock()
	if cb != nil {
		cb(header, slide)
	}
}

type fakeResolver map[uint64]string

func (r fakeResolver) PathForHeader(header uint64) (string, bool) {
	path, ok := r[header]
	return path, ok
}

// testEnv bundles an address space, a scripted loader and a list under test.
type testEnv struct {
	mem      *memio.RegionMemory
	loader   *fakeLoader
	resolver fakeResolver
	list     *imagelist.List
}

func newEnv() *testEnv {
	e := &testEnv{
		mem:      memio.NewRegionMemory(),
		loader:   &fakeLoader{},
		resolver: fakeResolver{},
	}
	e.list = imagelist.New(imagelist.Config{
		Memory:   e.mem,
		Loader:   e.loader,
		Resolver: e.resolver,
	})
	return e
}

// mapImage lays out a synthetic image and names it in the resolver.
func (e *testEnv) mapImage(base uint64, slide int64, name string, spec machotest.ImageSpec) uint64 {
	header := machotest.Map(e.mem, base, slide, spec)
	if name != "" {
		e.resolver[header] = name
	}
	return header
}

func countImages(l *imagelist.List) int {
	n := 0
	for img := l.Images(); img != nil; img = img.Next() {
		n++
	}
	return n
}
