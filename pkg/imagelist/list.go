// Package imagelist maintains a live registry of the binary images mapped
// into a target address space and the per-image metadata needed to
// symbolicate addresses in a crash report: load address, unique build id,
// version, and any crash annotations the image embeds about itself.
//
// The registry is an append-only singly linked list. Writers publish a fully
// constructed descriptor with one atomic tail swap; readers follow forward
// links with plain atomic loads. Traversal therefore never blocks, never
// allocates and never observes a half-built descriptor, which makes it safe
// to run from a crash handler that may have interrupted a writer anywhere,
// including mid-insert. Descriptors are never unlinked or freed during
// normal operation; an unmapped image is only marked unloaded, so a
// concurrent reader holding a reference can never chase freed memory.
package imagelist

import (
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/go-crashkit/crashkit/pkg/logflags"
	"github.com/go-crashkit/crashkit/pkg/machfile"
	"github.com/go-crashkit/crashkit/pkg/memio"
)

// simulatorLoaderPath marks the alternate loader used by simulated
// environments; its image is not reported through the loader's callbacks.
const simulatorLoaderPath = "/usr/lib/dyld_sim"

// Config carries the collaborators a List reads the world through.
type Config struct {
	// Memory is the address space holding the mapped images.
	Memory memio.Memory
	// Loader delivers image load/unload notifications.
	Loader Loader
	// Resolver resolves header addresses to file paths. Optional; without
	// it only the loader's bookkeeping can name images.
	Resolver PathResolver
	// Probe overrides the validation probe used on image-embedded data.
	// When nil a probe over Memory is used.
	Probe *memio.Probe
}

// List is the image registry. The zero value is not usable; construct with
// New. A process normally owns exactly one List for its lifetime, created
// once and explicitly, so the initialization order stays auditable.
type List struct {
	mem      memio.Memory
	probe    *memio.Probe
	loader   Loader
	resolver PathResolver
	log      logflags.Logger

	// head is a permanent sentinel, never a valid image. The first real
	// descriptor is head.next.
	head Image
	tail atomic.Pointer[Image]
	self atomic.Pointer[Image]

	initialized atomic.Bool

	// allImageInfos is written during Initialize, before callbacks are
	// registered, and only read from callbacks and queries after that.
	allImageInfos *AllImageInfos
}

// New returns an empty List over the given collaborators.
func New(cfg Config) *List {
	probe := cfg.Probe
	if probe == nil {
		probe = memio.NewProbe(cfg.Memory)
	}
	l := &List{
		mem:      cfg.Memory,
		probe:    probe,
		loader:   cfg.Loader,
		resolver: cfg.Resolver,
		log:      logflags.ImageListLogger(),
	}
	l.tail.Store(&l.head)
	return l
}

// Initialize discovers already-loaded images and subscribes to the loader's
// load/unload notifications. Exactly one caller performs the work; racing
// and subsequent callers return immediately without waiting for the winner,
// so the registry is not guaranteed to be populated when Initialize returns
// on a losing path. Callers that need that guarantee must serialize the
// first call themselves.
func (l *List) Initialize() {
	if !l.initialized.CompareAndSwap(false, true) {
		// Already called.
		return
	}
	if l.loader == nil {
		return
	}

	l.registerLoaderImages()

	// Registering the add callback delivers one callback per image already
	// loaded, then keeps the registry current with future changes.
	l.loader.RegisterForAddImage(l.AddImage)
	l.loader.RegisterForRemoveImage(l.RemoveImage)
}

// registerLoaderImages inserts the loader's own image, which is invisible to
// the notification callbacks, using the loader's bookkeeping region. On
// simulated runtimes the first bookkeeping entry is the simulator loader and
// gets the same treatment.
func (l *List) registerLoaderImages() {
	infos, err := l.loader.AllImageInfos()
	if err != nil {
		l.log.Errorf("loader bookkeeping unavailable: %v", err)
		return
	}
	l.allImageInfos = infos
	if infos == nil || infos.LoaderImageAddr == 0 {
		return
	}

	l.AddImage(infos.LoaderImageAddr, machfile.ComputeSlide(l.mem, infos.LoaderImageAddr))

	if len(infos.Infos) > 0 && strings.Contains(infos.Infos[0].FilePath, simulatorLoaderPath) {
		header := infos.Infos[0].LoadAddress
		l.AddImage(header, machfile.ComputeSlide(l.mem, header))
	}
}

// AddImage describes the image at header and publishes it at the end of the
// list. It is the loader's "image added" callback and doubles as the direct
// insertion hook tests use to simulate load sequences. Images that cannot
// be described (bad magic, no resolvable name) are skipped; the callback
// never fails outward.
func (l *List) AddImage(header uint64, slide int64) {
	img, err := l.imageForHeader(header, slide)
	if err != nil {
		l.log.Debugf("skipping image at %#x: %v", header, err)
		return
	}

	// Publish. The new node is complete before the swap; a reader either
	// has not reached the old tail's link yet (sees the list without img)
	// or loads it after the store below (sees img fully formed).
	oldTail := l.tail.Swap(img)
	oldTail.next.Store(img)

	if l.loader != nil && header == l.loader.SelfImageHeader() {
		l.self.Store(img)
	}
	l.log.Debugf("added image %s at %#x (slide %#x)", img.name, header, slide)
}

// RemoveImage marks the image at header unloaded. It is the loader's "image
// removed" callback and the matching test hook. The descriptor stays linked
// so in-flight readers never dereference freed memory.
func (l *List) RemoveImage(header uint64, slide int64) {
	existing, err := l.imageForHeader(header, slide)
	if err != nil {
		return
	}
	// Match on the runtime header address: distinct images may declare the
	// same build-time vmaddr.
	for img := l.Images(); img != nil; img = img.Next() {
		if img.header == existing.header {
			img.unloaded.Store(true)
			l.log.Debugf("marked image %s unloaded", img.name)
		}
	}
}

// Images returns the first image in insertion order, or nil if the list is
// empty. Together with Image.Next it is the traversal entry point and is
// safe from any context, including a crash handler.
func (l *List) Images() *Image {
	return l.head.next.Load()
}

// ImageNamed returns the first live image matching name in insertion order.
// With exactMatch the name must be equal; otherwise substring containment
// matches. Returns nil if no image matches.
func (l *List) ImageNamed(name string, exactMatch bool) *Image {
	if name == "" {
		return nil
	}
	for img := l.Images(); img != nil; img = img.Next() {
		if img.name == "" {
			continue
		}
		if img.unloaded.Load() {
			continue
		}
		if exactMatch {
			if img.name == name {
				return img
			}
		} else if strings.Contains(img.name, name) {
			return img
		}
	}
	return nil
}

// ImageUUID resolves an image by name like ImageNamed and returns its unique
// build id, re-reading the image's command table on demand rather than using
// the descriptor's cached copy.
func (l *List) ImageUUID(name string, exactMatch bool) (uuid.UUID, bool) {
	img := l.ImageNamed(name, exactMatch)
	if img == nil {
		return uuid.UUID{}, false
	}
	id, ok := machfile.ImageUUID(l.mem, img.header)
	return uuid.UUID(id), ok
}

// MainImage returns the image of the main executable, or nil if no image
// declares the executable file type.
func (l *List) MainImage() *Image {
	for img := l.Images(); img != nil; img = img.Next() {
		if img.fileType == machfile.FileTypeExecute {
			return img
		}
	}
	return nil
}

// SelfImage returns the image recorded as containing this subsystem during
// bootstrap, or nil.
func (l *List) SelfImage() *Image {
	return l.self.Load()
}

// ImageAtAddress returns the live image whose mapped code range contains
// addr, or nil. The range is half-open: the header address is inside, the
// header address plus size is not.
func (l *List) ImageAtAddress(addr uint64) *Image {
	for img := l.Images(); img != nil; img = img.Next() {
		if img.containsAddress(addr) {
			return img
		}
	}
	return nil
}

// Reset restores the list to its empty, uninitialized state so Initialize
// runs again on the next call. Dropping descriptors while readers hold
// references is unsafe in general; Reset exists for test isolation and
// requires the caller to guarantee no concurrent access.
func (l *List) Reset() {
	l.head.next.Store(nil)
	l.tail.Store(&l.head)
	l.self.Store(nil)
	l.allImageInfos = nil
	l.initialized.Store(false)
}
