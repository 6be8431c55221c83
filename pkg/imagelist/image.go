package imagelist

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Image describes one binary image mapped into the target address space.
// All fields except the unloaded flag are fixed before the image is
// published into a List and never change afterwards, which is what makes
// lock-free traversal safe: a reader either does not see the image yet or
// sees it fully formed.
type Image struct {
	header     uint64
	vmAddr     uint64
	size       uint64
	name       string
	uuid       [16]byte
	hasUUID    bool
	slide      int64
	cpuType    int32
	cpuSubType int32
	fileType   uint32

	majorVersion    uint32
	minorVersion    uint32
	revisionVersion uint32

	crashInfoMessage   string
	crashInfoMessage2  string
	crashInfoBacktrace string
	crashInfoSignature string

	// unloaded transitions false to true exactly once and is safe to read
	// racily: at worst a reader sees a stale false for one extra scan.
	unloaded atomic.Bool

	// next is set exactly once, when the successor is published. The zero
	// value (nil) terminates traversal.
	next atomic.Pointer[Image]
}

// Header returns the runtime address of the image's mach header. It is the
// image's identity for the lifetime of the mapping.
func (img *Image) Header() uint64 { return img.header }

// VMAddr returns the build-time address the image's code segment declares.
// The runtime address is VMAddr()+Slide().
func (img *Image) VMAddr() uint64 { return img.vmAddr }

// Size returns the byte length of the image's code segment.
func (img *Image) Size() uint64 { return img.size }

// Name returns the image's file system path.
func (img *Image) Name() string { return img.name }

// Slide returns the displacement between the image's declared addresses and
// where the loader mapped it.
func (img *Image) Slide() int64 { return img.slide }

// UUID returns the image's unique build identifier, if it declares one.
func (img *Image) UUID() (uuid.UUID, bool) {
	return uuid.UUID(img.uuid), img.hasUUID
}

// CPUType returns the image's declared CPU type.
func (img *Image) CPUType() int32 { return img.cpuType }

// CPUSubType returns the image's declared CPU subtype.
func (img *Image) CPUSubType() int32 { return img.cpuSubType }

// FileType returns the image's mach header file type.
func (img *Image) FileType() uint32 { return img.fileType }

// Version returns the image's major/minor/revision version triple, all zero
// if the image does not declare one.
func (img *Image) Version() (major, minor, revision uint32) {
	return img.majorVersion, img.minorVersion, img.revisionVersion
}

// CrashInfoMessage returns the first message string of the image's embedded
// crash-info section, or "" if absent.
func (img *Image) CrashInfoMessage() string { return img.crashInfoMessage }

// CrashInfoMessage2 returns the second message string of the image's
// embedded crash-info section, or "" if absent.
func (img *Image) CrashInfoMessage2() string { return img.crashInfoMessage2 }

// CrashInfoBacktrace returns the backtrace string of the image's embedded
// crash-info section, or "" if absent.
func (img *Image) CrashInfoBacktrace() string { return img.crashInfoBacktrace }

// CrashInfoSignature returns the signature string of the image's embedded
// crash-info section, or "" if absent.
func (img *Image) CrashInfoSignature() string { return img.crashInfoSignature }

// Unloaded reports whether the loader has unmapped this image. Unloaded
// images stay in the list so concurrent readers never chase freed memory.
func (img *Image) Unloaded() bool { return img.unloaded.Load() }

// Next returns the next image in insertion order, or nil at the end of the
// list. Safe to call from any context; it performs a single atomic load.
func (img *Image) Next() *Image { return img.next.Load() }

// containsAddress reports whether addr falls inside the image's mapped code
// range. The range starts at the header's runtime address and is half-open.
func (img *Image) containsAddress(addr uint64) bool {
	if img.unloaded.Load() {
		return false
	}
	return addr >= img.header && addr < img.header+img.size
}
