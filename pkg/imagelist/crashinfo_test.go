package imagelist_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-crashkit/crashkit/pkg/machfile/machotest"
)

func TestCrashInfoExtraction(t *testing.T) {
	e := newEnv()
	e.list.Initialize()
	h := e.mapImage(0x100000000, 0x2000, "/usr/lib/libnoisy.dylib", machotest.ImageSpec{
		CrashInfo: &machotest.CrashInfoSpec{
			Version:   5,
			Message:   "abort() called",
			Message2:  "even more detail",
			Backtrace: "0x1 0x2 0x3",
			Signature: "sig-v5",
		},
	})
	e.loader.load(h, 0x2000)

	img := e.list.ImageNamed("libnoisy", false)
	if img == nil {
		t.Fatal("image not registered")
	}
	if got := img.CrashInfoMessage(); got != "abort() called" {
		t.Errorf("message = %q", got)
	}
	if got := img.CrashInfoMessage2(); got != "even more detail" {
		t.Errorf("message2 = %q", got)
	}
	if got := img.CrashInfoBacktrace(); got != "0x1 0x2 0x3" {
		t.Errorf("backtrace = %q", got)
	}
	if got := img.CrashInfoSignature(); got != "sig-v5" {
		t.Errorf("signature = %q", got)
	}
}

func TestCrashInfoVersion4(t *testing.T) {
	e := newEnv()
	e.list.Initialize()
	h := e.mapImage(0x100000000, 0, "/usr/lib/libv4.dylib", machotest.ImageSpec{
		CrashInfo: &machotest.CrashInfoSpec{Version: 4, Message: "v4 message"},
	})
	e.loader.load(h, 0)

	img := e.list.ImageNamed("libv4", false)
	if img == nil {
		t.Fatal("image not registered")
	}
	if img.CrashInfoMessage() != "v4 message" {
		t.Errorf("message = %q", img.CrashInfoMessage())
	}
}

func TestCrashInfoUnsupportedVersion(t *testing.T) {
	e := newEnv()
	e.list.Initialize()
	h := e.mapImage(0x100000000, 0, "/usr/lib/libv3.dylib", machotest.ImageSpec{
		CrashInfo: &machotest.CrashInfoSpec{Version: 3, Message: "stale"},
	})
	e.loader.load(h, 0)

	// Never a construction failure, just no strings.
	img := e.list.ImageNamed("libv3", false)
	if img == nil {
		t.Fatal("unsupported crash-info version prevented descriptor construction")
	}
	if img.CrashInfoMessage() != "" || img.CrashInfoMessage2() != "" ||
		img.CrashInfoBacktrace() != "" || img.CrashInfoSignature() != "" {
		t.Error("strings extracted from unsupported crash-info version")
	}
}

func TestCrashInfoUndersizedSection(t *testing.T) {
	e := newEnv()
	e.list.Initialize()
	h := e.mapImage(0x100000000, 0, "/usr/lib/libtiny.dylib", machotest.ImageSpec{
		CrashInfo: &machotest.CrashInfoSpec{Version: 5, Message: "m", SectionSize: 16},
	})
	e.loader.load(h, 0)

	img := e.list.ImageNamed("libtiny", false)
	if img == nil {
		t.Fatal("image not registered")
	}
	if img.CrashInfoMessage() != "" {
		t.Error("string extracted from undersized section")
	}
}

func TestCrashInfoBothMessagesNull(t *testing.T) {
	e := newEnv()
	e.list.Initialize()
	h := e.mapImage(0x100000000, 0, "/usr/lib/libsig.dylib", machotest.ImageSpec{
		CrashInfo: &machotest.CrashInfoSpec{Version: 5, Signature: "only-sig"},
	})
	e.loader.load(h, 0)

	img := e.list.ImageNamed("libsig", false)
	if img == nil {
		t.Fatal("image not registered")
	}
	if img.CrashInfoSignature() != "" {
		t.Error("signature extracted although both messages are null")
	}
}

func TestCrashInfoUnmappedStringPointer(t *testing.T) {
	e := newEnv()
	e.list.Initialize()
	h := e.mapImage(0x100000000, 0, "/usr/lib/libbadptr.dylib", machotest.ImageSpec{
		CrashInfo: &machotest.CrashInfoSpec{
			Version:    5,
			MessagePtr: 0xdead0000, // unmapped
			Message2:   "still here",
		},
	})
	e.loader.load(h, 0)

	img := e.list.ImageNamed("libbadptr", false)
	if img == nil {
		t.Fatal("image not registered")
	}
	if img.CrashInfoMessage() != "" {
		t.Errorf("message = %q from unmapped pointer", img.CrashInfoMessage())
	}
	if img.CrashInfoMessage2() != "still here" {
		t.Errorf("message2 = %q", img.CrashInfoMessage2())
	}
}

func TestCrashInfoStringLengthLimit(t *testing.T) {
	e := newEnv()
	e.list.Initialize()

	// 4097 non-NUL bytes with nothing mapped after: over the limit.
	over := uint64(0x900000000)
	e.mem.AddRegion(over, bytes.Repeat([]byte{'x'}, 4097))
	// A 4096-character string with its terminator: exactly at the limit.
	max := uint64(0xa00000000)
	e.mem.AddRegion(max, append(bytes.Repeat([]byte{'y'}, 4096), 0))

	h1 := e.mapImage(0x100000000, 0, "/usr/lib/libover.dylib", machotest.ImageSpec{
		CrashInfo: &machotest.CrashInfoSpec{Version: 5, MessagePtr: over, Message2: "m2"},
	})
	e.loader.load(h1, 0)
	h2 := e.mapImage(0x200000000, 0, "/usr/lib/libmax.dylib", machotest.ImageSpec{
		CrashInfo: &machotest.CrashInfoSpec{Version: 5, MessagePtr: max, Message2: "m2"},
	})
	e.loader.load(h2, 0)

	if img := e.list.ImageNamed("libover", false); img == nil {
		t.Fatal("image not registered")
	} else if img.CrashInfoMessage() != "" {
		t.Error("unterminated 4097-byte buffer accepted as crash-info string")
	}

	img := e.list.ImageNamed("libmax", false)
	if img == nil {
		t.Fatal("image not registered")
	}
	if got := img.CrashInfoMessage(); got != strings.Repeat("y", 4096) {
		t.Errorf("message length = %d, want 4096", len(got))
	}
}

func TestCrashInfo32Bit(t *testing.T) {
	e := newEnv()
	e.list.Initialize()
	h := e.mapImage(0x10000, 0x1000, "/usr/lib/lib32.dylib", machotest.ImageSpec{
		Bits:      32,
		TextSize:  0x2000,
		CrashInfo: &machotest.CrashInfoSpec{Version: 4, Message: "thirty-two"},
	})
	e.loader.load(h, 0x1000)

	img := e.list.ImageNamed("lib32", false)
	if img == nil {
		t.Fatal("32-bit image not registered")
	}
	if img.CrashInfoMessage() != "thirty-two" {
		t.Errorf("message = %q", img.CrashInfoMessage())
	}
}
