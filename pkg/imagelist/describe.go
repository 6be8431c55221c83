package imagelist

import (
	"fmt"

	"github.com/go-crashkit/crashkit/pkg/machfile"
	"github.com/go-crashkit/crashkit/pkg/memio"
)

// maxCrashInfoStringLength bounds every string extracted from an image's
// crash-info section.
const maxCrashInfoStringLength = 4096

// Supported crash-info section format versions.
const (
	crashInfoVersion4 = 4
	crashInfoVersion5 = 5 // adds a reserved trailing field, same prefix
)

var errNoImageName = fmt.Errorf("image has no resolvable name")

// imageForHeader builds a complete, unpublished descriptor for the image
// mapped at header. It walks the command table exactly once. An error means
// the image is not useful for reporting (unrecognized magic, no name) and
// must be skipped; missing or invalid crash-info data is never an error.
func (l *List) imageForHeader(header uint64, slide int64) (*Image, error) {
	h, err := machfile.ReadHeader(l.mem, header)
	if err != nil {
		return nil, err
	}

	// An image with no discoverable name cannot be symbolicated against, so
	// don't index it. Note: running under a debugger can trigger this.
	name, ok := l.pathForHeader(header)
	if !ok {
		l.log.Errorf("could not find name for mach header @ %#x", header)
		return nil, errNoImageName
	}

	var (
		vmAddr  uint64
		vmSize  uint64
		id      [16]byte
		hasUUID bool
		version uint32
	)
	err = h.WalkCommands(l.mem, func(cmd machfile.LoadCommand) (bool, error) {
		switch cmd.Cmd {
		case machfile.LoadCmdSegment, machfile.LoadCmdSegment64:
			seg, err := machfile.ParseSegment(l.mem, cmd)
			if err != nil {
				return true, err
			}
			if seg.Name == machfile.SegText {
				vmAddr = seg.VMAddr
				vmSize = seg.VMSize
			}
		case machfile.LoadCmdUUID:
			u, err := machfile.ParseUUID(l.mem, cmd)
			if err != nil {
				return true, err
			}
			id = u
			hasUUID = true
		case machfile.LoadCmdIDDylib:
			v, err := machfile.ParseDylibVersion(l.mem, cmd)
			if err != nil {
				return true, err
			}
			version = v
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	// Should never fail. A mismatch means the image's own accounting is
	// inconsistent and address-range queries against it may be unreliable.
	if uint64(int64(vmAddr)+slide) != header {
		l.log.Errorf("mach header %#x != (vmaddr + slide) for %s; symbolication will be compromised", header, name)
	}

	img := &Image{
		header:          header,
		vmAddr:          vmAddr,
		size:            vmSize,
		name:            name,
		uuid:            id,
		hasUUID:         hasUUID,
		slide:           slide,
		cpuType:         h.CPUType,
		cpuSubType:      h.CPUSubType,
		fileType:        h.FileType,
		majorVersion:    version >> 16,
		minorVersion:    (version >> 8) & 0xff,
		revisionVersion: version & 0xff,
	}
	l.fillCrashInfo(h, img)
	return img, nil
}

// pathForHeader resolves a name for the image at header: the resolver first,
// then the loader's bookkeeping for the loader's own image and, on simulated
// runtimes, the simulator loader.
func (l *List) pathForHeader(header uint64) (string, bool) {
	if l.resolver != nil {
		if path, ok := l.resolver.PathForHeader(header); ok && path != "" {
			return path, true
		}
	}
	if infos := l.allImageInfos; infos != nil {
		if header == infos.LoaderImageAddr && infos.LoaderPath != "" {
			return infos.LoaderPath, true
		}
		if len(infos.Infos) > 0 && header == infos.Infos[0].LoadAddress && infos.Infos[0].FilePath != "" {
			return infos.Infos[0].FilePath, true
		}
	}
	return "", false
}

// fillCrashInfo extracts the image's embedded crash annotations, if any.
// The section content is supplied by the target image itself and may be
// stale, corrupt or adversarial, so every field is validated through the
// probe before use and any failure just leaves the fields unset.
func (l *List) fillCrashInfo(h *machfile.Header, img *Image) {
	addr, size, ok := h.SectionRange(l.mem, img.slide, machfile.SegData, machfile.SectCrashInfo)
	if !ok {
		return
	}
	l.log.Debugf("found crash info section in binary: %s", img.name)

	ptrSize := h.PtrSize()
	// The version field pads out to pointer alignment, so the string
	// pointers start one pointer in.
	fieldsOff := ptrSize
	// Must cover version through message2.
	minimalSize := fieldsOff + 4*ptrSize
	if size < uint64(minimalSize) {
		l.log.Debugf("skipped reading crash info: section is too small")
		return
	}
	if !l.probe.IsReadable(addr, minimalSize) {
		l.log.Debugf("skipped reading crash info: section memory is not readable")
		return
	}
	version, err := memio.ReadUint32(l.mem, addr)
	if err != nil {
		return
	}
	if version != crashInfoVersion4 && version != crashInfoVersion5 {
		l.log.Debugf("skipped reading crash info: invalid version '%d'", version)
		return
	}

	field := func(i int) uint64 {
		v, _ := memio.ReadPtr(l.mem, addr+uint64(fieldsOff+i*ptrSize), ptrSize)
		return v
	}
	message := field(0)
	signature := field(1)
	backtrace := field(2)
	message2 := field(3)

	if message == 0 && message2 == 0 {
		l.log.Debugf("skipped reading crash info: both messages are null")
		return
	}

	if s, ok := l.probe.CString(message, maxCrashInfoStringLength); ok {
		l.log.Debugf("found first message: %s", s)
		img.crashInfoMessage = s
	}
	if s, ok := l.probe.CString(message2, maxCrashInfoStringLength); ok {
		l.log.Debugf("found second message: %s", s)
		img.crashInfoMessage2 = s
	}
	if s, ok := l.probe.CString(backtrace, maxCrashInfoStringLength); ok {
		l.log.Debugf("found backtrace: %s", s)
		img.crashInfoBacktrace = s
	}
	if s, ok := l.probe.CString(signature, maxCrashInfoStringLength); ok {
		l.log.Debugf("found signature: %s", s)
		img.crashInfoSignature = s
	}
}
