package memio

// Probe answers "how much of this is safely readable" questions about
// pointers that originate inside a target image. Every byte it reports as
// readable has actually been read through the underlying Memory, so a
// subsequent read of the same range cannot fault.
type Probe struct {
	mem Memory
}

// NewProbe returns a Probe over mem.
func NewProbe(mem Memory) *Probe {
	return &Probe{mem: mem}
}

// MaxReadableBytes returns the number of bytes starting at addr that are
// readable, up to limit.
func (p *Probe) MaxReadableBytes(addr uint64, limit int) int {
	if limit <= 0 {
		return 0
	}
	buf := make([]byte, limit)
	n, _ := p.mem.ReadMemory(buf, addr)
	return n
}

// IsReadable reports whether all n bytes starting at addr are readable.
func (p *Probe) IsReadable(addr uint64, n int) bool {
	return p.MaxReadableBytes(addr, n) == n
}

// CString reads a NUL-terminated string at addr. It returns false if addr is
// zero, if no terminator is found within maxLen bytes, or if the terminator
// lies beyond the readable span.
func (p *Probe) CString(addr uint64, maxLen int) (string, bool) {
	if addr == 0 {
		return "", false
	}
	buf := make([]byte, maxLen+1)
	n, _ := p.mem.ReadMemory(buf, addr)
	if n == 0 {
		return "", false
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), true
		}
	}
	return "", false
}
