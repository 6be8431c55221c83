// Package procmaps lists the file-backed memory mappings of a live process.
// It feeds the same reporting pipeline as the image registry on hosts where
// no loader notification API exists, where the mapping table is the only
// record of which binaries a process has loaded.
package procmaps

import (
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/v4/process"
)

// Region is one file-backed mapping of a process.
type Region struct {
	Path string
	Size uint64 // mapped size in bytes
	RSS  uint64 // resident bytes
}

// Regions returns the file-backed mappings of pid, grouped per file and
// sorted by path. Anonymous mappings are omitted.
func Regions(pid int32) ([]Region, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	maps, err := proc.MemoryMaps(false)
	if err != nil {
		return nil, fmt.Errorf("memory maps of %d: %w", pid, err)
	}

	grouped := make(map[string]*Region)
	for _, m := range *maps {
		if m.Path == "" || m.Path[0] == '[' {
			continue
		}
		r := grouped[m.Path]
		if r == nil {
			r = &Region{Path: m.Path}
			grouped[m.Path] = r
		}
		r.Size += m.Size
		r.RSS += m.Rss
	}

	regions := make([]Region, 0, len(grouped))
	for _, r := range grouped {
		regions = append(regions, *r)
	}
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Path < regions[j].Path
	})
	return regions, nil
}
