package advisor

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// ProbeFunc supplies a resource snapshot. Production uses SystemProbe;
// tests inject fixed values.
type ProbeFunc func() (Snapshot, error)

// SystemProbe reads live memory and disk figures for the given path.
func SystemProbe(path string) ProbeFunc {
	return func() (Snapshot, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return Snapshot{}, fmt.Errorf("probe memory: %w", err)
		}
		usage, err := disk.Usage(path)
		if err != nil {
			return Snapshot{}, fmt.Errorf("probe disk %s: %w", path, err)
		}
		return Snapshot{
			AvailableMemoryBytes: vm.Available,
			AvailableDiskBytes:   usage.Free,
			TotalMemoryBytes:     vm.Total,
			TotalDiskBytes:       usage.Total,
		}, nil
	}
}

// RecommendFromProbe runs the probe and feeds the advisor.
func (a *Advisor) RecommendFromProbe(probe ProbeFunc) (Recommendation, Snapshot, error) {
	snap, err := probe()
	if err != nil {
		return Recommendation{}, Snapshot{}, err
	}
	return a.Recommend(snap.AvailableMemoryBytes, snap.AvailableDiskBytes), snap, nil
}
