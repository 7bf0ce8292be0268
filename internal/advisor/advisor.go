package advisor

import (
	"github.com/ambiware-labs/murmur/internal/catalog"
)

// Method says whether transcription should run locally or on a remote service.
type Method string

const (
	MethodLocal  Method = "local"
	MethodRemote Method = "remote"
)

const (
	remoteThreshold   = 2 << 30 // below this much free memory local inference is unsafe
	downsizeThreshold = 4 << 30
)

// Snapshot is a point-in-time view of host resources.
type Snapshot struct {
	AvailableMemoryBytes uint64
	AvailableDiskBytes   uint64
	TotalMemoryBytes     uint64
	TotalDiskBytes       uint64
}

// Recommendation is the advisor's verdict for the current host.
type Recommendation struct {
	Method  Method          `json:"method"`
	Variant catalog.Variant `json:"variant,omitempty"`
	Reason  string          `json:"reason"`
}

// Advisor maps host resources to a model recommendation.
type Advisor struct {
	cat catalog.Catalog
}

func New(cat catalog.Catalog) *Advisor {
	return &Advisor{cat: cat}
}

// Recommend picks a transcription method and variant from available memory
// and disk. Below 2 GB of memory local inference is refused outright; below
// 4 GB the smallest variant that fits both constraints wins; an unconstrained
// host gets the balanced mid-size model.
func (a *Advisor) Recommend(availableMemory, availableDisk uint64) Recommendation {
	if availableMemory < remoteThreshold {
		return Recommendation{
			Method: MethodRemote,
			Reason: "available memory below 2 GB, local inference is unsafe",
		}
	}
	if availableMemory < downsizeThreshold {
		for _, meta := range a.cat.AllMetadata() {
			if uint64(meta.MemoryBytes) <= availableMemory && uint64(meta.SizeBytes) <= availableDisk {
				return Recommendation{
					Method:  MethodLocal,
					Variant: meta.Variant,
					Reason:  "constrained memory, smallest variant fitting memory and disk",
				}
			}
		}
		return Recommendation{
			Method: MethodRemote,
			Reason: "no variant fits within available memory and disk",
		}
	}
	if meta, err := a.cat.Metadata(catalog.Small); err == nil {
		if uint64(meta.SizeBytes) <= availableDisk {
			return Recommendation{
				Method:  MethodLocal,
				Variant: meta.Variant,
				Reason:  "ample resources, balanced accuracy and speed",
			}
		}
	}
	// Plenty of memory but a tight disk: fall back to the fit search.
	for _, meta := range a.cat.AllMetadata() {
		if uint64(meta.MemoryBytes) <= availableMemory && uint64(meta.SizeBytes) <= availableDisk {
			return Recommendation{
				Method:  MethodLocal,
				Variant: meta.Variant,
				Reason:  "largest-footprint variant blocked by disk, smallest fitting variant",
			}
		}
	}
	return Recommendation{
		Method: MethodRemote,
		Reason: "no variant fits within available memory and disk",
	}
}
