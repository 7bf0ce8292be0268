package advisor

import (
	"errors"
	"testing"

	"github.com/ambiware-labs/murmur/internal/catalog"
)

func TestLowMemoryRecommendsRemote(t *testing.T) {
	a := New(catalog.Default())
	rec := a.Recommend(1<<30, 100<<30)
	if rec.Method != MethodRemote {
		t.Fatalf("expected remote, got %+v", rec)
	}
	if rec.Variant != "" {
		t.Fatalf("remote recommendation should not carry a variant, got %q", rec.Variant)
	}
	if rec.Reason == "" {
		t.Fatal("recommendation must state a reason")
	}
}

func TestConstrainedMemoryPicksSmallestFit(t *testing.T) {
	a := New(catalog.Default())

	// 3 GB memory fits tiny (0.5 GB), base (1 GB), and small (2 GB);
	// tiny wins as the smallest.
	rec := a.Recommend(3<<30, 100<<30)
	if rec.Method != MethodLocal || rec.Variant != catalog.Tiny {
		t.Fatalf("expected local/tiny, got %+v", rec)
	}
}

func TestConstrainedDiskExcludesVariant(t *testing.T) {
	a := New(catalog.Default())

	// Tiny needs ~75 MB on disk. With less than that free, nothing fits.
	rec := a.Recommend(3<<30, 10<<20)
	if rec.Method != MethodRemote {
		t.Fatalf("expected remote when no variant fits on disk, got %+v", rec)
	}
}

func TestAmpleResourcesPickBalanced(t *testing.T) {
	a := New(catalog.Default())
	rec := a.Recommend(16<<30, 500<<30)
	if rec.Method != MethodLocal || rec.Variant != catalog.Small {
		t.Fatalf("expected local/small, got %+v", rec)
	}
}

func TestAmpleMemoryTightDiskDownsizes(t *testing.T) {
	a := New(catalog.Default())

	// Enough memory for anything, but only ~100 MB of disk: small does not
	// fit, tiny does.
	rec := a.Recommend(16<<30, 100<<20)
	if rec.Method != MethodLocal || rec.Variant != catalog.Tiny {
		t.Fatalf("expected local/tiny, got %+v", rec)
	}
}

func TestRecommendFromProbe(t *testing.T) {
	a := New(catalog.Default())

	probe := ProbeFunc(func() (Snapshot, error) {
		return Snapshot{AvailableMemoryBytes: 1 << 30, AvailableDiskBytes: 50 << 30}, nil
	})
	rec, snap, err := a.RecommendFromProbe(probe)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if rec.Method != MethodRemote {
		t.Fatalf("expected remote, got %+v", rec)
	}
	if snap.AvailableMemoryBytes != 1<<30 {
		t.Fatalf("snapshot not passed through: %+v", snap)
	}

	probeErr := errors.New("sysfs unreadable")
	if _, _, err := a.RecommendFromProbe(func() (Snapshot, error) {
		return Snapshot{}, probeErr
	}); !errors.Is(err, probeErr) {
		t.Fatalf("expected probe error, got %v", err)
	}
}
