package catalog

import "fmt"

// Variant identifies one of the fixed ggml model sizes.
type Variant string

const (
	Tiny   Variant = "tiny"
	Base   Variant = "base"
	Small  Variant = "small"
	Medium Variant = "medium"
	Large  Variant = "large"
)

// All lists every known variant in ascending footprint order.
func All() []Variant {
	return []Variant{Tiny, Base, Small, Medium, Large}
}

// ParseVariant validates a user-supplied variant name.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case Tiny, Base, Small, Medium, Large:
		return Variant(s), nil
	}
	return "", fmt.Errorf("unknown model variant %q", s)
}

// Metadata describes one downloadable model build. Static, never mutated.
type Metadata struct {
	Variant      Variant
	FileName     string
	SizeBytes    int64
	Checksum     string // sha-256 hex, compared case-insensitively
	SourceURL    string
	AccuracyTier string
	SpeedTier    string
	// MemoryBytes is the approximate resident footprint once loaded.
	MemoryBytes int64
}

// Catalog is a pure lookup table from variant to metadata.
type Catalog struct {
	entries map[Variant]Metadata
}

// New builds a catalog from explicit entries. Tests inject their own tables.
func New(entries []Metadata) Catalog {
	m := make(map[Variant]Metadata, len(entries))
	for _, e := range entries {
		m[e.Variant] = e
	}
	return Catalog{entries: m}
}

const ggmlBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Default returns the shipped ggml model table.
func Default() Catalog {
	return New([]Metadata{
		{
			Variant:      Tiny,
			FileName:     "ggml-tiny.bin",
			SizeBytes:    77_691_713,
			Checksum:     "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
			SourceURL:    ggmlBaseURL + "ggml-tiny.bin",
			AccuracyTier: "basic",
			SpeedTier:    "fastest",
			MemoryBytes:  512 << 20,
		},
		{
			Variant:      Base,
			FileName:     "ggml-base.bin",
			SizeBytes:    147_951_465,
			Checksum:     "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
			SourceURL:    ggmlBaseURL + "ggml-base.bin",
			AccuracyTier: "good",
			SpeedTier:    "fast",
			MemoryBytes:  1 << 30,
		},
		{
			Variant:      Small,
			FileName:     "ggml-small.bin",
			SizeBytes:    487_601_967,
			Checksum:     "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
			SourceURL:    ggmlBaseURL + "ggml-small.bin",
			AccuracyTier: "better",
			SpeedTier:    "balanced",
			MemoryBytes:  2 << 30,
		},
		{
			Variant:      Medium,
			FileName:     "ggml-medium.bin",
			SizeBytes:    1_533_763_059,
			Checksum:     "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
			SourceURL:    ggmlBaseURL + "ggml-medium.bin",
			AccuracyTier: "high",
			SpeedTier:    "slow",
			MemoryBytes:  3584 << 20,
		},
		{
			Variant:      Large,
			FileName:     "ggml-large-v3.bin",
			SizeBytes:    3_095_033_483,
			Checksum:     "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
			SourceURL:    ggmlBaseURL + "ggml-large-v3.bin",
			AccuracyTier: "highest",
			SpeedTier:    "slowest",
			MemoryBytes:  5 << 30,
		},
	})
}

// Metadata looks up one variant. The variant set is closed, so a miss is a
// programmer error surfaced as an error rather than a panic.
func (c Catalog) Metadata(v Variant) (Metadata, error) {
	meta, ok := c.entries[v]
	if !ok {
		return Metadata{}, fmt.Errorf("variant %q not present in catalog", v)
	}
	return meta, nil
}

// AllMetadata returns entries for every known variant in footprint order.
// Variants missing from a custom table are skipped.
func (c Catalog) AllMetadata() []Metadata {
	out := make([]Metadata, 0, len(c.entries))
	for _, v := range All() {
		if meta, ok := c.entries[v]; ok {
			out = append(out, meta)
		}
	}
	return out
}
