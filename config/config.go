// Package config holds the tuning knobs for the collector core. Tunables are
// loaded from a YAML file; byte sizes are accepted both as plain integers and
// as strings like "1MB".
package config

import (
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Config is the full set of tunables. Use Default for a working baseline and
// Load to read overrides from a file.
type Config struct {
	Heap   HeapConfig   `yaml:"heap"`
	Refine RefineConfig `yaml:"refinement"`
	PLAB   PLABConfig   `yaml:"plab"`
}

// HeapConfig sizes the reserved heap and its subdivision.
type HeapConfig struct {
	// Size is the total reserved heap, a multiple of RegionSize.
	Size Size `yaml:"size"`

	// RegionSize is the fixed region grain, a power of two.
	RegionSize Size `yaml:"region_size"`

	// CardSize is the dirty-card granule, a power of two dividing RegionSize.
	CardSize Size `yaml:"card_size"`

	// NarrowShift is the scaling shift for compressed heap pointers.
	NarrowShift uint `yaml:"narrow_shift"`

	// RemSetFineTables is how many source regions a remembered set tracks
	// at card precision before falling back to coarse coverage.
	RemSetFineTables int `yaml:"remset_fine_tables"`
}

// RefineConfig controls the concurrent refinement machinery.
type RefineConfig struct {
	// Workers is the number of refinement threads in the chain.
	Workers int `yaml:"workers"`

	// BufferCards is the capacity of one dirty-card buffer.
	BufferCards int `yaml:"buffer_cards"`

	// GreenZone is the backlog (in buffers) the chain tries to maintain;
	// below it no refinement runs.
	GreenZone int `yaml:"green_zone"`

	// YellowZone is the backlog at which every worker in the chain is
	// active. Worker thresholds are spread between green and yellow.
	YellowZone int `yaml:"yellow_zone"`

	// RedZone caps the completed-buffer queue. A mutator that would push the
	// backlog past it must refine its own buffer in place.
	RedZone int `yaml:"red_zone"`
}

// PLABConfig controls promotion-buffer sizing.
type PLABConfig struct {
	// Resize enables the adaptive sizing loop. When false the desired size
	// stays fixed at DefaultSize.
	Resize bool `yaml:"resize"`

	// TargetWastePct is the allowed buffer waste as a percentage of net
	// allocation.
	TargetWastePct float64 `yaml:"target_waste_pct"`

	// Weight is the history retention of the sizing filter, in percent.
	Weight float64 `yaml:"weight"`

	// LastBufferOccupancy is the assumed fill fraction of the final buffer
	// of a collection. An empirical tunable, deliberately not hard-coded.
	LastBufferOccupancy float64 `yaml:"last_buffer_occupancy"`

	// MinSize, MaxSize and DefaultSize bound the desired buffer size.
	MinSize     Size `yaml:"min_size"`
	MaxSize     Size `yaml:"max_size"`
	DefaultSize Size `yaml:"default_size"`
}

// Size is a byte count that unmarshals from either a YAML integer or a
// human-readable string such as "512KB".
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	parsed, err := bytesize.Parse(text)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(parsed)
	return nil
}

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Heap: HeapConfig{
			Size:             64 << 20,
			RegionSize:       1 << 20,
			CardSize:         512,
			NarrowShift:      3,
			RemSetFineTables: 16,
		},
		Refine: RefineConfig{
			Workers:     4,
			BufferCards: 256,
			GreenZone:   4,
			YellowZone:  12,
			RedZone:     24,
		},
		PLAB: PLABConfig{
			Resize:              true,
			TargetWastePct:      10,
			Weight:              75,
			LastBufferOccupancy: 0.5,
			MinSize:             4 << 10,
			MaxSize:             64 << 10,
			DefaultSize:         16 << 10,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Validate checks internal consistency. A failed validation is a startup
// error, never a recoverable one.
func (c *Config) Validate() error {
	h := &c.Heap
	if !isPowerOfTwo(uint64(h.RegionSize)) || h.RegionSize < 64<<10 {
		return fmt.Errorf("heap.region_size %s must be a power of two of at least 64KB", h.RegionSize)
	}
	if !isPowerOfTwo(uint64(h.CardSize)) || h.CardSize > h.RegionSize {
		return fmt.Errorf("heap.card_size %s must be a power of two dividing the region size", h.CardSize)
	}
	if h.Size == 0 || h.Size%h.RegionSize != 0 {
		return fmt.Errorf("heap.size %s must be a positive multiple of the region size", h.Size)
	}
	if h.NarrowShift > 8 {
		return fmt.Errorf("heap.narrow_shift %d is out of range", h.NarrowShift)
	}
	if h.RemSetFineTables < 1 {
		return fmt.Errorf("heap.remset_fine_tables must be at least 1")
	}

	r := &c.Refine
	if r.Workers < 1 {
		return fmt.Errorf("refinement.workers must be at least 1")
	}
	if r.BufferCards < 1 {
		return fmt.Errorf("refinement.buffer_cards must be at least 1")
	}
	if r.GreenZone < 0 || r.GreenZone > r.YellowZone || r.YellowZone > r.RedZone {
		return fmt.Errorf("refinement zones must satisfy 0 <= green (%d) <= yellow (%d) <= red (%d)",
			r.GreenZone, r.YellowZone, r.RedZone)
	}
	if r.YellowZone == r.GreenZone {
		return fmt.Errorf("refinement.yellow_zone must exceed the green zone")
	}

	p := &c.PLAB
	if p.TargetWastePct <= 0 || p.TargetWastePct > 100 {
		return fmt.Errorf("plab.target_waste_pct %v must be in (0, 100]", p.TargetWastePct)
	}
	if p.Weight < 0 || p.Weight >= 100 {
		return fmt.Errorf("plab.weight %v must be in [0, 100)", p.Weight)
	}
	if p.LastBufferOccupancy <= 0 || p.LastBufferOccupancy > 1 {
		return fmt.Errorf("plab.last_buffer_occupancy %v must be in (0, 1]", p.LastBufferOccupancy)
	}
	if p.MinSize == 0 || p.MinSize > p.MaxSize {
		return fmt.Errorf("plab sizes must satisfy 0 < min_size (%s) <= max_size (%s)", p.MinSize, p.MaxSize)
	}
	if p.DefaultSize < p.MinSize || p.DefaultSize > p.MaxSize {
		return fmt.Errorf("plab.default_size %s must lie within [min_size, max_size]", p.DefaultSize)
	}
	return nil
}
