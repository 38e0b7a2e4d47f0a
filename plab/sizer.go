package plab

import (
	"github.com/andypeng2015/regiongc/config"
	"github.com/andypeng2015/regiongc/gclog"
	"github.com/andypeng2015/regiongc/oop"
)

// Sizer is the adaptive control loop deciding the buffer size for the next
// collection. After each collection it computes the buffer size whose
// expected waste matches the configured target, feeds it through an
// exponentially decaying average to damp noisy collections, and clamps the
// result to the configured bounds.
type Sizer struct {
	cfg config.PLABConfig
	log gclog.Logger

	stats  Stats
	filter *AdaptiveWeightedAverage

	minWords     uint64
	maxWords     uint64
	desiredWords uint64
}

// NewSizer returns a sizer seeded with the configured default size.
func NewSizer(cfg *config.Config, log gclog.Logger) *Sizer {
	if log == nil {
		log = gclog.Discard
	}
	pc := cfg.PLAB
	wordBytes := uint64(oop.WordBytes)
	s := &Sizer{
		cfg:          pc,
		log:          log,
		filter:       NewAdaptiveWeightedAverage(pc.Weight),
		minWords:     uint64(pc.MinSize) / wordBytes,
		maxWords:     uint64(pc.MaxSize) / wordBytes,
		desiredWords: uint64(pc.DefaultSize) / wordBytes,
	}
	if gcAsserts && (s.minWords == 0 || s.minWords > s.maxWords) {
		panic("gc: plab size bounds out of order")
	}
	return s
}

// Stats returns the shared per-collection counters workers flush into.
func (s *Sizer) Stats() *Stats { return &s.stats }

// DesiredWords returns the buffer size workers should request, in words.
func (s *Sizer) DesiredWords() uint64 { return s.desiredWords }

// AdjustAfterCollection recomputes the desired buffer size from the
// collection that just finished and resets the counters.
//
// The model: at the end of a collection each worker abandons a partly filled
// buffer, assumed half full on average, so smaller buffers lose less to that
// final fragment. The buffer size is chosen so the expected final-fragment
// waste stays at the configured percentage of the space actually used for
// copies. Waste from regions filling up is excluded: it tracks region
// geometry, not buffer size.
func (s *Sizer) AdjustAfterCollection() {
	st := &s.stats
	allocated := st.Allocated()
	if allocated == 0 {
		if gcAsserts && st.Unused() != 0 {
			panic("gc: unused buffer space with no allocation")
		}
		allocated = 1
	}
	if !s.cfg.Resize {
		st.reset()
		return
	}

	netUsed := uint64(0)
	if wu := st.Wasted() + st.Unused(); allocated > wu {
		netUsed = allocated - wu
	}
	used := uint64(0)
	if netUsed > st.RegionEndWaste() {
		used = netUsed - st.RegionEndWaste()
	}
	totalWasteAllowed := float64(used) * s.cfg.TargetWastePct / 100
	curWords := totalWasteAllowed / s.cfg.LastBufferOccupancy
	s.filter.Sample(curWords)

	desired := uint64(s.filter.Average())
	if desired < s.minWords {
		desired = s.minWords
	}
	if desired > s.maxWords {
		desired = s.maxWords
	}
	s.desiredWords = desired

	gclog.Debugf(s.log, "gc,plab",
		"next buffer size: %d words, allocated: %d, wasted: %d, unused: %d, used: %d, undo waste: %d, region end waste: %d",
		desired, allocated, st.Wasted(), st.Unused(), used, st.UndoWasted(), st.RegionEndWaste())
	st.reset()
}
