// Package plab sizes promotion-local allocation buffers. Evacuation workers
// carve thread-local buffers out of survivor and old regions and bump-allocate
// copies into them; the sizer watches how much of each collection's buffer
// space was actually used and steers the next collection's buffer size toward
// a configured waste target.
package plab

const gcAsserts = true

// AdaptiveWeightedAverage is an exponentially decaying average. The weight is
// the percentage of the old average retained per sample: at weight 75 a new
// sample contributes a quarter.
type AdaptiveWeightedAverage struct {
	weight  float64
	average float64
	seeded  bool
}

// NewAdaptiveWeightedAverage returns a filter with the given history weight
// in percent.
func NewAdaptiveWeightedAverage(weight float64) *AdaptiveWeightedAverage {
	if gcAsserts && (weight < 0 || weight >= 100) {
		panic("gc: adaptive average weight out of range")
	}
	return &AdaptiveWeightedAverage{weight: weight}
}

// Sample folds a new observation into the average. The first sample seeds
// the average directly, so startup does not decay from zero.
func (a *AdaptiveWeightedAverage) Sample(v float64) {
	if !a.seeded {
		a.average = v
		a.seeded = true
		return
	}
	a.average = (a.average*a.weight + v*(100-a.weight)) / 100
}

// Average returns the current filtered value.
func (a *AdaptiveWeightedAverage) Average() float64 { return a.average }
