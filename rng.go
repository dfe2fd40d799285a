package neoflow

// rng.go holds the random variates the traffic generator draws from.
// Uniform samples come from rngstream streams so that every run with
// the same stream names is reproducible; the distribution shape comes
// from gonum's distuv.

import (
	"math"

	"github.com/iti/rngstream"
	"gonum.org/v1/gonum/stat/distuv"
)

// BoundedExp samples an exponential distribution with the given mean. Samples
// larger than bound are clamped to bound; a bound of zero means unbounded.
type BoundedExp struct {
	Mean  float64
	Bound float64
	dist  distuv.Exponential
	rng   *rngstream.RngStream
}

// CreateBoundedExp is a constructor.  rng is shared with the caller, who
// may draw from it for other purposes.
func CreateBoundedExp(mean, bound float64, rng *rngstream.RngStream) *BoundedExp {
	be := new(BoundedExp)
	be.Mean = mean
	be.Bound = bound
	be.rng = rng
	if mean > 0.0 {
		be.dist = distuv.Exponential{Rate: 1.0 / mean}
	}
	return be
}

// Value draws one sample
func (be *BoundedExp) Value() float64 {
	if !(be.Mean > 0.0) {
		return 0.0
	}
	v := be.dist.Quantile(be.rng.RandU01())
	if be.Bound > 0.0 && v > be.Bound {
		v = be.Bound
	}
	return v
}

// Integer draws one sample rounded to the nearest integer
func (be *BoundedExp) Integer() uint64 {
	return uint64(math.Round(be.Value()))
}

var rdigits uint = 12

// roundFloat rounds computed simulation times to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
