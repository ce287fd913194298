package params

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer fills a freshly created parameter.
type Initializer interface {
	Fill(dst []float32, rng *rand.Rand) error
}

// Constant fills every element with a single value.
type Constant float32

func (c Constant) Fill(dst []float32, _ *rand.Rand) error {
	for i := range dst {
		dst[i] = float32(c)
	}
	return nil
}

// RandomNormal draws from N(0, Stddev^2).
type RandomNormal struct {
	Stddev float64
}

func (r RandomNormal) Fill(dst []float32, rng *rand.Rand) error {
	if r.Stddev < 0 {
		return fmt.Errorf("negative stddev %f", r.Stddev)
	}
	dist := distuv.Normal{Mu: 0, Sigma: r.Stddev, Src: rng}
	for i := range dst {
		dst[i] = float32(dist.Rand())
	}
	return nil
}
