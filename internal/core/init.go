// internal/core/init.go
package core

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// XavierUniform - fill t from U(-a, a) with a = sqrt(6 / (fanIn + fanOut))
func XavierUniform(t *Tensor, fanIn, fanOut int, src rand.Source) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	fillUniform(t, limit, src)
}

// KaimingUniform - fill t from U(-a, a) with a = sqrt(6 / fanIn), suited to ReLU layers
func KaimingUniform(t *Tensor, fanIn int, src rand.Source) {
	limit := math.Sqrt(6.0 / float64(fanIn))
	fillUniform(t, limit, src)
}

func fillUniform(t *Tensor, limit float64, src rand.Source) {
	dist := distuv.Uniform{Min: -limit, Max: limit, Src: src}
	for i := range t.Data {
		t.Data[i] = float32(dist.Rand())
	}
}

// NewSource - deterministic PCG source for a seed
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}
