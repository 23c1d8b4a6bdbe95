package cnn

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
)

// RandomWeights creates untrained parameters for layers, with the same distribution
// that PyTorch uses for a freshly constructed module: uniform in +-1/sqrt(fanIn) for
// conv and linear layers, and identity batch norm.
// The same seed always produces the same weights.
func RandomWeights(layers []LayerSpec, seed uint64) Weights {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	uniform := func(t *Tensor, bound float32) {
		for i := range t.Data {
			t.Data[i] = (rng.Float32()*2 - 1) * bound
		}
	}
	w := Weights{}
	for _, l := range layers {
		params := l.Params()
		switch l.Kind {
		case LayerConv2D, LayerLinear:
			weight := NewTensor(params[l.Name+".weight"]...)
			bias := NewTensor(params[l.Name+".bias"]...)
			fanIn := weight.Size() / weight.Shape[0]
			bound := 1 / math32.Sqrt(float32(fanIn))
			uniform(weight, bound)
			uniform(bias, bound)
			w[l.Name+".weight"] = weight
			w[l.Name+".bias"] = bias
		case LayerBatchNorm2D:
			for name, shape := range params {
				w[name] = NewTensor(shape...)
			}
			for i := 0; i < l.In; i++ {
				w[l.Name+".weight"].Data[i] = 1
				w[l.Name+".running_var"].Data[i] = 1
			}
		}
	}
	return w
}
