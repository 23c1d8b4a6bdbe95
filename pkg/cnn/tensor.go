package cnn

// Package cnn evaluates convolutional networks on gorgonia.
// Networks are described as a list of LayerSpec, and their parameters are
// loaded from safetensors files written by PyTorch.

import (
	"fmt"
	"slices"
)

// Tensor is a dense float32 array in row major order, used for parameters and for
// the input and output of a Network. Inputs are [Channels, Height, Width] (batch size is always 1).
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, NumElements(shape)),
	}
}

// Wrap existing data in a tensor. Panics if the size doesn't match.
func WrapTensor(data []float32, shape ...int) *Tensor {
	if len(data) != NumElements(shape) {
		panic(fmt.Sprintf("Tensor data has %v elements, but shape %v needs %v", len(data), shape, NumElements(shape)))
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  data,
	}
}

func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Size() int {
	return len(t.Data)
}

func (t *Tensor) HasShape(shape ...int) bool {
	return slices.Equal(t.Shape, shape)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// Channels, height, width of a CHW tensor
func (t *Tensor) CHW() (c, h, w int) {
	if len(t.Shape) != 3 {
		panic(fmt.Sprintf("Expected a CHW tensor, but shape is %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2]
}

// Plane returns channel c of a CHW tensor
func (t *Tensor) Plane(c int) []float32 {
	_, h, w := t.CHW()
	return t.Data[c*h*w : (c+1)*h*w]
}
