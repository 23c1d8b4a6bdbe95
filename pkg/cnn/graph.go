package cnn

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// program is a network compiled into a gorgonia graph, for one input size.
// A program is not safe for concurrent use. Network keeps a pool of them.
type program struct {
	pool   *programPool
	input  *gorgonia.Node
	output *gorgonia.Node
	vm     gorgonia.VM
}

// FoldBatchNorm turns the four batch norm parameters into a scale and shift.
// scale = gamma / sqrt(var + eps), shift = beta - mean * scale
func FoldBatchNorm(gamma, beta, mean, variance []float32, eps float32) (scale, shift []float32) {
	scale = make([]float32, len(gamma))
	shift = make([]float32, len(gamma))
	for i := range gamma {
		scale[i] = gamma[i] / math32.Sqrt(variance[i]+eps)
		shift[i] = beta[i] - mean[i]*scale[i]
	}
	return
}

// A parameter node. Every program gets its own copy of the data, because the graph owns its values.
func constant(g *gorgonia.ExprGraph, name string, data []float32, shape ...int) *gorgonia.Node {
	value := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(data)))
	return gorgonia.NewTensor(g, tensor.Float32, len(shape), gorgonia.WithShape(shape...), gorgonia.WithName(name), gorgonia.WithValue(value))
}

// Reshape x to [1, N], for the layers that work on feature vectors
func flatten(x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() == 2 {
		return x, nil
	}
	return gorgonia.Reshape(x, tensor.Shape{1, x.Shape().TotalSize()})
}

// transpose a row major [rows, cols] matrix
func transpose(data []float32, rows, cols int) []float32 {
	t := make([]float32, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			t[c*rows+r] = data[r*cols+c]
		}
	}
	return t
}

// compile builds the graph of the network for a [1, channels, height, width] input
func (n *Network) compile(channels, height, width int) (*program, error) {
	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(1, channels, height, width), gorgonia.WithName("input"))
	x := input
	var err error
	for i, l := range n.Layers {
		x, err = n.addLayer(g, x, l)
		if err != nil {
			return nil, fmt.Errorf("Layer %v (%v) on input %v x %v: %w", i, l, width, height, err)
		}
	}
	return &program{
		input:  input,
		output: x,
		vm:     gorgonia.NewTapeMachine(g),
	}, nil
}

func (n *Network) addLayer(g *gorgonia.ExprGraph, x *gorgonia.Node, l LayerSpec) (*gorgonia.Node, error) {
	switch l.Kind {
	case LayerConv2D:
		weight := constant(g, l.Name+".weight", n.params[l.Name+".weight"].Data, l.Out, l.In, l.Kernel, l.Kernel)
		bias := constant(g, l.Name+".bias", n.params[l.Name+".bias"].Data, 1, l.Out, 1, 1)
		y, err := gorgonia.Conv2d(x, weight, tensor.Shape{l.Kernel, l.Kernel}, []int{l.Padding, l.Padding}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, err
		}
		return gorgonia.BroadcastAdd(y, bias, nil, []byte{2, 3})
	case LayerBatchNorm2D:
		scale := constant(g, l.Name+".scale", n.bnScale[l.Name], 1, l.In, 1, 1)
		shift := constant(g, l.Name+".shift", n.bnShift[l.Name], 1, l.In, 1, 1)
		y, err := gorgonia.BroadcastHadamardProd(x, scale, nil, []byte{2, 3})
		if err != nil {
			return nil, err
		}
		return gorgonia.BroadcastAdd(y, shift, nil, []byte{2, 3})
	case LayerReLU:
		return gorgonia.Rectify(x)
	case LayerMaxPool2D:
		return gorgonia.MaxPool2D(x, tensor.Shape{l.Kernel, l.Kernel}, []int{0, 0}, []int{l.Kernel, l.Kernel})
	case LayerGlobalAvgPool:
		y, err := gorgonia.GlobalAveragePool2D(x)
		if err != nil {
			return nil, err
		}
		return flatten(y)
	case LayerLinear:
		if size := x.Shape().TotalSize(); size != l.In {
			return nil, fmt.Errorf("Input has %v values, but the layer needs %v", size, l.In)
		}
		x, err := flatten(x)
		if err != nil {
			return nil, err
		}
		// [1, In] x [In, Out]
		weight := constant(g, l.Name+".weight", transpose(n.params[l.Name+".weight"].Data, l.Out, l.In), l.In, l.Out)
		bias := constant(g, l.Name+".bias", n.params[l.Name+".bias"].Data, 1, l.Out)
		y, err := gorgonia.Mul(x, weight)
		if err != nil {
			return nil, err
		}
		return gorgonia.Add(y, bias)
	case LayerDropout:
		// identity at inference
		return x, nil
	case LayerLogSoftmax:
		x, err := flatten(x)
		if err != nil {
			return nil, err
		}
		return gorgonia.LogSoftMax(x, 1)
	}
	return nil, fmt.Errorf("Unknown layer kind '%v'", l.Kind)
}

// run evaluates the graph on data, which must hold channels * height * width values
func (p *program) run(data []float32) ([]float32, error) {
	defer p.vm.Reset()
	value := tensor.New(tensor.WithShape(p.input.Shape().Clone()...), tensor.WithBacking(slices.Clone(data)))
	if err := gorgonia.Let(p.input, value); err != nil {
		return nil, err
	}
	if err := p.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("Inference failed: %w", err)
	}
	switch out := p.output.Value().Data().(type) {
	case []float32:
		return slices.Clone(out), nil
	case float32:
		return []float32{out}, nil
	}
	return nil, fmt.Errorf("Unexpected output type %T", p.output.Value().Data())
}
