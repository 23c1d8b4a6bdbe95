package cnn

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/cyclopcam/doodle/pkg/nn"
)

// Weights maps parameter names (eg "conv1.weight") to their values
type Weights map[string]*Tensor

// Network evaluates a list of layers on gorgonia graphs.
// Its parameters are immutable after creation, and it is safe for concurrent use.
// Each input size gets its own pool of compiled graphs. ThreadingModeSingle allows one
// graph per size, so inferences are serialized. ThreadingModeParallel allows GOMAXPROCS.
type Network struct {
	Layers      []LayerSpec
	params      Weights
	bnScale     map[string][]float32
	bnShift     map[string][]float32
	maxPrograms int

	lock  sync.Mutex
	pools map[[3]int]*programPool
}

type programPool struct {
	idle  chan *program
	built int
}

// NewNetwork checks that weights holds every parameter that layers need, with the correct shapes.
// Extra entries in weights are ignored.
func NewNetwork(layers []LayerSpec, weights Weights, threading nn.ThreadingMode) (*Network, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("Network has no layers")
	}
	n := &Network{
		Layers:      slices.Clone(layers),
		params:      Weights{},
		bnScale:     map[string][]float32{},
		bnShift:     map[string][]float32{},
		maxPrograms: 1,
		pools:       map[[3]int]*programPool{},
	}
	if threading == nn.ThreadingModeParallel {
		n.maxPrograms = runtime.GOMAXPROCS(0)
	}
	missing := []string{}
	for _, l := range layers {
		for name, shape := range l.Params() {
			t, ok := weights[name]
			if !ok {
				missing = append(missing, name)
				continue
			}
			if !t.HasShape(shape...) {
				return nil, fmt.Errorf("Parameter %v has shape %v, but layer '%v' needs %v", name, t.Shape, l, shape)
			}
			n.params[name] = t
		}
		if l.Kind == LayerBatchNorm2D && len(missing) == 0 {
			scale, shift := FoldBatchNorm(
				weights[l.Name+".weight"].Data,
				weights[l.Name+".bias"].Data,
				weights[l.Name+".running_mean"].Data,
				weights[l.Name+".running_var"].Data,
				l.Eps)
			n.bnScale[l.Name] = scale
			n.bnShift[l.Name] = shift
		}
	}
	if len(missing) != 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("Missing parameters: %v", strings.Join(missing, ", "))
	}
	return n, nil
}

// Number of input channels of the first layer, or zero if the first layer accepts any
func (n *Network) InputChannels() int {
	return n.Layers[0].In
}

// Width of the output vector, which is the output width of the last linear layer
func (n *Network) OutputWidth() int {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		if n.Layers[i].Kind == LayerLinear {
			return n.Layers[i].Out
		}
	}
	return 0
}

// MinInputSize is the smallest width and height that survives every pooling layer
// with at least one pixel
func (n *Network) MinInputSize() int {
	size := 1
	for _, l := range n.Layers {
		if l.Kind == LayerMaxPool2D {
			size *= l.Kernel
		}
	}
	return size
}

// Prepare compiles the graph for a [channels, height, width] input, so that errors in
// the network surface before the first call to Forward
func (n *Network) Prepare(channels, height, width int) error {
	p, err := n.acquire(channels, height, width)
	if err != nil {
		return err
	}
	n.release(p)
	return nil
}

// Forward runs the network in inference mode. input is [Channels, Height, Width].
// The output has no batch dimension, so a classifier produces [Classes].
// A shape mismatch is a programming error, so we panic.
func (n *Network) Forward(input *Tensor) (*Tensor, error) {
	if len(input.Shape) != 3 || (n.InputChannels() != 0 && input.Shape[0] != n.InputChannels()) {
		panic(fmt.Sprintf("Network input must be [%v, H, W], but got %v", n.InputChannels(), input.Shape))
	}
	p, err := n.acquire(input.Shape[0], input.Shape[1], input.Shape[2])
	if err != nil {
		return nil, err
	}
	defer n.release(p)
	out, err := p.run(input.Data)
	if err != nil {
		return nil, err
	}
	return WrapTensor(out, p.output.Shape()[1:]...), nil
}

// Close releases the compiled graphs. Forward must not be running.
func (n *Network) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()
	for key, pool := range n.pools {
		for len(pool.idle) != 0 {
			p := <-pool.idle
			p.vm.Close()
		}
		delete(n.pools, key)
	}
}

// acquire takes an idle program for the input size, compiling a new one if the pool
// is not yet full, or waiting for one to be released if it is.
func (n *Network) acquire(channels, height, width int) (*program, error) {
	key := [3]int{channels, height, width}
	n.lock.Lock()
	pool := n.pools[key]
	if pool == nil {
		pool = &programPool{idle: make(chan *program, n.maxPrograms)}
		n.pools[key] = pool
	}
	select {
	case p := <-pool.idle:
		n.lock.Unlock()
		return p, nil
	default:
	}
	if pool.built < n.maxPrograms {
		pool.built++
		n.lock.Unlock()
		p, err := n.compile(channels, height, width)
		if err != nil {
			n.lock.Lock()
			pool.built--
			n.lock.Unlock()
			return nil, err
		}
		p.pool = pool
		return p, nil
	}
	n.lock.Unlock()
	return <-pool.idle, nil
}

// The pool's channel has room for every program it built, so this never blocks
func (n *Network) release(p *program) {
	p.pool.idle <- p
}
