package cnn

import (
	"fmt"
	"slices"

	"github.com/cyclopcam/doodle/pkg/nn"
)

// Classifier runs the drawing classifier topology on a Network
type Classifier struct {
	config *nn.ModelConfig
	net    *Network
}

// NewClassifier builds the drawing classifier for config.Classes, and binds weights to it.
// Fails if the weights don't match the topology, which includes the case where the
// final layer width differs from the number of classes.
func NewClassifier(config *nn.ModelConfig, weights Weights, threading nn.ThreadingMode) (*Classifier, error) {
	if config.Architecture != "" && config.Architecture != nn.ArchitectureDrawingClassifier {
		return nil, fmt.Errorf("Unsupported architecture '%v'", config.Architecture)
	}
	if len(config.Classes) == 0 {
		return nil, fmt.Errorf("Model config has no classes")
	}
	net, err := NewNetwork(DrawingClassifier(len(config.Classes)), weights, threading)
	if err != nil {
		return nil, err
	}
	if net.OutputWidth() != len(config.Classes) {
		return nil, fmt.Errorf("Network has %v outputs, but there are %v classes", net.OutputWidth(), len(config.Classes))
	}
	if minSize := net.MinInputSize(); config.Width < minSize || config.Height < minSize {
		return nil, fmt.Errorf("Input size %v x %v is too small. The network pools it down to nothing below %v x %v", config.Width, config.Height, minSize, minSize)
	}
	if err := net.Prepare(net.InputChannels(), config.Height, config.Width); err != nil {
		return nil, err
	}
	cfg := *config
	cfg.Classes = slices.Clone(config.Classes)
	// The topology ends in log-softmax, regardless of what the config file says
	cfg.Output = nn.OutputLogSoftmax
	return &Classifier{
		config: &cfg,
		net:    net,
	}, nil
}

// LoadClassifier reads weights from a safetensors file
func LoadClassifier(config *nn.ModelConfig, weightsFile string, threading nn.ThreadingMode) (*Classifier, error) {
	weights, _, err := LoadWeights(weightsFile)
	if err != nil {
		return nil, err
	}
	return NewClassifier(config, weights, threading)
}

func (c *Classifier) Close() {
	c.net.Close()
}

func (c *Classifier) Config() *nn.ModelConfig {
	return c.config
}

func (c *Classifier) Network() *Network {
	return c.net
}

func (c *Classifier) OutputWidth() int {
	return c.net.OutputWidth()
}

// Classify returns the probability of each class.
// Panics if input is not Width * Height values.
func (c *Classifier) Classify(input []float32) ([]float32, error) {
	w, h := c.config.Width, c.config.Height
	if len(input) != w*h {
		panic(fmt.Sprintf("Classifier input must be %v x %v = %v values, but got %v", w, h, w*h, len(input)))
	}
	out, err := c.net.Forward(WrapTensor(input, 1, h, w))
	if err != nil {
		return nil, err
	}
	probs := out.Data
	nn.ToProbabilities(probs, nn.OutputLogSoftmax)
	return probs, nil
}
