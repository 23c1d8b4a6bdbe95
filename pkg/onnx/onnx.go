package onnx

// Package onnx runs drawing classifier models through ONNX Runtime.
// The runtime is a shared library that must be installed separately.

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cyclopcam/doodle/pkg/nn"
	ort "github.com/yalue/onnxruntime_go"
)

// Names of the graph's input and output, as written by torch.onnx.export in our training script
const (
	InputName  = "input"
	OutputName = "output"
)

var (
	envLock  sync.Mutex
	envUsers int
)

// The ONNX Runtime environment is process wide, so we reference count it
func acquireEnvironment(sharedLibraryPath string) error {
	envLock.Lock()
	defer envLock.Unlock()
	if envUsers == 0 {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("Failed to initialize ONNX Runtime: %w", err)
		}
	}
	envUsers++
	return nil
}

func releaseEnvironment() {
	envLock.Lock()
	defer envLock.Unlock()
	envUsers--
	if envUsers == 0 {
		ort.DestroyEnvironment()
	}
}

// Classifier wraps an ONNX Runtime session.
// The session's input and output tensors are bound at creation time, so only one
// inference can run at a time.
type Classifier struct {
	config       *nn.ModelConfig
	outputWidth  int
	lock         sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewClassifier loads an .onnx file whose input is [1, 1, Height, Width] and whose
// output is [1, len(Classes)]. sharedLibraryPath may be empty, in which case
// ONNX Runtime's default search path is used.
func NewClassifier(config *nn.ModelConfig, modelFile, sharedLibraryPath string) (*Classifier, error) {
	if len(config.Classes) == 0 {
		return nil, fmt.Errorf("Model config has no classes")
	}
	if err := acquireEnvironment(sharedLibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelFile)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("Failed to read ONNX model %v: %w", modelFile, err)
	}
	outputWidth, err := checkGraph(config, inputs, outputs)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("ONNX model %v: %w", modelFile, err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(config.Height), int64(config.Width)))
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("Failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(config.Classes))))
	if err != nil {
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("Failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelFile,
		[]string{InputName}, []string{OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("Failed to create ONNX session for %v: %w", modelFile, err)
	}

	cfg := *config
	cfg.Classes = slices.Clone(config.Classes)
	if cfg.Output == "" {
		cfg.Output = nn.OutputLogSoftmax
	}

	return &Classifier{
		config:       &cfg,
		outputWidth:  outputWidth,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (c *Classifier) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.session == nil {
		return
	}
	c.inputTensor.Destroy()
	c.outputTensor.Destroy()
	c.session.Destroy()
	c.session = nil
	releaseEnvironment()
}

func (c *Classifier) Config() *nn.ModelConfig {
	return c.config
}

// Width of the graph's output, which equals the number of classes
func (c *Classifier) OutputWidth() int {
	return c.outputWidth
}

// checkGraph verifies that the graph has the input and output that we bind to, with
// shapes that fit config. Dimensions that the graph leaves dynamic (-1) match anything.
// Returns the output width.
func checkGraph(config *nn.ModelConfig, inputs, outputs []ort.InputOutputInfo) (int, error) {
	find := func(list []ort.InputOutputInfo, name string) *ort.InputOutputInfo {
		for i := range list {
			if list[i].Name == name {
				return &list[i]
			}
		}
		return nil
	}
	fits := func(have ort.Shape, want ...int64) bool {
		if len(have) != len(want) {
			return false
		}
		for i := range have {
			if have[i] >= 0 && have[i] != want[i] {
				return false
			}
		}
		return true
	}

	in := find(inputs, InputName)
	if in == nil {
		return 0, fmt.Errorf("Graph has no input named '%v'", InputName)
	}
	if !fits(in.Dimensions, 1, 1, int64(config.Height), int64(config.Width)) {
		return 0, fmt.Errorf("Graph input shape is %v, but expected [1 1 %v %v]", in.Dimensions, config.Height, config.Width)
	}
	out := find(outputs, OutputName)
	if out == nil {
		return 0, fmt.Errorf("Graph has no output named '%v'", OutputName)
	}
	nClasses := int64(len(config.Classes))
	if len(out.Dimensions) != 2 || out.Dimensions[1] < 0 {
		return 0, fmt.Errorf("Graph output shape is %v, but expected [1 %v]", out.Dimensions, nClasses)
	}
	if !fits(out.Dimensions, 1, nClasses) {
		return 0, fmt.Errorf("Model has %v outputs, but %v classes", out.Dimensions[1], nClasses)
	}
	return int(out.Dimensions[1]), nil
}

func (c *Classifier) Classify(input []float32) ([]float32, error) {
	if len(input) != c.config.Width*c.config.Height {
		panic(fmt.Sprintf("Classifier input must be %v values, but got %v", c.config.Width*c.config.Height, len(input)))
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.session == nil {
		return nil, fmt.Errorf("Classifier is closed")
	}

	copy(c.inputTensor.GetData(), input)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("Inference failed: %w", err)
	}

	probs := slices.Clone(c.outputTensor.GetData())
	nn.ToProbabilities(probs, c.config.Output)
	return probs, nil
}
