package nn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Package nn is a Neural Network interface layer
// To load a model, use the nnload package.

// Output encodings that a model graph can emit from its final layer
const (
	OutputLogSoftmax = "logsoftmax" // log-probabilities (the default)
	OutputSoftmax    = "softmax"    // probabilities
	OutputLogits     = "logits"     // raw scores
)

type ThreadingMode int

const (
	ThreadingModeSingle   ThreadingMode = iota // Run one inference at a time
	ThreadingModeParallel                      // Allow up to GOMAXPROCS inferences at the same time
)

// Classifier is given a normalized image, and returns one probability per class
type Classifier interface {
	// Close releases any resources held by the model.
	Close()

	// Classify runs a single image through the network.
	// input is Config().Width * Config().Height float32 values between 0 and 1, row major.
	// The result has len(Config().Classes) probabilities, which sum to 1.
	Classify(input []float32) ([]float32, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the classifier has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "drawing-classifier"
	Width        int      `json:"width"`        // eg 28
	Height       int      `json:"height"`       // eg 28
	Classes      []string `json:"classes"`      // eg ["circle", "square", "triangle", ...]
	Output       string   `json:"output"`       // One of the Output* constants. Empty means OutputLogSoftmax.
}

// NewDrawingModelConfig returns the config of the default drawing classifier
func NewDrawingModelConfig() *ModelConfig {
	return &ModelConfig{
		Architecture: ArchitectureDrawingClassifier,
		Width:        InputSize,
		Height:       InputSize,
		Classes:      DefaultClassNames(),
		Output:       OutputLogSoftmax,
	}
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Error parsing model config %v: %w", filename, err)
	}
	if len(config.Classes) == 0 {
		config.Classes = DefaultClassNames()
	}
	if config.Output == "" {
		config.Output = OutputLogSoftmax
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid model config %v: %w", filename, err)
	}
	return config, nil
}

func (c *ModelConfig) Save(filename string) error {
	b, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}

func (c *ModelConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("Invalid input size %v x %v", c.Width, c.Height)
	}
	if len(c.Classes) == 0 {
		return fmt.Errorf("No classes")
	}
	seen := map[string]bool{}
	for _, cls := range c.Classes {
		if seen[cls] {
			return fmt.Errorf("Duplicate class '%v'", cls)
		}
		seen[cls] = true
	}
	switch c.Output {
	case OutputLogSoftmax, OutputSoftmax, OutputLogits:
	default:
		return fmt.Errorf("Unknown output encoding '%v'", c.Output)
	}
	return nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
