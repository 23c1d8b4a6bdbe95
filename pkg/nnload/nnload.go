package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// neural network implementations (gorgonia and ONNX Runtime), so that you can just call
// one function to load a model, and not need to know about the implementation details.

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/doodle/pkg/cnn"
	"github.com/cyclopcam/doodle/pkg/nn"
	"github.com/cyclopcam/doodle/pkg/onnx"
	"github.com/cyclopcam/logs"
)

// File extensions of the weight formats that we can load
const (
	ExtSafetensors = ".safetensors"
	ExtONNX        = ".onnx"
)

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

type ModelOptions struct {
	Dir                string           `json:"dir"`                // eg "models"
	Name               string           `json:"name"`               // eg "drawing-classifier". Files are <Dir>/<Name>.json and <Dir>/<Name>.safetensors or .onnx
	URL                string           `json:"url"`                // If not empty, download missing files from <URL>/<Name>.json etc
	Format             string           `json:"format"`             // Weight file to download: ".safetensors" (default) or ".onnx"
	ONNXRuntimeLibrary string           `json:"onnxRuntimeLibrary"` // Path to libonnxruntime.so. Empty uses the default search path.
	Threading          nn.ThreadingMode `json:"-"`
}

func DefaultModelOptions() ModelOptions {
	return ModelOptions{
		Dir:       "models",
		Name:      "drawing-classifier",
		Format:    ExtSafetensors,
		Threading: nn.ThreadingModeParallel,
	}
}

func (o *ModelOptions) pathBase() string {
	return filepath.Join(o.Dir, o.Name)
}

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		os.Remove(tempFile)
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}

// If the model files are not yet downloaded, then download them now.
// Returns immediately if the files are already downloaded, or if there is no URL.
func DownloadModel(log logs.Log, opts ModelOptions) error {
	if opts.URL == "" {
		return nil
	}
	format := opts.Format
	if format == "" {
		format = ExtSafetensors
	}
	for _, ext := range []string{".json", format} {
		diskPath := opts.pathBase() + ext
		networkUrl := strings.TrimSuffix(opts.URL, "/") + "/" + opts.Name + ext
		if _, err := os.Stat(diskPath); os.IsNotExist(err) {
			log.Infof("Downloading %v to %v", networkUrl, diskPath)
			if err := downloadFile(networkUrl, diskPath); err != nil {
				return fmt.Errorf("Failed to download %v: %w", networkUrl, err)
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// LoadModel loads a neural network from disk, downloading it first if necessary.
// An .onnx file takes precedence over a .safetensors file.
func LoadModel(log logs.Log, opts ModelOptions) (nn.Classifier, error) {
	if err := DownloadModel(log, opts); err != nil {
		return nil, fmt.Errorf("Download failed: %w", err)
	}

	base := opts.pathBase()
	config, err := nn.LoadModelConfig(base + ".json")
	if err != nil {
		return nil, err
	}

	var model nn.Classifier
	if fileExists(base + ExtONNX) {
		log.Infof("Loading ONNX model %v", base+ExtONNX)
		model, err = onnx.NewClassifier(config, base+ExtONNX, opts.ONNXRuntimeLibrary)
	} else if fileExists(base + ExtSafetensors) {
		log.Infof("Loading model %v", base+ExtSafetensors)
		model, err = cnn.LoadClassifier(config, base+ExtSafetensors, opts.Threading)
	} else {
		return nil, fmt.Errorf("No weights found for NN model %v (expected %v or %v)", base, ExtSafetensors, ExtONNX)
	}
	if err != nil {
		return nil, err
	}

	if err := CheckClasses(model); err != nil {
		model.Close()
		return nil, err
	}
	log.Infof("Loaded %v model %v with %v classes", BackendName(model), opts.Name, len(model.Config().Classes))
	return model, nil
}

// CheckClasses verifies that the model has one output per class.
// Both backends know their output width once loaded. Other implementations are trusted.
func CheckClasses(model nn.Classifier) error {
	nClasses := len(model.Config().Classes)
	if sized, ok := model.(interface{ OutputWidth() int }); ok {
		if w := sized.OutputWidth(); w != nClasses {
			return fmt.Errorf("Model has %v outputs, but %v classes", w, nClasses)
		}
	}
	return nil
}

// BackendName returns the name of the implementation behind model
func BackendName(model nn.Classifier) string {
	switch model.(type) {
	case *cnn.Classifier:
		return BackendNative
	case *onnx.Classifier:
		return BackendONNX
	}
	return "unknown"
}

// SaveUntrainedModel writes a model config and randomly initialized weights, with the
// drawing classifier topology. The result loads and runs like a real model, which is
// useful for testing a deployment before a trained model is available.
func SaveUntrainedModel(opts ModelOptions, classes []string, seed uint64) error {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return err
	}
	config := nn.NewDrawingModelConfig()
	if len(classes) != 0 {
		config.Classes = classes
	}
	if err := config.Validate(); err != nil {
		return err
	}
	weights := cnn.RandomWeights(cnn.DrawingClassifier(len(config.Classes)), seed)
	if err := config.Save(opts.pathBase() + ".json"); err != nil {
		return err
	}
	return cnn.SaveWeights(opts.pathBase()+ExtSafetensors, weights, map[string]string{"untrained": "true"})
}
