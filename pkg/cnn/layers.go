package cnn

import "fmt"

type LayerKind string

const (
	LayerConv2D        LayerKind = "conv2d"
	LayerBatchNorm2D   LayerKind = "batchnorm2d"
	LayerReLU          LayerKind = "relu"
	LayerMaxPool2D     LayerKind = "maxpool2d"
	LayerGlobalAvgPool LayerKind = "globalavgpool"
	LayerLinear        LayerKind = "linear"
	LayerDropout       LayerKind = "dropout"
	LayerLogSoftmax    LayerKind = "logsoftmax"
)

// LayerSpec describes one step of a network.
// Name is the prefix of the layer's parameters in the weight file (eg "conv1" for "conv1.weight").
type LayerSpec struct {
	Kind    LayerKind `json:"kind"`
	Name    string    `json:"name,omitempty"`
	In      int       `json:"in,omitempty"`      // Input channels (conv, batchnorm) or features (linear)
	Out     int       `json:"out,omitempty"`     // Output channels or features
	Kernel  int       `json:"kernel,omitempty"`  // Kernel size (conv) or window size (max pool)
	Padding int       `json:"padding,omitempty"` // Zero padding (conv)
	Eps     float32   `json:"eps,omitempty"`     // Batch norm epsilon
	Rate    float32   `json:"rate,omitempty"`    // Dropout rate. Only relevant during training.
}

// Params returns the names and shapes of the parameters that the layer needs
func (l LayerSpec) Params() map[string][]int {
	switch l.Kind {
	case LayerConv2D:
		return map[string][]int{
			l.Name + ".weight": {l.Out, l.In, l.Kernel, l.Kernel},
			l.Name + ".bias":   {l.Out},
		}
	case LayerBatchNorm2D:
		return map[string][]int{
			l.Name + ".weight":       {l.In},
			l.Name + ".bias":         {l.In},
			l.Name + ".running_mean": {l.In},
			l.Name + ".running_var":  {l.In},
		}
	case LayerLinear:
		return map[string][]int{
			l.Name + ".weight": {l.Out, l.In},
			l.Name + ".bias":   {l.Out},
		}
	}
	return nil
}

func (l LayerSpec) String() string {
	switch l.Kind {
	case LayerConv2D:
		return fmt.Sprintf("%v: conv %vx%v %v -> %v", l.Name, l.Kernel, l.Kernel, l.In, l.Out)
	case LayerBatchNorm2D:
		return fmt.Sprintf("%v: batchnorm %v", l.Name, l.In)
	case LayerLinear:
		return fmt.Sprintf("%v: linear %v -> %v", l.Name, l.In, l.Out)
	case LayerMaxPool2D:
		return fmt.Sprintf("maxpool %vx%v", l.Kernel, l.Kernel)
	case LayerDropout:
		return fmt.Sprintf("dropout %v", l.Rate)
	}
	return string(l.Kind)
}

const batchNormEps = 1e-5

// DrawingClassifier returns the topology of the drawing classifier:
// four 3x3 conv/batchnorm/relu stages of 64, 128, 256 and 256 channels, with 2x2 max pooling
// after the first three, then global average pooling and two fully connected layers.
// The input is a single channel 28x28 image.
func DrawingClassifier(numClasses int) []LayerSpec {
	layers := []LayerSpec{}
	channels := []int{1, 64, 128, 256, 256}
	for i := 1; i < len(channels); i++ {
		layers = append(layers,
			LayerSpec{Kind: LayerConv2D, Name: fmt.Sprintf("conv%v", i), In: channels[i-1], Out: channels[i], Kernel: 3, Padding: 1},
			LayerSpec{Kind: LayerBatchNorm2D, Name: fmt.Sprintf("bn%v", i), In: channels[i], Eps: batchNormEps},
			LayerSpec{Kind: LayerReLU},
		)
		if i < 4 {
			layers = append(layers, LayerSpec{Kind: LayerMaxPool2D, Kernel: 2})
		}
	}
	layers = append(layers,
		LayerSpec{Kind: LayerGlobalAvgPool},
		LayerSpec{Kind: LayerLinear, Name: "fc1", In: 256, Out: 512},
		LayerSpec{Kind: LayerReLU},
		LayerSpec{Kind: LayerDropout, Rate: 0.5},
		LayerSpec{Kind: LayerLinear, Name: "fc2", In: 512, Out: numClasses},
		LayerSpec{Kind: LayerLogSoftmax},
	)
	return layers
}
