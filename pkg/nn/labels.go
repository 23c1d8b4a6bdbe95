package nn

import (
	"slices"
	"sort"

	"github.com/chewxy/math32"
)

const ArchitectureDrawingClassifier = "drawing-classifier"

// Width and height of the images that the drawing classifier is trained on
const InputSize = 28

// ClassInfo pairs a class with the icon that the front-end shows for it.
// Icons are Material Symbols names.
type ClassInfo struct {
	ClassName string `json:"className"`
	Image     string `json:"image"`
}

// defaultClasses is the label set in network output order.
// The order must match the order used during training.
var defaultClasses = []ClassInfo{
	{"circle", "circle"},
	{"square", "check_box_outline_blank"},
	{"triangle", "change_history"},
	{"cat", "pets"},
	{"dog", "sound_detection_dog_barking"},
	{"bird", "raven"},
	{"airplane", "flight"},
	{"car", "local_taxi"},
	{"house", "cottage"},
	{"star", "star"},
	{"umbrella", "beach_access"},
}

// DefaultClasses returns a copy of the built-in label/icon table
func DefaultClasses() []ClassInfo {
	return slices.Clone(defaultClasses)
}

func DefaultClassNames() []string {
	names := make([]string, len(defaultClasses))
	for i, c := range defaultClasses {
		names[i] = c.ClassName
	}
	return names
}

// DefaultIcons maps class name to icon
func DefaultIcons() map[string]string {
	icons := map[string]string{}
	for _, c := range defaultClasses {
		icons[c.ClassName] = c.Image
	}
	return icons
}

// Prediction is the probability of a single class, as sent to the front-end
type Prediction struct {
	ClassName  string  `json:"className"`
	Percentage float64 `json:"percentage"` // 0..100
	Image      string  `json:"image"`
}

// Rank converts probabilities into percentages, pairs them with their class names and icons,
// and sorts them from most to least likely. Ties keep class order.
// If an icon is missing, Image is empty.
func Rank(probs []float32, classes []string, icons map[string]string) []Prediction {
	if len(probs) != len(classes) {
		panic("Number of probabilities does not match number of classes")
	}
	preds := make([]Prediction, len(probs))
	for i, p := range probs {
		preds[i] = Prediction{
			ClassName:  classes[i],
			Percentage: float64(p) * 100,
			Image:      icons[classes[i]],
		}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Percentage > preds[j].Percentage
	})
	return preds
}

// ToProbabilities converts the raw output of a network into probabilities, in place.
// output is one of the Output* constants.
func ToProbabilities(values []float32, output string) {
	switch output {
	case OutputSoftmax:
		return
	case OutputLogits:
		Softmax(values)
	default:
		for i, v := range values {
			values[i] = math32.Exp(v)
		}
	}
}

// Softmax computes exp(x) / sum(exp(x)) in place, with the usual max subtraction
func Softmax(values []float32) {
	if len(values) == 0 {
		return
	}
	maxV := values[0]
	for _, v := range values[1:] {
		maxV = max(maxV, v)
	}
	sum := float32(0)
	for i, v := range values {
		values[i] = math32.Exp(v - maxV)
		sum += values[i]
	}
	for i := range values {
		values[i] /= sum
	}
}
