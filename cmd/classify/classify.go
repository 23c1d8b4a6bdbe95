package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/doodle/pkg/nn"
	"github.com/cyclopcam/doodle/pkg/nnload"
	"github.com/cyclopcam/doodle/pkg/sketch"
	"github.com/cyclopcam/logs"
	"github.com/fogleman/gg"
)

func check(err error) {
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func main() {
	defaults := nnload.DefaultModelOptions()
	parser := argparse.NewParser("classify", "Classify a drawing stored in an image file")
	input := parser.String("i", "input", &argparse.Options{Help: "Image file (png or jpeg)", Required: true})
	modelDir := parser.String("", "models", &argparse.Options{Help: "Model directory", Default: defaults.Dir})
	modelName := parser.String("n", "name", &argparse.Options{Help: "Model name", Default: defaults.Name})
	invert := parser.Flag("", "invert", &argparse.Options{Help: "The drawing has dark strokes on a light background", Default: false})
	dump := parser.String("", "dump", &argparse.Options{Help: "Write the normalized 28x28 image to this JPEG file", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	src, err := gg.LoadImage(*input)
	check(err)
	img := sketch.FromImage(src)

	opts := nnload.DefaultModelOptions()
	opts.Dir = *modelDir
	opts.Name = *modelName
	opts.Threading = nn.ThreadingModeSingle
	model, err := nnload.LoadModel(logger, opts)
	check(err)
	defer model.Close()

	normOpts := sketch.DefaultOptions()
	normOpts.Size = model.Config().Width
	normOpts.Invert = *invert
	normalized, box, ok := sketch.NormalizeWithBox(img, normOpts)
	if ok {
		fmt.Printf("Strokes at %v,%v (%v x %v) in a %v x %v image\n", box.X, box.Y, box.Width, box.Height, img.Width, img.Height)
	} else {
		fmt.Printf("The image is blank\n")
	}

	if *dump != "" {
		err = normalized.ToCImageRGB().WriteJPEG(*dump, cimg.MakeCompressParams(cimg.Sampling444, 99, 0), 0644)
		check(err)
	}

	probs, err := model.Classify(normalized.Float32())
	check(err)
	for _, p := range nn.Rank(probs, model.Config().Classes, nn.DefaultIcons()) {
		fmt.Printf("%-12v %6.2f%%\n", p.ClassName, p.Percentage)
	}
}
