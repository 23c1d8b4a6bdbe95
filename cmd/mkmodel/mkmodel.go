package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/doodle/pkg/nn"
	"github.com/cyclopcam/doodle/pkg/nnload"
)

// mkmodel writes a model with random weights. It is useless for classification,
// but it exercises the whole pipeline on a machine without a trained model.
func main() {
	defaults := nnload.DefaultModelOptions()
	parser := argparse.NewParser("mkmodel", "Create an untrained drawing classifier")
	modelDir := parser.String("", "models", &argparse.Options{Help: "Output directory", Default: defaults.Dir})
	modelName := parser.String("n", "name", &argparse.Options{Help: "Model name", Default: defaults.Name})
	classes := parser.String("", "classes", &argparse.Options{Help: "Comma-separated list of classes (default is the built-in list)", Default: ""})
	classFile := parser.String("", "classfile", &argparse.Options{Help: "File with one class name per line", Default: ""})
	seed := parser.Int("", "seed", &argparse.Options{Help: "Random seed", Default: 1})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	var classList []string
	if *classFile != "" {
		classList, err = nn.LoadClassFile(*classFile)
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
	} else if *classes != "" {
		classList = strings.Split(*classes, ",")
	}

	opts := defaults
	opts.Dir = *modelDir
	opts.Name = *modelName
	if err := nnload.SaveUntrainedModel(opts, classList, uint64(*seed)); err != nil {
		fmt.Printf("Failed to create model: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote untrained model %v to %v\n", opts.Name, opts.Dir)
}
