package sketch

import "github.com/cyclopcam/doodle/pkg/nn"

// Options controls Normalize
type Options struct {
	Size            int     // Width and height of the output
	PaddingFraction float64 // Border added around the strokes, as a fraction of their longest side
	Invert          bool    // Invert intensities before finding strokes (for dark strokes on a light background)
}

func DefaultOptions() Options {
	return Options{
		Size:            nn.InputSize,
		PaddingFraction: 0.2,
	}
}

// Normalize finds the strokes in img, centers them inside a square with a margin,
// and scales that square down (or up) to opts.Size x opts.Size.
// A blank image produces a blank output.
func Normalize(img *Image, opts Options) *Image {
	out, _, _ := NormalizeWithBox(img, opts)
	return out
}

// NormalizeWithBox is Normalize, but it also returns the bounding box of the strokes
// in img. If img is blank, ok is false.
func NormalizeWithBox(img *Image, opts Options) (out *Image, box nn.Rect, ok bool) {
	if opts.Size <= 0 {
		opts.Size = nn.InputSize
	}
	if opts.Invert {
		img = img.Clone()
		img.Invert()
	}

	box, ok = img.BoundingBox()
	if !ok {
		return NewImage(opts.Size, opts.Size), box, false
	}

	crop := img.Crop(box)
	side, x, y := Placement(box, opts.PaddingFraction)
	square := NewImage(side, side)
	square.Paste(crop, x, y)

	return Resize(square, opts.Size, opts.Size), box, true
}

// Placement computes the side of the padded square that holds the strokes in box,
// and the top-left position of the strokes inside that square.
// When the margin cannot be split evenly, the extra pixel goes to the right or bottom.
func Placement(box nn.Rect, paddingFraction float64) (side, x, y int) {
	longest := box.MaxSide()
	padding := int(float64(longest) * paddingFraction)
	side = longest + 2*padding
	x = (side - box.Width) / 2
	y = (side - box.Height) / 2
	return
}
