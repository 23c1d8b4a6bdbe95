package sketch

// Package sketch turns a raw canvas capture into the small centered grayscale
// image that the drawing classifier is trained on.

import (
	"errors"
	"fmt"
	"image"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/doodle/pkg/nn"
	"golang.org/x/image/draw"
)

var ErrInvalidSize = errors.New("Invalid image size")

// Image is an 8-bit single channel image. Background is 0, strokes are non-zero.
type Image struct {
	Width  int
	Height int
	Pixels []byte // Width * Height, row major, no padding between rows
}

func NewImage(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Pixels: make([]byte, width*height),
	}
}

// FromRGBA converts an RGBA buffer (such as the output of a canvas getImageData call) into luminance.
// The alpha channel is ignored.
func FromRGBA(pixels []byte, width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w %v x %v", ErrInvalidSize, width, height)
	}
	if len(pixels) != width*height*4 {
		return nil, fmt.Errorf("Expected %v bytes for a %v x %v RGBA image, but got %v", width*height*4, width, height, len(pixels))
	}
	img := NewImage(width, height)
	for i := range img.Pixels {
		p := pixels[i*4 : i*4+4]
		img.Pixels[i] = Luminance(p[0], p[1], p[2])
	}
	return img, nil
}

// FromGray wraps a copy of a single channel buffer
func FromGray(pixels []byte, width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w %v x %v", ErrInvalidSize, width, height)
	}
	if len(pixels) != width*height {
		return nil, fmt.Errorf("Expected %v bytes for a %v x %v gray image, but got %v", width*height, width, height, len(pixels))
	}
	img := NewImage(width, height)
	copy(img.Pixels, pixels)
	return img, nil
}

// FromImage converts any Go image into luminance
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), src, b.Min, draw.Src)
	img, _ := FromRGBA(nrgba.Pix, b.Dx(), b.Dy())
	return img
}

// Luminance uses the BT.601 weights in 14 bit fixed point, rounded to nearest
func Luminance(r, g, b byte) byte {
	return byte((uint32(r)*4899 + uint32(g)*9617 + uint32(b)*1868 + 8192) >> 14)
}

func (img *Image) At(x, y int) byte {
	return img.Pixels[y*img.Width+x]
}

func (img *Image) Set(x, y int, v byte) {
	img.Pixels[y*img.Width+x] = v
}

func (img *Image) Clone() *Image {
	c := NewImage(img.Width, img.Height)
	copy(c.Pixels, img.Pixels)
	return c
}

// Invert flips intensities, so that dark strokes on a light background become light strokes on a dark background
func (img *Image) Invert() {
	for i, v := range img.Pixels {
		img.Pixels[i] = 255 - v
	}
}

// IsBlank returns true if every pixel is zero
func (img *Image) IsBlank() bool {
	_, ok := img.BoundingBox()
	return !ok
}

// BoundingBox returns the smallest rectangle that contains all non-zero pixels.
// If the image is entirely zero, then ok is false.
func (img *Image) BoundingBox() (box nn.Rect, ok bool) {
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Width : (y+1)*img.Width]
		x1 := -1
		for x, v := range row {
			if v != 0 {
				x1 = x
				break
			}
		}
		if x1 == -1 {
			continue
		}
		x2 := x1
		for x := len(row) - 1; x > x1; x-- {
			if row[x] != 0 {
				x2 = x
				break
			}
		}
		box = box.Union(nn.Rect{X: x1, Y: y, Width: x2 - x1 + 1, Height: 1})
	}
	return box, !box.Empty()
}

// Crop returns a copy of the region r, clipped to the image
func (img *Image) Crop(r nn.Rect) *Image {
	r = r.Intersection(nn.Rect{Width: img.Width, Height: img.Height})
	c := NewImage(r.Width, r.Height)
	for y := 0; y < r.Height; y++ {
		src := img.Pixels[(r.Y+y)*img.Width+r.X:]
		copy(c.Pixels[y*r.Width:(y+1)*r.Width], src[:r.Width])
	}
	return c
}

// Paste copies src into img, with the top-left corner of src at (x, y).
// src must fit entirely inside img.
func (img *Image) Paste(src *Image, x, y int) {
	if x < 0 || y < 0 || x+src.Width > img.Width || y+src.Height > img.Height {
		panic("Paste out of bounds")
	}
	for sy := 0; sy < src.Height; sy++ {
		copy(img.Pixels[(y+sy)*img.Width+x:], src.Pixels[sy*src.Width:(sy+1)*src.Width])
	}
}

// Float32 returns the pixels scaled to [0,1]
func (img *Image) Float32() []float32 {
	f := make([]float32, len(img.Pixels))
	for i, v := range img.Pixels {
		f[i] = float32(v) / 255
	}
	return f
}

// ToCImageRGB expands the image into 3 identical channels, for JPEG compression
func (img *Image) ToCImageRGB() *cimg.Image {
	rgb := cimg.NewImage(img.Width, img.Height, cimg.PixelFormatRGB)
	for y := 0; y < img.Height; y++ {
		dst := rgb.Pixels[y*rgb.Stride:]
		for x := 0; x < img.Width; x++ {
			v := img.Pixels[y*img.Width+x]
			dst[x*3] = v
			dst[x*3+1] = v
			dst[x*3+2] = v
		}
	}
	return rgb
}
