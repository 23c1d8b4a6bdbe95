package sketch

import "github.com/bmharper/cimg/v2"

// Resize resamples src to width x height.
// Downsampling uses a box filter, so every output pixel is the mean of the source area
// that it covers. Thin strokes fade instead of disappearing, and there is no ringing.
// Upsampling is bilinear. Pixels outside the image are treated as background (zero).
// When the sizes are equal, the output is identical to the input.
func Resize(src *Image, width, height int) *Image {
	dst := NewImage(width, height)
	if src.Width == width && src.Height == height {
		copy(dst.Pixels, src.Pixels)
		return dst
	}
	params := cimg.ResizeParams{
		Edge:            cimg.ResizeEdgeZero,
		CheapSRGBFilter: true,
	}
	if width < src.Width || height < src.Height {
		params.Filter = cimg.ResizeFilterBox
	} else {
		params.Filter = cimg.ResizeFilterTriangle
	}
	srcWrap := cimg.WrapImage(src.Width, src.Height, cimg.PixelFormatGRAY, src.Pixels)
	dstWrap := cimg.WrapImage(width, height, cimg.PixelFormatGRAY, dst.Pixels)
	if err := cimg.Resize(srcWrap, dstWrap, &params); err != nil {
		// Only possible with a zero sized target, which NewImage would already have refused
		panic(err)
	}
	return dst
}
