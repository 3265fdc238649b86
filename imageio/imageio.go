// Package imageio decodes frame images into contiguous RGB buffers.  The
// stdlib JPEG, PNG and GIF decoders are registered alongside the extended
// WebP and BMP formats.
package imageio

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Load decodes the image at path into a contiguous R,G,B buffer and returns
// it with the image dimensions
func Load(path string) ([]uint8, int, int, error) {

	f, err := os.Open(path)

	if err != nil {
		return nil, 0, 0, fmt.Errorf("error opening image: %w", err)
	}

	defer f.Close()

	img, _, err := image.Decode(f)

	if err != nil {
		return nil, 0, 0, fmt.Errorf("error decoding image %s: %w", path, err)
	}

	return ToRGB(img)
}

// ToRGB flattens a decoded image into a contiguous RGB buffer
func ToRGB(img image.Image) ([]uint8, int, int, error) {

	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	if w <= 0 || h <= 0 {
		return nil, 0, 0, fmt.Errorf("degenerate image dimensions %dx%d", w, h)
	}

	rgb := make([]uint8, w*h*3)

	// fast path for the common decoder output types
	switch src := img.(type) {

	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride:]
			for x := 0; x < w; x++ {
				di := (y*w + x) * 3
				si := x * 4
				rgb[di] = row[si]
				rgb[di+1] = row[si+1]
				rgb[di+2] = row[si+2]
			}
		}

	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride:]
			for x := 0; x < w; x++ {
				di := (y*w + x) * 3
				si := x * 4
				rgb[di] = row[si]
				rgb[di+1] = row[si+1]
				rgb[di+2] = row[si+2]
			}
		}

	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				di := (y*w + x) * 3
				rgb[di] = uint8(r >> 8)
				rgb[di+1] = uint8(g >> 8)
				rgb[di+2] = uint8(b >> 8)
			}
		}
	}

	return rgb, w, h, nil
}
