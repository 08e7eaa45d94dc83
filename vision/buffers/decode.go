package buffers

import (
	"fmt"
	"image"
	"image/color"
	"os"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tsawler/go-denoise/tensor"
)

// DecodeFile decodes an image into a CHW tensor normalized to [0, 1].
// Color images yield 3 channels with alpha dropped; firstOnly keeps channel 0.
func DecodeFile(path string, firstOnly bool) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	t, err := ToTensor(img, firstOnly)
	if err != nil {
		return nil, fmt.Errorf("%s (%s): %w", path, format, err)
	}
	return t, nil
}

// ToTensor converts a decoded image to CHW float32.
func ToTensor(img image.Image, firstOnly bool) (*tensor.Tensor, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty image: %w", ErrChannelCount)
	}

	channels := 3
	if firstOnly {
		channels = 1
	}

	data := make([]float32, channels*height*width)
	plane := height * width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBA64Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA64)
			idx := y*width + x
			data[idx] = float32(c.R) / 65535.0
			if !firstOnly {
				data[plane+idx] = float32(c.G) / 65535.0
				data[2*plane+idx] = float32(c.B) / 65535.0
			}
		}
	}

	return tensor.NewTensor([]int{channels, height, width}, data)
}
