// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipelines

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"math"
	"os"

	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/antflydb/tricd/lib/backends"
)

// ImageProcessor turns images into conditioning tensors. Preprocessing is
// split in two so signal generators can work on raw pixels:
//
//	Pixels:    decode, crop, resize, rescale to [0, 1]
//	Normalize: subtract mean, divide by std
type ImageProcessor struct {
	Config *backends.ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *backends.ImageConfig) *ImageProcessor {
	if config == nil {
		config = backends.DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// LoadFile decodes an image file.
func LoadFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Decode decodes an image in any registered format.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// ProcessBytes decodes and fully preprocesses an image.
func (p *ImageProcessor) ProcessBytes(data []byte) (*backends.ImageTensor, error) {
	img, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return p.Process(img), nil
}

// Process returns the normalized CHW tensor for img.
func (p *ImageProcessor) Process(img image.Image) *backends.ImageTensor {
	return p.Normalize(p.Pixels(img))
}

// Pixels crops and resizes img and returns its RGB values in [0, 1] (for the
// default rescale factor) in CHW layout.
func (p *ImageProcessor) Pixels(img image.Image) *backends.ImageTensor {
	if p.Config.DoCenterCrop {
		img = centerCrop(img, min(p.Config.Width, p.Config.Height))
	}
	img = resize(img, p.Config.Width, p.Config.Height)

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	t := backends.NewImageTensor(3, height, width)
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// Convert from 0-65535 to 0-255, then apply rescale factor
			t.Data[0*plane+y*width+x] = float32(r>>8) * p.Config.RescaleFactor
			t.Data[1*plane+y*width+x] = float32(g>>8) * p.Config.RescaleFactor
			t.Data[2*plane+y*width+x] = float32(b>>8) * p.Config.RescaleFactor
		}
	}
	return t
}

// Normalize applies the per-channel mean and std and returns a new tensor.
func (p *ImageProcessor) Normalize(t *backends.ImageTensor) *backends.ImageTensor {
	out := t.Clone()
	plane := t.Pixels()
	for c := 0; c < t.Channels && c < 3; c++ {
		mean, std := p.Config.Mean[c], p.Config.Std[c]
		for i := c * plane; i < (c+1)*plane; i++ {
			out.Data[i] = (out.Data[i] - mean) / std
		}
	}
	return out
}

// ToImage converts a tensor produced by Pixels back into an image. Values are
// clamped to the displayable range.
func (p *ImageProcessor) ToImage(t *backends.ImageTensor) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	plane := t.Pixels()
	scale := 1 / p.Config.RescaleFactor
	channel := func(c, i int) uint8 {
		if c >= t.Channels {
			c = 0
		}
		v := float64(t.Data[c*plane+i] * scale)
		return uint8(math.Round(min(max(v, 0), 255)))
	}
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			i := y*t.Width + x
			img.SetNRGBA(x, y, color.NRGBA{R: channel(0, i), G: channel(1, i), B: channel(2, i), A: 255})
		}
	}
	return img
}

// ToImageNormalized inverts Normalize before converting to an image.
func (p *ImageProcessor) ToImageNormalized(t *backends.ImageTensor) image.Image {
	raw := t.Clone()
	plane := t.Pixels()
	for c := 0; c < t.Channels && c < 3; c++ {
		mean, std := p.Config.Mean[c], p.Config.Std[c]
		for i := c * plane; i < (c+1)*plane; i++ {
			raw.Data[i] = raw.Data[i]*std + mean
		}
	}
	return p.ToImage(raw)
}

// centerCrop performs center cropping on an image.
func centerCrop(img image.Image, size int) image.Image {
	bounds := img.Bounds()
	cropWidth := min(size, bounds.Dx())
	cropHeight := min(size, bounds.Dy())
	left := bounds.Min.X + (bounds.Dx()-cropWidth)/2
	top := bounds.Min.Y + (bounds.Dy()-cropHeight)/2

	cropped := image.NewRGBA(image.Rect(0, 0, cropWidth, cropHeight))
	draw.Draw(cropped, cropped.Bounds(), img, image.Pt(left, top), draw.Src)
	return cropped
}

// resize scales img to the target size with bicubic interpolation.
func resize(img image.Image, targetWidth, targetHeight int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() == targetWidth && bounds.Dy() == targetHeight {
		return img
	}
	resized := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Src, nil)
	return resized
}
