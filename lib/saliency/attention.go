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

package saliency

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/antflydb/tricd/lib/backends"
)

// blurSigmaFraction scales the Gaussian blur sigma with the larger image side.
const blurSigmaFraction = 0.02

// RenderMap turns a coarse relevance map into a per-pixel map of the given
// size with values in [0, 1]: normalize, upsample bicubically, optionally
// blur, normalize again. Maps containing non-finite values are upsampled by
// nearest neighbour and returned unnormalized so the caller can detect them.
func RenderMap(m *backends.RelevanceMap, height, width int, blur bool) ([]float32, error) {
	if m == nil || m.Height <= 0 || m.Width <= 0 {
		return nil, fmt.Errorf("empty relevance map")
	}
	if len(m.Data) != m.Height*m.Width {
		return nil, fmt.Errorf("relevance map length %d does not match %dx%d", len(m.Data), m.Height, m.Width)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", height, width)
	}

	for _, v := range m.Data {
		if !isFinite(v) {
			return nearest(m, height, width), nil
		}
	}

	norm := append([]float32(nil), m.Data...)
	normalize(norm)

	// Gray16 keeps enough precision for thresholding after interpolation.
	src := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			v := norm[y*m.Width+x]
			src.Pix[src.PixOffset(x, y)], src.Pix[src.PixOffset(x, y)+1] = split16(v)
		}
	}
	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out[y*width+x] = float32(dst.Gray16At(x, y).Y) / math.MaxUint16
		}
	}

	if blur {
		sigma := blurSigmaFraction * float64(max(height, width))
		gaussianBlur(out, height, width, sigma)
	}
	normalize(out)
	return out, nil
}

// nearest upsamples without interpolation so non-finite cells stay confined
// to their own block instead of spreading through the kernel.
func nearest(m *backends.RelevanceMap, height, width int) []float32 {
	out := make([]float32, height*width)
	for y := 0; y < height; y++ {
		sy := y * m.Height / height
		for x := 0; x < width; x++ {
			sx := x * m.Width / width
			out[y*width+x] = m.Data[sy*m.Width+sx]
		}
	}
	return out
}

// normalize shifts values to start at 0 and scales them to end at 1. A
// constant map becomes all zeros.
func normalize(v []float32) {
	if len(v) == 0 {
		return
	}
	lo, hi := v[0], v[0]
	for _, x := range v {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	span := hi - lo
	for i := range v {
		if span > 0 {
			v[i] = (v[i] - lo) / span
		} else {
			v[i] = 0
		}
	}
}

func split16(v float32) (uint8, uint8) {
	q := uint16(math.Round(float64(min(max(v, 0), 1)) * math.MaxUint16))
	return uint8(q >> 8), uint8(q)
}

// gaussianBlur applies a separable Gaussian filter in place. Borders repeat
// the nearest pixel and the kernel is truncated at four sigma.
func gaussianBlur(v []float32, height, width int, sigma float64) {
	if sigma <= 0 {
		return
	}
	radius := int(4*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := make([]float32, len(v))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var acc float64
			for k := -radius; k <= radius; k++ {
				xx := min(max(x+k, 0), width-1)
				acc += kernel[k+radius] * float64(v[y*width+xx])
			}
			tmp[y*width+x] = float32(acc)
		}
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var acc float64
			for k := -radius; k <= radius; k++ {
				yy := min(max(y+k, 0), height-1)
				acc += kernel[k+radius] * float64(tmp[yy*width+x])
			}
			v[y*width+x] = float32(acc)
		}
	}
}

func isFinite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
