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

// Package saliency derives the masked conditioning image: pixels that an
// image-text relevance model considers unrelated to the query are zeroed.
package saliency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/antflydb/tricd/lib/backends"
)

// Epsilon keeps the masking ratio strictly below one.
const Epsilon = 1e-5

// ErrAugmentation is matched by every AugmentationError.
var ErrAugmentation = errors.New("augmentation failed")

// RelevanceModel scores how well an image matches a text query.
type RelevanceModel interface {
	// MatchScore returns a global image-text match confidence in [0, 1].
	MatchScore(ctx context.Context, img *backends.ImageTensor, query string) (float64, error)
	// RelevanceMap returns a coarse spatial relevance map for the pair.
	RelevanceMap(ctx context.Context, img *backends.ImageTensor, query string) (*backends.RelevanceMap, error)
}

// AugmentationError reports which stage of the derivation failed.
type AugmentationError struct {
	Stage string
	Err   error
}

func (e *AugmentationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrAugmentation, e.Stage, e.Err)
}

func (e *AugmentationError) Unwrap() error { return e.Err }

func (e *AugmentationError) Is(target error) bool { return target == ErrAugmentation }

// Result is the outcome of one augmentation. Exactly one of Image and Err is set.
type Result struct {
	Image     *backends.ImageTensor
	Score     float64
	Ratio     float64
	Threshold float32
	// MedianFallback is set when the relevance map had non-finite values.
	MedianFallback bool
	Err            error
}

// OK reports whether a masked image is available.
func (r Result) OK() bool { return r.Err == nil && r.Image != nil }

// MaskingRatio maps a match score to the fraction used to index the
// descending relevance ranking: clamp(1 - score/2, 0, 1-Epsilon).
func MaskingRatio(score float64) float64 {
	if math.IsNaN(score) {
		return 1 - Epsilon
	}
	return min(max(1-score/2, 0), 1-Epsilon)
}

// Threshold sorts values descending and returns the value at index
// min(floor(len*ratio), len-1). When any value is non-finite it returns the
// median of the finite values and reports the fallback.
func Threshold(values []float32, ratio float64) (threshold float32, fallback bool, err error) {
	if len(values) == 0 {
		return 0, false, fmt.Errorf("empty relevance map")
	}

	finite := make([]float32, 0, len(values))
	for _, v := range values {
		if isFinite(v) {
			finite = append(finite, v)
		}
	}

	if len(finite) != len(values) {
		if len(finite) == 0 {
			return 0, true, fmt.Errorf("relevance map has no finite values")
		}
		sort.Slice(finite, func(i, j int) bool { return finite[i] < finite[j] })
		return finite[(len(finite)-1)/2], true, nil
	}

	sorted := finite
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	idx := min(int(float64(len(sorted))*ratio), len(sorted)-1)
	return sorted[max(idx, 0)], false, nil
}

// Mask zeroes every pixel, across all channels, whose relevance is strictly
// below threshold. relevance has one entry per spatial position.
func Mask(img *backends.ImageTensor, relevance []float32, threshold float32) (*backends.ImageTensor, error) {
	plane := img.Pixels()
	if len(relevance) != plane {
		return nil, fmt.Errorf("relevance length %d does not match image %dx%d", len(relevance), img.Height, img.Width)
	}
	out := img.Clone()
	for p, r := range relevance {
		if r < threshold {
			for c := 0; c < img.Channels; c++ {
				out.Data[c*plane+p] = 0
			}
		}
	}
	return out, nil
}

// Augmenter derives masked images.
type Augmenter struct {
	logger *zap.Logger
	blur   bool
}

// Option configures an Augmenter.
type Option func(*Augmenter)

// WithBlur toggles Gaussian smoothing of the rendered relevance map.
func WithBlur(blur bool) Option {
	return func(a *Augmenter) { a.blur = blur }
}

// NewAugmenter returns an Augmenter. Blurring is on by default.
func NewAugmenter(logger *zap.Logger, opts ...Option) *Augmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Augmenter{logger: logger, blur: true}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Augment masks img with respect to query. It never panics or returns an
// error directly; failures are reported in Result.Err so the caller can drop
// the masked branch for this sample.
func (a *Augmenter) Augment(ctx context.Context, img *backends.ImageTensor, query string, model RelevanceModel) Result {
	fail := func(stage string, err error) Result {
		a.logger.Warn("Saliency augmentation failed",
			zap.String("stage", stage),
			zap.Error(err))
		return Result{Err: &AugmentationError{Stage: stage, Err: err}}
	}

	if model == nil {
		return fail("setup", errors.New("no relevance model"))
	}
	if err := img.Validate(); err != nil {
		return fail("input", err)
	}

	score, err := model.MatchScore(ctx, img, query)
	if err != nil {
		return fail("match score", err)
	}
	ratio := MaskingRatio(score)

	coarse, err := model.RelevanceMap(ctx, img, query)
	if err != nil {
		return fail("relevance map", err)
	}
	rendered, err := RenderMap(coarse, img.Height, img.Width, a.blur)
	if err != nil {
		return fail("render", err)
	}

	threshold, fallback, err := Threshold(rendered, ratio)
	if err != nil {
		return fail("threshold", err)
	}
	if fallback {
		a.logger.Warn("Invalid values in relevance map, using median threshold",
			zap.String("query", query))
	}

	masked, err := Mask(img, rendered, threshold)
	if err != nil {
		return fail("mask", err)
	}

	a.logger.Debug("Generated masked image",
		zap.Float64("score", score),
		zap.Float64("ratio", ratio),
		zap.Float32("threshold", threshold))

	return Result{
		Image:          masked,
		Score:          score,
		Ratio:          ratio,
		Threshold:      threshold,
		MedianFallback: fallback,
	}
}
