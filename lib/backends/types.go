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

// Package backends defines the model-facing types shared by every part of the
// contrastive decoding engine:
//
//   - Model: a scoring function mapping (tokens, cache, conditioning) to logits
//   - ImageTensor: a CHW float32 image used as conditioning
//   - KVCache: opaque incremental decoder state owned by one branch
//   - GenerationConfig: sampling and fusion parameters for one generation call
//
// Models may run in-process or behind a model server (see lib/remote).
package backends

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// BackendType identifies where a model executes.
type BackendType string

const (
	// BackendRemote is a model hosted by a model server and reached over HTTP.
	BackendRemote BackendType = "remote"

	// BackendFunc is an in-process scoring function, typically used in tests
	// and for wrapping other runtimes.
	BackendFunc BackendType = "func"
)

// ImageTensor is a single image in channel-major (CHW) layout.
type ImageTensor struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// NewImageTensor allocates a zeroed tensor of the given shape.
func NewImageTensor(channels, height, width int) *ImageTensor {
	return &ImageTensor{
		Data:     make([]float32, channels*height*width),
		Channels: channels,
		Height:   height,
		Width:    width,
	}
}

// Clone returns a deep copy of the tensor.
func (t *ImageTensor) Clone() *ImageTensor {
	out := &ImageTensor{
		Data:     make([]float32, len(t.Data)),
		Channels: t.Channels,
		Height:   t.Height,
		Width:    t.Width,
	}
	copy(out.Data, t.Data)
	return out
}

// Pixels returns the number of spatial positions (Height * Width).
func (t *ImageTensor) Pixels() int {
	return t.Height * t.Width
}

// SameShape reports whether both tensors have identical dimensions.
func (t *ImageTensor) SameShape(o *ImageTensor) bool {
	return t.Channels == o.Channels && t.Height == o.Height && t.Width == o.Width
}

// Validate checks that the data length matches the declared shape.
func (t *ImageTensor) Validate() error {
	if t == nil {
		return fmt.Errorf("image tensor is nil")
	}
	if t.Channels <= 0 || t.Height <= 0 || t.Width <= 0 {
		return fmt.Errorf("invalid image shape [%d, %d, %d]", t.Channels, t.Height, t.Width)
	}
	if len(t.Data) != t.Channels*t.Height*t.Width {
		return fmt.Errorf("image data length %d does not match shape [%d, %d, %d]",
			len(t.Data), t.Channels, t.Height, t.Width)
	}
	return nil
}

// RelevanceMap is a coarse spatial relevance map (e.g. a Grad-CAM heat map
// over vision patches) in row-major order.
type RelevanceMap struct {
	Data   []float32
	Height int
	Width  int
}

// ModelInputs contains the inputs for one forward call.
type ModelInputs struct {
	// InputIDs are the token IDs [batch, seq]. Once the cache holds state
	// only the newest token of each row is passed.
	InputIDs [][]int32

	// Image inputs, flattened [batch, channels, height, width].
	// Empty when the cache already covers the image prefix.
	ImagePixels   []float32
	ImageBatch    int
	ImageChannels int
	ImageHeight   int
	ImageWidth    int

	// PastKeyValues is the cache returned by the previous call of the same branch.
	PastKeyValues *KVCache
}

// ModelOutput contains the outputs from a forward pass.
type ModelOutput struct {
	// Logits holds the next-token logits for every row [batch, vocab_size].
	Logits [][]float32

	// PastKeyValues is the updated cache for the next step.
	PastKeyValues *KVCache
}

// KVCache holds incremental decoder state between steps. The engine never
// inspects it beyond SeqLen; its contents belong to the model that produced it.
type KVCache struct {
	// Handle identifies server-side state for remote models.
	Handle string
	// SeqLen is the number of positions covered by the cache.
	SeqLen int
	// BatchSize is the number of rows the cache was built for.
	BatchSize int
	// State holds in-process cache contents for models that keep them locally.
	State any
}

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	// Width is the target image width.
	Width int `validate:"gt=0"`
	// Height is the target image height.
	Height int `validate:"gt=0"`
	// Channels is the number of color channels (typically 3 for RGB).
	Channels int `validate:"eq=3"`
	// Mean is the per-channel mean for normalization.
	Mean [3]float32
	// Std is the per-channel standard deviation for normalization.
	Std [3]float32
	// RescaleFactor scales pixel values (e.g., 1/255 to convert 0-255 to 0-1).
	RescaleFactor float32 `validate:"gt=0"`
	// DoCenterCrop indicates whether to center crop before resize.
	DoCenterCrop bool
}

// DefaultImageConfig returns the CLIP ViT-L/14-336 preprocessing used by
// LLaVA-1.5 style models.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         336,
		Height:        336,
		Channels:      3,
		Mean:          [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:           [3]float32{0.26862954, 0.26130258, 0.27577711},
		RescaleFactor: 1.0 / 255.0,
		DoCenterCrop:  false,
	}
}

// GenerationConfig holds parameters for contrastive generation.
type GenerationConfig struct {
	// MaxNewTokens is the maximum number of tokens to generate.
	MaxNewTokens int `validate:"gt=0"`
	// DoSample enables sampling (vs greedy decoding).
	DoSample bool
	// Temperature for sampling (higher = more random).
	Temperature float32 `validate:"gt=0"`
	// TopK limits sampling to top K tokens. Zero disables it.
	TopK int `validate:"gte=0"`
	// TopP (nucleus sampling) limits to tokens with cumulative probability <= TopP.
	TopP float32 `validate:"gt=0,lte=1"`
	// Seed seeds the sampler and the noise generator.
	Seed int64

	// NoiseStep is the diffusion step used to derive the perturbed image.
	NoiseStep int

	// AlphaNoise weights the subtraction of the perturbed branch.
	AlphaNoise float32 `validate:"gte=0"`
	// BetaNoise sets the plausibility cutoff when the perturbed branch is active.
	BetaNoise float32 `validate:"gt=0,lte=1"`
	// AlphaAug weights the addition of the masked branch.
	AlphaAug float32 `validate:"gte=0"`
	// BetaAug sets the plausibility cutoff when only the masked branch is active.
	BetaAug float32 `validate:"gt=0,lte=1"`
	// DisableGate turns the plausibility gate off.
	DisableGate bool

	// EOSTokenIDs are the tokens that finish a row.
	EOSTokenIDs []int32 `validate:"min=1,dive,gte=0"`
	// PadTokenID is emitted for rows that have already finished.
	PadTokenID int32 `validate:"gte=0"`

	// OutputScores keeps the fused logits of every step in the result.
	OutputScores bool
	// BranchConcurrency caps concurrent branch forwards per step. Zero means no limit.
	BranchConcurrency int `validate:"gte=0"`
}

// DefaultGenerationConfig returns the defaults used for POPE style evaluation.
func DefaultGenerationConfig() *GenerationConfig {
	return &GenerationConfig{
		MaxNewTokens: 1024,
		DoSample:     true,
		Temperature:  1.0,
		TopK:         0,
		TopP:         1.0,
		Seed:         55,
		NoiseStep:    500,
		AlphaNoise:   1.0,
		BetaNoise:    0.1,
		AlphaAug:     1.0,
		BetaAug:      0.5,
		EOSTokenIDs:  []int32{2},
		PadTokenID:   0,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration ranges.
func (c *GenerationConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("generation config is nil")
	}
	if math.IsNaN(float64(c.Temperature)) {
		return fmt.Errorf("temperature must be a number")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid generation config: %w", err)
	}
	return nil
}

// IsEOS reports whether token is one of the end-of-sequence tokens.
func (c *GenerationConfig) IsEOS(token int32) bool {
	for _, id := range c.EOSTokenIDs {
		if id == token {
			return true
		}
	}
	return false
}

// Validate checks the image configuration.
func (c *ImageConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid image config: %w", err)
	}
	for i, s := range c.Std {
		if s == 0 {
			return fmt.Errorf("invalid image config: std[%d] is zero", i)
		}
	}
	return nil
}
