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

// Package branches runs the per-conditioning forward passes of one decoding
// step. Each branch pairs a conditioning image with a scoring model and its
// own cache; the dispatcher never combines logits.
package branches

import (
	"fmt"

	"github.com/antflydb/tricd/lib/backends"
)

// Variant identifies which conditioning image a branch decodes against.
type Variant int

const (
	// Base conditions on the unmodified image.
	Base Variant = iota
	// Perturbed conditions on the diffusion-noised image.
	Perturbed
	// Masked conditions on the saliency-masked image.
	Masked

	numVariants
)

// Variants lists every variant in dispatch order.
var Variants = []Variant{Base, Perturbed, Masked}

func (v Variant) String() string {
	switch v {
	case Base:
		return "base"
	case Perturbed:
		return "perturbed"
	case Masked:
		return "masked"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant is the inverse of String.
func ParseVariant(s string) (Variant, error) {
	for _, v := range Variants {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown variant %q", s)
}

// Conditioning holds the per-row images of one variant. A single image is
// broadcast to every row.
type Conditioning struct {
	Variant Variant
	Images  []*backends.ImageTensor
}

// Conditionings is the set of conditioning signals available for a call.
// Base is required; a nil auxiliary entry means that branch is inactive.
type Conditionings struct {
	Base      []*backends.ImageTensor
	Perturbed []*backends.ImageTensor
	Masked    []*backends.ImageTensor
}

// Get returns the conditioning for v and whether it is present.
func (c Conditionings) Get(v Variant) (Conditioning, bool) {
	var images []*backends.ImageTensor
	switch v {
	case Base:
		images = c.Base
	case Perturbed:
		images = c.Perturbed
	case Masked:
		images = c.Masked
	}
	return Conditioning{Variant: v, Images: images}, len(images) > 0
}

// Active returns the variants with conditioning, in dispatch order.
func (c Conditionings) Active() []Variant {
	var out []Variant
	for _, v := range Variants {
		if _, ok := c.Get(v); ok {
			out = append(out, v)
		}
	}
	return out
}

// PrepareInputs builds the model inputs for one branch. The same routine
// serves every variant: it selects the conditioning for variant, passes the
// full prefix and image on the first call and only the newest token once the
// branch cache holds state.
func PrepareInputs(variant Variant, rows [][]int32, cache *backends.KVCache, conds Conditionings) (*backends.ModelInputs, error) {
	cond, ok := conds.Get(variant)
	if !ok {
		return nil, fmt.Errorf("no conditioning for %s branch", variant)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no token rows")
	}

	inputs := &backends.ModelInputs{PastKeyValues: cache}
	if cache != nil && cache.SeqLen > 0 {
		inputs.InputIDs = backends.LastTokenInputs(rows)
		return inputs, nil
	}

	inputs.InputIDs = backends.CopyRows(rows)
	if len(cond.Images) != 1 && len(cond.Images) != len(rows) {
		return nil, fmt.Errorf("%s branch has %d images for %d rows", variant, len(cond.Images), len(rows))
	}

	first := cond.Images[0]
	if err := first.Validate(); err != nil {
		return nil, fmt.Errorf("%s branch: %w", variant, err)
	}
	plane := len(first.Data)
	inputs.ImagePixels = make([]float32, 0, plane*len(rows))
	for i := range rows {
		img := cond.Images[0]
		if len(cond.Images) > 1 {
			img = cond.Images[i]
		}
		if err := img.Validate(); err != nil {
			return nil, fmt.Errorf("%s branch row %d: %w", variant, i, err)
		}
		if !img.SameShape(first) {
			return nil, fmt.Errorf("%s branch row %d: image shape differs from row 0", variant, i)
		}
		inputs.ImagePixels = append(inputs.ImagePixels, img.Data...)
	}
	inputs.ImageBatch = len(rows)
	inputs.ImageChannels = first.Channels
	inputs.ImageHeight = first.Height
	inputs.ImageWidth = first.Width
	return inputs, nil
}
