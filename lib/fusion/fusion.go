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

// Package fusion combines the next-token logits of the base, perturbed and
// masked branches into one distribution and applies the plausibility gate.
//
// The combination rule is chosen by which auxiliary branches produced logits
// for the step:
//
//	plain:  fused = base
//	noise:  fused = (1+aN)*base - aN*noise                 cutoff = max(base) + ln(bN)
//	aug:    fused = base + aA*aug                          cutoff = max(base) + ln(bA)
//	both:   fused = (1+aN+aA)*base - aN*noise + aA*aug     cutoff = max(base) + ln(bN)
//
// The gate removes every position whose base logit is strictly below the
// cutoff, whatever its fused value.
package fusion

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// Mode is the combination rule selected by branch availability.
type Mode int

const (
	ModePlain Mode = iota
	ModeNoise
	ModeAug
	ModeBoth
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeNoise:
		return "noise"
	case ModeAug:
		return "aug"
	case ModeBoth:
		return "noise+aug"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// SelectMode picks the combination rule from the active auxiliary branches.
func SelectMode(hasNoise, hasAug bool) Mode {
	switch {
	case hasNoise && hasAug:
		return ModeBoth
	case hasNoise:
		return ModeNoise
	case hasAug:
		return ModeAug
	default:
		return ModePlain
	}
}

// Fuser mixes branch logits and gates the result. The controller holds one
// Fuser per generation call.
type Fuser interface {
	// Mix returns the combined logits for one row. noise and aug must be nil
	// when their branch is inactive.
	Mix(base, noise, aug []float32) ([]float32, error)
	// Gate masks fused in place using the confidence of base.
	Gate(mode Mode, base, fused []float32) error
}

// Policy holds the fusion weights and gate thresholds. It is immutable for the
// duration of a generation call.
type Policy struct {
	AlphaNoise  float32 `validate:"gte=0"`
	BetaNoise   float32 `validate:"gt=0,lte=1"`
	AlphaAug    float32 `validate:"gte=0"`
	BetaAug     float32 `validate:"gt=0,lte=1"`
	DisableGate bool
}

// DefaultPolicy returns the weights used by the reference evaluation runs.
func DefaultPolicy() Policy {
	return Policy{
		AlphaNoise: 1,
		BetaNoise:  0.1,
		AlphaAug:   1,
		BetaAug:    0.5,
	}
}

var validate = validator.New()

// Validate checks the weight and threshold ranges.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid fusion policy: %w", err)
	}
	return nil
}

// Beta returns the gate threshold used in mode. The noise threshold governs
// whenever the perturbed branch is active.
func (p Policy) Beta(mode Mode) float32 {
	switch mode {
	case ModeNoise, ModeBoth:
		return p.BetaNoise
	case ModeAug:
		return p.BetaAug
	default:
		return 1
	}
}

// Mix implements Fuser.
func (p Policy) Mix(base, noise, aug []float32) ([]float32, error) {
	if noise != nil && len(noise) != len(base) {
		return nil, fmt.Errorf("noise logits length %d does not match base length %d", len(noise), len(base))
	}
	if aug != nil && len(aug) != len(base) {
		return nil, fmt.Errorf("aug logits length %d does not match base length %d", len(aug), len(base))
	}

	fused := make([]float32, len(base))
	mode := SelectMode(noise != nil, aug != nil)
	if mode == ModePlain {
		copy(fused, base)
		return fused, nil
	}

	aN := float64(p.AlphaNoise)
	aA := float64(p.AlphaAug)
	negInf := float32(math.Inf(-1))

	for i, b := range base {
		if math.IsInf(float64(b), -1) {
			fused[i] = negInf
			continue
		}
		var v float64
		switch mode {
		case ModeNoise:
			v = (1+aN)*float64(b) - aN*float64(noise[i])
		case ModeAug:
			v = float64(b) + aA*float64(aug[i])
		case ModeBoth:
			v = (1+aN+aA)*float64(b) - aN*float64(noise[i]) + aA*float64(aug[i])
		}
		fused[i] = clampLogit(v)
	}
	return fused, nil
}

// Cutoff returns max(base) + ln(beta).
func Cutoff(base []float32, beta float32) (cutoff, maxBase float64) {
	maxBase = math.Inf(-1)
	for _, b := range base {
		if v := float64(b); v > maxBase {
			maxBase = v
		}
	}
	return maxBase + math.Log(float64(beta)), maxBase
}

// Gate implements Fuser. Positions whose base logit is strictly below the
// cutoff are set to -Inf in fused. It fails with a DegenerateDistributionError
// when no finite candidate remains.
func (p Policy) Gate(mode Mode, base, fused []float32) error {
	if len(base) != len(fused) {
		return fmt.Errorf("fused logits length %d does not match base length %d", len(fused), len(base))
	}
	beta := p.Beta(mode)
	cutoff, maxBase := math.Inf(-1), math.Inf(-1)

	if mode != ModePlain && !p.DisableGate {
		cutoff, maxBase = Cutoff(base, beta)
		negInf := float32(math.Inf(-1))
		for i, b := range base {
			if float64(b) < cutoff {
				fused[i] = negInf
			}
		}
	}

	if !HasCandidate(fused) {
		if maxBase == math.Inf(-1) {
			_, maxBase = Cutoff(base, beta)
		}
		return &DegenerateDistributionError{
			Mode:    mode,
			Beta:    beta,
			Cutoff:  cutoff,
			MaxBase: maxBase,
		}
	}
	return nil
}

// Combine mixes and gates in one call.
func Combine(base, noise, aug []float32, p Policy) ([]float32, error) {
	fused, err := p.Mix(base, noise, aug)
	if err != nil {
		return nil, err
	}
	if err := p.Gate(SelectMode(noise != nil, aug != nil), base, fused); err != nil {
		return nil, err
	}
	return fused, nil
}

// HasCandidate reports whether at least one logit is finite or +Inf.
func HasCandidate(logits []float32) bool {
	for _, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), -1) {
			return true
		}
	}
	return false
}

// clampLogit keeps mixed values inside the float32 range. NaN collapses to
// -Inf so it can never be sampled.
func clampLogit(v float64) float32 {
	switch {
	case math.IsNaN(v):
		return float32(math.Inf(-1))
	case v > math.MaxFloat32:
		return math.MaxFloat32
	case v < -math.MaxFloat32:
		return float32(math.Inf(-1))
	}
	return float32(v)
}

var _ Fuser = Policy{}
