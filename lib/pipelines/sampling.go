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
	"math"
	"math/rand"
	"sort"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/ajroetker/go-highway/hwy/contrib/vec"
)

var negInf = float32(math.Inf(-1))

// Argmax returns the index of the maximum value using SIMD acceleration.
func Argmax(values []float32) int32 {
	if len(values) == 0 {
		return 0
	}
	return int32(vec.Argmax(values))
}

// Softmax applies softmax normalization using SIMD acceleration.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	probs := make([]float32, len(logits))
	nn.Softmax(logits, probs)
	return probs
}

// candidates holds the finite entries of a masked logit row.
type candidates struct {
	ids    []int32
	logits []float32
}

func finiteCandidates(logits []float32) candidates {
	var c candidates
	for i, v := range logits {
		if math.IsInf(float64(v), -1) || math.IsNaN(float64(v)) {
			continue
		}
		c.ids = append(c.ids, int32(i))
		c.logits = append(c.logits, v)
	}
	return c
}

// ApplyTemperature divides logits by temperature in place.
func ApplyTemperature(logits []float32, temperature float32) {
	if temperature <= 0 || temperature == 1 {
		return
	}
	for i := range logits {
		logits[i] /= temperature
	}
}

// MaskTopK sets every logit below the k-th largest to -Inf in place. Ties at
// the boundary are kept.
func MaskTopK(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	c := finiteCandidates(logits)
	if len(c.logits) <= k {
		return
	}
	sorted := append([]float32(nil), c.logits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	threshold := sorted[k-1]
	for i, v := range logits {
		if v < threshold {
			logits[i] = negInf
		}
	}
}

// MaskTopP keeps the smallest set of highest-probability tokens whose
// cumulative probability reaches p and sets the rest to -Inf in place. At
// least one token is always kept.
func MaskTopP(logits []float32, p float32) {
	if p <= 0 || p >= 1 {
		return
	}
	c := finiteCandidates(logits)
	if len(c.logits) <= 1 {
		return
	}
	probs := Softmax(c.logits)

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	var cum float32
	cutoff := len(order)
	for rank, idx := range order {
		cum += probs[idx]
		if cum >= p {
			cutoff = rank + 1
			break
		}
	}
	for _, idx := range order[cutoff:] {
		logits[c.ids[idx]] = negInf
	}
}

// SampleLogits draws a token from softmax over the finite logits. It returns
// false if there is no finite candidate.
func SampleLogits(logits []float32, rng *rand.Rand) (int32, bool) {
	c := finiteCandidates(logits)
	if len(c.ids) == 0 {
		return 0, false
	}
	if len(c.ids) == 1 {
		return c.ids[0], true
	}
	probs := Softmax(c.logits)
	return c.ids[Sample(probs, rng)], true
}

// GreedyLogits returns the highest finite logit. It returns false if there is
// no finite candidate.
func GreedyLogits(logits []float32) (int32, bool) {
	c := finiteCandidates(logits)
	if len(c.ids) == 0 {
		return 0, false
	}
	return c.ids[Argmax(c.logits)], true
}

// Sample draws an index from a probability distribution.
func Sample(probs []float32, rng *rand.Rand) int32 {
	r := rng.Float32()
	var cumSum float32
	for i, p := range probs {
		cumSum += p
		if r < cumSum {
			return int32(i)
		}
	}
	// rounding left r above the total; take the last nonzero entry
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return int32(i)
		}
	}
	return int32(len(probs) - 1)
}

// LogProb returns log softmax(logits)[token] over the finite logits.
func LogProb(logits []float32, token int32) float64 {
	if int(token) >= len(logits) || math.IsInf(float64(logits[token]), -1) {
		return math.Inf(-1)
	}
	c := finiteCandidates(logits)
	maxVal := c.logits[Argmax(c.logits)]
	var sum float64
	for _, v := range c.logits {
		sum += math.Exp(float64(v - maxVal))
	}
	return float64(logits[token]-maxVal) - math.Log(sum)
}
