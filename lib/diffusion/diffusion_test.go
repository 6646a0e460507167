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

package diffusion

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/antflydb/tricd/lib/backends"
)

func TestScheduleMonotonic(t *testing.T) {
	s := DefaultSchedule()
	require.Equal(t, NumSteps, s.Len())

	for i := 1; i < s.Len(); i++ {
		assert.Greater(t, s.Beta(i), s.Beta(i-1), "beta not increasing at %d", i)
		assert.Less(t, s.Retention(i), s.Retention(i-1), "retention not decreasing at %d", i)
	}
	assert.Greater(t, s.Beta(0), 0.0)
	assert.Less(t, s.Beta(s.Len()-1), betaMax)
	assert.InDelta(t, 1.0, s.Retention(0), 1e-4)
	assert.InDelta(t, 1-s.Retention(500), s.Complement(500), 1e-12)
}

func TestClipStep(t *testing.T) {
	s := DefaultSchedule()

	step, err := s.ClipStep(500)
	require.NoError(t, err)
	assert.Equal(t, 500, step)

	step, err = s.ClipStep(-3)
	assert.True(t, errors.Is(err, ErrInvalidStep))
	assert.Equal(t, 0, step)

	step, err = s.ClipStep(5000)
	assert.True(t, errors.Is(err, ErrInvalidStep))
	assert.Equal(t, NumSteps-1, step)
}

func TestPerturbStepZeroIsNearIdentity(t *testing.T) {
	p := NewPerturber(zap.NewNop())
	img := testImage()

	out := p.Perturb(img, 0, 55)
	require.True(t, out.SameShape(img))
	for i := range img.Data {
		assert.InDelta(t, img.Data[i], out.Data[i], 0.05)
	}
}

func TestPerturbLargeStepIsMostlyNoise(t *testing.T) {
	p := NewPerturber(zap.NewNop())
	img := testImage()

	out := p.Perturb(img, NumSteps-1, 55)
	var diff float64
	for i := range img.Data {
		diff += math.Abs(float64(out.Data[i] - img.Data[i]))
	}
	assert.Greater(t, diff/float64(len(img.Data)), 0.3)
}

func TestPerturbDeterministic(t *testing.T) {
	p := NewPerturber(zap.NewNop())
	img := testImage()

	a := p.Perturb(img, 500, 7)
	b := p.Perturb(img, 500, 7)
	c := p.Perturb(img, 500, 8)
	assert.Equal(t, a.Data, b.Data)
	assert.NotEqual(t, a.Data, c.Data)
}

func TestPerturbDoesNotModifyInput(t *testing.T) {
	p := NewPerturber(zap.NewNop())
	img := testImage()
	orig := img.Clone()
	_ = p.Perturb(img, 999, 1)
	assert.Equal(t, orig.Data, img.Data)
}

func TestPerturbClipsAndWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := NewPerturber(zap.New(core))

	var requested, clipped int
	p.OnInvalidStep = func(r, c int) { requested, clipped = r, c }

	img := testImage()
	out := p.Perturb(img, 1500, 3)
	require.True(t, out.SameShape(img))

	assert.Equal(t, 1, logs.FilterMessage("Noise step out of range, clipping").Len())
	assert.Equal(t, 1500, requested)
	assert.Equal(t, NumSteps-1, clipped)

	// clipped step produces the same output as the last valid step
	assert.Equal(t, p.Perturb(img, NumSteps-1, 3).Data, out.Data)
}

func testImage() *backends.ImageTensor {
	img := backends.NewImageTensor(3, 8, 8)
	for i := range img.Data {
		img.Data[i] = float32(i%17) / 17
	}
	return img
}
