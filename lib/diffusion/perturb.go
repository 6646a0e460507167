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
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/antflydb/tricd/lib/backends"
)

// Perturber produces noise-perturbed copies of conditioning images.
type Perturber struct {
	schedule *Schedule
	logger   *zap.Logger

	// OnInvalidStep, if set, is called whenever a step had to be clipped.
	OnInvalidStep func(requested, clipped int)
}

// NewPerturber returns a Perturber using the default schedule.
func NewPerturber(logger *zap.Logger) *Perturber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Perturber{
		schedule: DefaultSchedule(),
		logger:   logger,
	}
}

// Schedule returns the schedule in use.
func (p *Perturber) Schedule() *Schedule { return p.schedule }

// Perturb returns sqrt(a)*img + sqrt(1-a)*noise where a is the retention at
// step and noise is standard normal drawn from a source seeded with seed.
// Out-of-range steps are clipped with a warning. The input is not modified.
func (p *Perturber) Perturb(img *backends.ImageTensor, step int, seed int64) *backends.ImageTensor {
	clipped, err := p.schedule.ClipStep(step)
	if err != nil {
		p.logger.Warn("Noise step out of range, clipping",
			zap.Int("requested", step),
			zap.Int("clipped", clipped),
			zap.Int("num_steps", p.schedule.Len()))
		if p.OnInvalidStep != nil {
			p.OnInvalidStep(step, clipped)
		}
	}

	signal := math.Sqrt(p.schedule.Retention(clipped))
	noise := math.Sqrt(p.schedule.Complement(clipped))
	rng := rand.New(rand.NewSource(seed))

	out := &backends.ImageTensor{
		Data:     make([]float32, len(img.Data)),
		Channels: img.Channels,
		Height:   img.Height,
		Width:    img.Width,
	}
	for i, v := range img.Data {
		out.Data[i] = float32(signal*float64(v) + noise*rng.NormFloat64())
	}

	p.logger.Debug("Added diffusion noise",
		zap.Int("step", clipped),
		zap.Float64("retention", p.schedule.Retention(clipped)))
	return out
}
