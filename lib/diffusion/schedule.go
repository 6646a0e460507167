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

// Package diffusion derives the perturbed conditioning image by running the
// forward process of a DDPM-style diffusion schedule up to a chosen step.
package diffusion

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// NumSteps is the length of the diffusion schedule.
const NumSteps = 1000

const (
	betaMin = 1e-5
	betaMax = 5e-3
)

// ErrInvalidStep reports a noise step outside [0, NumSteps).
var ErrInvalidStep = errors.New("invalid noise step")

// Schedule holds the per-step corruption rates and the cumulative retention
// coefficients derived from them.
type Schedule struct {
	betas     []float64
	retention []float64
}

var defaultSchedule = sync.OnceValue(func() *Schedule { return NewSchedule(NumSteps) })

// DefaultSchedule returns the shared NumSteps schedule.
func DefaultSchedule() *Schedule {
	return defaultSchedule()
}

// NewSchedule builds a sigmoid-shaped schedule over n steps. Rates increase
// monotonically from about betaMin to about betaMax.
func NewSchedule(n int) *Schedule {
	s := &Schedule{
		betas:     make([]float64, n),
		retention: make([]float64, n),
	}
	prod := 1.0
	for t := 0; t < n; t++ {
		x := -6.0
		if n > 1 {
			x = -6 + 12*float64(t)/float64(n-1)
		}
		beta := sigmoid(x)*(betaMax-betaMin) + betaMin
		s.betas[t] = beta
		prod *= 1 - beta
		s.retention[t] = prod
	}
	return s
}

// Len returns the number of steps.
func (s *Schedule) Len() int { return len(s.betas) }

// Beta returns the corruption rate at step t.
func (s *Schedule) Beta(t int) float64 { return s.betas[t] }

// Retention returns the cumulative signal-retention coefficient at step t.
func (s *Schedule) Retention(t int) float64 { return s.retention[t] }

// Complement returns 1 - Retention(t).
func (s *Schedule) Complement(t int) float64 { return 1 - s.retention[t] }

// ClipStep clamps step into [0, Len()). The error wraps ErrInvalidStep when
// clipping was needed; the clipped step is always usable.
func (s *Schedule) ClipStep(step int) (int, error) {
	last := s.Len() - 1
	switch {
	case step < 0:
		return 0, fmt.Errorf("%w: %d clipped to 0", ErrInvalidStep, step)
	case step > last:
		return last, fmt.Errorf("%w: %d clipped to %d", ErrInvalidStep, step, last)
	}
	return step, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
