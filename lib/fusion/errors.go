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

package fusion

import (
	"errors"
	"fmt"
)

// ErrDegenerateDistribution is returned when no candidate token survives the gate.
var ErrDegenerateDistribution = errors.New("degenerate distribution")

// DegenerateDistributionError carries what a caller needs to relax the gate.
type DegenerateDistributionError struct {
	Mode    Mode
	Beta    float32
	Cutoff  float64
	MaxBase float64
	// Row is the batch row, filled in by the controller.
	Row int
	// Step is the generation step, filled in by the controller.
	Step int
}

func (e *DegenerateDistributionError) Error() string {
	return fmt.Sprintf("%s at step %d row %d: no candidate survives gate (mode=%s beta=%g cutoff=%g max_base=%g); widen beta or disable the gate",
		ErrDegenerateDistribution, e.Step, e.Row, e.Mode, e.Beta, e.Cutoff, e.MaxBase)
}

func (e *DegenerateDistributionError) Is(target error) bool {
	return target == ErrDegenerateDistribution
}
