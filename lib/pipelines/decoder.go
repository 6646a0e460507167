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
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/antflydb/tricd/lib/backends"
	"github.com/antflydb/tricd/lib/branches"
	"github.com/antflydb/tricd/lib/fusion"
)

var tracer = otel.Tracer("tricd.pipelines")

// DecoderPhase is the controller state.
type DecoderPhase int

const (
	PhaseRunning DecoderPhase = iota
	PhaseStepDone
	PhaseFinished
)

func (p DecoderPhase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseStepDone:
		return "step_done"
	case PhaseFinished:
		return "finished"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// StopReason explains why generation finished.
type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_new_tokens"
	StopCriteria  StopReason = "stopping_criteria"
)

// StopState is what a StoppingCriterion sees after a committed step.
type StopState struct {
	// Step is the index of the step that was just committed.
	Step int
	// Started is when the current Generate call began its first step.
	Started time.Time
	// Generated holds the tokens generated so far per row.
	Generated [][]int32
}

// StoppingCriterion is evaluated after every committed step. Returning true
// finishes generation. Criteria are shared by every Generate call on a
// generator, so per-call state comes from StopState.
type StoppingCriterion func(state StopState) bool

// MaxTime stops generation once d has elapsed since the call's first step.
func MaxTime(d time.Duration) StoppingCriterion {
	return func(state StopState) bool {
		return time.Since(state.Started) >= d
	}
}

// StopOnSequences stops once every row ends with one of seqs.
func StopOnSequences(seqs ...[]int32) StoppingCriterion {
	return func(state StopState) bool {
		for _, row := range state.Generated {
			if !endsWithAny(row, seqs) {
				return false
			}
		}
		return len(state.Generated) > 0
	}
}

func endsWithAny(row []int32, seqs [][]int32) bool {
	for _, seq := range seqs {
		if len(seq) == 0 || len(seq) > len(row) {
			continue
		}
		tail := row[len(row)-len(seq):]
		match := true
		for i := range seq {
			if tail[i] != seq[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// GenerateResult holds the result of contrastive generation.
type GenerateResult struct {
	// Sequences are the generated tokens per row, excluding the prompt.
	// Rows that finished early are padded with the pad token.
	Sequences [][]int32
	// Finished reports per row whether an end-of-sequence token was sampled.
	Finished []bool
	// LogProbs is the cumulative log probability per row under the fused
	// distribution.
	LogProbs []float64
	// Steps is the number of committed steps.
	Steps int
	// Mode is the fusion rule that was applied.
	Mode fusion.Mode
	// Variants are the branches that took part.
	Variants []branches.Variant
	// Scores holds the fused, gated logits of every step per row when
	// OutputScores is set. Rows that had already finished are nil.
	Scores [][][]float32
	// Reason is why generation stopped.
	Reason StopReason
}

// ContrastiveGenerator drives the base, perturbed and masked branches in
// lock step and samples one token per row from their fused logits.
type ContrastiveGenerator struct {
	Config *backends.GenerationConfig
	// Fuser combines and gates the branch logits.
	Fuser fusion.Fuser
	// StoppingCriteria are evaluated after every step.
	StoppingCriteria []StoppingCriterion
	// OnStep is called with each step's sampled tokens, one per row.
	OnStep func(step int, tokens []int32)
	// ForwardObserver is passed to the dispatcher.
	ForwardObserver branches.ForwardObserver

	logger *zap.Logger
}

// NewContrastiveGenerator validates config and returns a generator whose
// fuser is the policy described by config.
func NewContrastiveGenerator(config *backends.GenerationConfig, logger *zap.Logger) (*ContrastiveGenerator, error) {
	if config == nil {
		config = backends.DefaultGenerationConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContrastiveGenerator{
		Config: config,
		Fuser:  PolicyFromConfig(config),
		logger: logger,
	}, nil
}

// PolicyFromConfig extracts the fusion policy from a generation config.
func PolicyFromConfig(config *backends.GenerationConfig) fusion.Policy {
	return fusion.Policy{
		AlphaNoise:  config.AlphaNoise,
		BetaNoise:   config.BetaNoise,
		AlphaAug:    config.AlphaAug,
		BetaAug:     config.BetaAug,
		DisableGate: config.DisableGate,
	}
}

// session is the per-call state owned by the controller.
type session struct {
	rows      [][]int32
	generated [][]int32
	finished  []bool
	logProbs  []float64
	phase     DecoderPhase
}

func (s *session) allFinished() bool {
	for _, f := range s.finished {
		if !f {
			return false
		}
	}
	return true
}

// Generate decodes from prompts, one row per prompt, against every
// conditioning present in conds. A branch forward failure or a degenerate
// distribution aborts the call; the partial result is returned with the error.
func (g *ContrastiveGenerator) Generate(
	ctx context.Context,
	prompts [][]int32,
	conds branches.Conditionings,
	models branches.Models,
) (result *GenerateResult, err error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no prompts")
	}
	for i, p := range prompts {
		if len(p) == 0 {
			return nil, fmt.Errorf("prompt %d is empty", i)
		}
	}

	dispatcher, err := branches.NewDispatcher(conds, models,
		branches.WithConcurrency(g.Config.BranchConcurrency),
		branches.WithLogger(g.logger),
		branches.WithForwardObserver(g.ForwardObserver),
	)
	if err != nil {
		return nil, err
	}

	mode := fusion.SelectMode(dispatcher.Has(branches.Perturbed), dispatcher.Has(branches.Masked))
	ctx, span := tracer.Start(ctx, "contrastive.generate", trace.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.Int("rows", len(prompts)),
		attribute.Int("max_new_tokens", g.Config.MaxNewTokens),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s := &session{
		rows:      backends.CopyRows(prompts),
		generated: make([][]int32, len(prompts)),
		finished:  make([]bool, len(prompts)),
		logProbs:  make([]float64, len(prompts)),
		phase:     PhaseRunning,
	}
	result = &GenerateResult{
		Mode:     mode,
		Variants: dispatcher.Variants(),
		Reason:   StopMaxTokens,
	}
	defer func() {
		result.Sequences = s.generated
		result.Finished = s.finished
		result.LogProbs = s.logProbs
		result.Steps = dispatcher.Step()
	}()

	rng := rand.New(rand.NewSource(g.Config.Seed))
	g.logger.Debug("Starting contrastive generation",
		zap.Stringer("mode", mode),
		zap.Int("rows", len(prompts)),
		zap.Int("branches", len(result.Variants)))

	started := time.Now()
	for step := 0; step < g.Config.MaxNewTokens; step++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		tokens, scores, err := g.step(ctx, dispatcher, mode, s, step, rng)
		if err != nil {
			return result, err
		}
		s.phase = PhaseStepDone

		for i, tok := range tokens {
			s.rows[i] = append(s.rows[i], tok)
			s.generated[i] = append(s.generated[i], tok)
		}
		dispatcher.Commit()
		if g.Config.OutputScores {
			result.Scores = append(result.Scores, scores)
		}
		for i, tok := range tokens {
			if !s.finished[i] && g.Config.IsEOS(tok) {
				s.finished[i] = true
			}
		}
		if g.OnStep != nil {
			g.OnStep(step, tokens)
		}

		if s.allFinished() {
			s.phase = PhaseFinished
			result.Reason = StopEOS
			break
		}
		if g.stop(StopState{Step: step, Started: started, Generated: s.generated}) {
			s.phase = PhaseFinished
			result.Reason = StopCriteria
			break
		}
		s.phase = PhaseRunning
	}
	s.phase = PhaseFinished

	g.logger.Debug("Contrastive generation finished",
		zap.String("reason", string(result.Reason)),
		zap.Int("steps", dispatcher.Step()))
	return result, nil
}

func (g *ContrastiveGenerator) stop(state StopState) bool {
	for _, c := range g.StoppingCriteria {
		if c(state) {
			return true
		}
	}
	return false
}

// step runs one Running -> StepDone transition and returns the token chosen
// for every row.
func (g *ContrastiveGenerator) step(
	ctx context.Context,
	dispatcher *branches.Dispatcher,
	mode fusion.Mode,
	s *session,
	step int,
	rng *rand.Rand,
) ([]int32, [][]float32, error) {
	logits, err := dispatcher.Advance(ctx, s.rows)
	if err != nil {
		return nil, nil, err
	}
	base := logits.Get(branches.Base)
	noise := logits.Get(branches.Perturbed)
	aug := logits.Get(branches.Masked)

	tokens := make([]int32, len(s.rows))
	var scores [][]float32
	if g.Config.OutputScores {
		scores = make([][]float32, len(s.rows))
	}

	for row := range s.rows {
		if s.finished[row] {
			tokens[row] = g.Config.PadTokenID
			continue
		}

		var noiseRow, augRow []float32
		if noise != nil {
			noiseRow = noise[row]
		}
		if aug != nil {
			augRow = aug[row]
		}

		fused, err := g.Fuser.Mix(base[row], noiseRow, augRow)
		if err != nil {
			return nil, nil, fmt.Errorf("fusing logits for row %d: %w", row, err)
		}

		ApplyTemperature(fused, g.Config.Temperature)
		if g.Config.DoSample {
			MaskTopK(fused, g.Config.TopK)
			MaskTopP(fused, g.Config.TopP)
		}

		if err := g.Fuser.Gate(mode, base[row], fused); err != nil {
			var degenerate *fusion.DegenerateDistributionError
			if errors.As(err, &degenerate) {
				degenerate.Row = row
				degenerate.Step = step
			}
			return nil, nil, err
		}

		var tok int32
		var ok bool
		if g.Config.DoSample {
			tok, ok = SampleLogits(fused, rng)
		} else {
			tok, ok = GreedyLogits(fused)
		}
		if !ok {
			return nil, nil, &fusion.DegenerateDistributionError{Mode: mode, Row: row, Step: step}
		}
		tokens[row] = tok
		s.logProbs[row] += LogProb(fused, tok)
		if scores != nil {
			scores[row] = fused
		}
	}
	return tokens, scores, nil
}
