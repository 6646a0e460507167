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

// Package tricd runs three-way contrastive decoding for vision-language
// models. Every step combines the next-token logits of the model conditioned
// on the original image, on a noise-perturbed copy, and on a copy masked down
// to the regions relevant to the question.
package tricd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/tricd/lib/backends"
	"github.com/antflydb/tricd/lib/branches"
	"github.com/antflydb/tricd/lib/diffusion"
	"github.com/antflydb/tricd/lib/fusion"
	"github.com/antflydb/tricd/lib/pipelines"
	"github.com/antflydb/tricd/lib/saliency"
)

// Sample is one generation request.
type Sample struct {
	// Prompt is the tokenized prompt, including the image token.
	Prompt []int32
	// Image holds raw pixels in [0, 1] as produced by ImageProcessor.Pixels.
	Image *backends.ImageTensor
	// Query is the text the saliency branch masks the image for.
	Query string
}

// Output is the result of Engine.Generate.
type Output struct {
	*pipelines.GenerateResult
	// Tokens are the generated tokens of the single row.
	Tokens []int32
	// Augmentation is the saliency result, nil when the branch is disabled.
	// Its image holds raw pixels. Score, ratio and threshold are zero when the
	// masked image came from the signal cache.
	Augmentation *saliency.Result
}

// Engine derives the conditioning images for a sample and runs the
// contrastive generator over them.
type Engine struct {
	config    *Config
	generator *pipelines.ContrastiveGenerator
	processor *pipelines.ImageProcessor
	perturber *diffusion.Perturber
	augmenter *saliency.Augmenter
	relevance saliency.RelevanceModel
	models    branches.Models
	cache     *SignalCache
	logger    *zap.Logger
}

// NewEngine creates an engine. relevance may be nil when UseSaliency is off.
func NewEngine(config *Config, models branches.Models, relevance saliency.RelevanceModel, logger *zap.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if models[branches.Base] == nil {
		return nil, fmt.Errorf("no model for %s branch", branches.Base)
	}
	if config.UseSaliency && relevance == nil {
		return nil, errors.New("saliency branch enabled without a relevance model")
	}

	generator, err := pipelines.NewContrastiveGenerator(config.Generation, logger.Named("generator"))
	if err != nil {
		return nil, err
	}
	generator.ForwardObserver = func(v branches.Variant, d time.Duration, err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		RecordBranchForward(v.String(), status, d.Seconds())
	}

	perturber := diffusion.NewPerturber(logger.Named("diffusion"))
	perturber.OnInvalidStep = func(requested, clipped int) {
		RecordInvalidNoiseStep()
	}

	e := &Engine{
		config:    config,
		generator: generator,
		processor: pipelines.NewImageProcessor(config.Image),
		perturber: perturber,
		augmenter: saliency.NewAugmenter(logger.Named("saliency"), saliency.WithBlur(config.SaliencyBlur)),
		relevance: relevance,
		models:    models,
		logger:    logger,
	}
	if !config.DisableCache {
		e.cache = NewSignalCache(config.CacheTTL, logger.Named("signal_cache"))
	}
	return e, nil
}

// Generator returns the underlying generator so callers can add stopping
// criteria or step callbacks.
func (e *Engine) Generator() *pipelines.ContrastiveGenerator { return e.generator }

// Processor returns the image processor matching the model's input size.
func (e *Engine) Processor() *pipelines.ImageProcessor { return e.processor }

// CacheStats returns signal cache statistics, or zero values when caching
// is disabled.
func (e *Engine) CacheStats() SignalCacheStats {
	if e.cache == nil {
		return SignalCacheStats{}
	}
	return e.cache.Stats()
}

// Close stops the signal cache. Models are owned by the caller.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

func (e *Engine) derive(
	ctx context.Context,
	key SignalKey,
	fn func(ctx context.Context) (*backends.ImageTensor, error),
) (*backends.ImageTensor, error) {
	if e.cache == nil {
		return fn(ctx)
	}
	return e.cache.GetOrDerive(ctx, key, fn)
}

// Conditionings derives the base, perturbed and masked conditioning images
// for s. A saliency failure drops the masked branch and is reported in the
// returned result rather than as an error.
func (e *Engine) Conditionings(ctx context.Context, s *Sample) (branches.Conditionings, *saliency.Result, error) {
	var conds branches.Conditionings
	if s.Image == nil {
		return conds, nil, errors.New("sample has no image")
	}
	if err := s.Image.Validate(); err != nil {
		return conds, nil, fmt.Errorf("sample image: %w", err)
	}

	base := e.processor.Normalize(s.Image)
	conds.Base = []*backends.ImageTensor{base}

	if e.config.UseNoise {
		step := e.config.Generation.NoiseStep
		seed := e.config.Generation.Seed ^ int64(ImageHash(s.Image))
		key := SignalKey{Variant: branches.Perturbed, Source: s.Image, Step: step, Seed: seed}
		perturbed, err := e.derive(ctx, key, func(context.Context) (*backends.ImageTensor, error) {
			return e.perturber.Perturb(base, step, seed), nil
		})
		if err != nil {
			return conds, nil, err
		}
		conds.Perturbed = []*backends.ImageTensor{perturbed}
	}

	if !e.config.UseSaliency {
		return conds, nil, nil
	}

	var result saliency.Result
	key := SignalKey{Variant: branches.Masked, Source: s.Image, Query: s.Query}
	raw, err := e.derive(ctx, key, func(ctx context.Context) (*backends.ImageTensor, error) {
		result = e.augmenter.Augment(ctx, s.Image, s.Query, e.relevance)
		if !result.OK() {
			return nil, result.Err
		}
		return result.Image, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return conds, nil, ctxErr
		}
		stage := "unknown"
		var augErr *saliency.AugmentationError
		if errors.As(err, &augErr) {
			stage = augErr.Stage
		}
		RecordAugmentationFailure(stage)
		e.logger.Warn("Dropping saliency branch for sample",
			zap.String("stage", stage),
			zap.Error(err))
		if result.Err == nil {
			result.Err = err
		}
		return conds, &result, nil
	}
	if result.Image == nil {
		// served from the cache
		result.Image = raw
	}
	conds.Masked = []*backends.ImageTensor{e.processor.Normalize(raw)}
	return conds, &result, nil
}

// Generate decodes one sample with every enabled branch.
func (e *Engine) Generate(ctx context.Context, s *Sample) (*Output, error) {
	if s == nil || len(s.Prompt) == 0 {
		return nil, errors.New("empty prompt")
	}

	start := time.Now()
	conds, aug, err := e.Conditionings(ctx, s)
	if err != nil {
		return nil, err
	}

	mode := fusion.SelectMode(len(conds.Perturbed) > 0, len(conds.Masked) > 0)
	RecordGenerateRequest(mode.String())
	RecordActiveBranches(len(conds.Active()))

	result, err := e.generator.Generate(ctx, [][]int32{s.Prompt}, conds, e.models)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, fusion.ErrDegenerateDistribution) {
			RecordDegenerateDistribution(mode.String())
		}
	}
	RecordGenerateDuration(mode.String(), status, time.Since(start).Seconds())

	out := &Output{GenerateResult: result, Augmentation: aug}
	if result != nil && len(result.Sequences) > 0 {
		out.Tokens = result.Sequences[0]
		RecordTokenGeneration(mode.String(), len(out.Tokens))
	}
	if err != nil {
		return out, err
	}

	e.logger.Debug("Generated sample",
		zap.Stringer("mode", mode),
		zap.Int("tokens", len(out.Tokens)),
		zap.String("reason", string(result.Reason)),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}
