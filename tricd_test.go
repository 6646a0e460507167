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

package tricd

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antflydb/tricd/lib/backends"
	"github.com/antflydb/tricd/lib/branches"
	"github.com/antflydb/tricd/lib/fusion"
	"github.com/antflydb/tricd/lib/saliency"
)

// fixedModel returns the same logits every step and records the image it
// was prefilled with.
type fixedModel struct {
	name   string
	logits []float32

	mu      sync.Mutex
	calls   int
	prefill []float32
}

func (m *fixedModel) Forward(_ context.Context, in *backends.ModelInputs) (*backends.ModelOutput, error) {
	m.mu.Lock()
	m.calls++
	if len(in.ImagePixels) > 0 {
		m.prefill = append([]float32(nil), in.ImagePixels...)
	}
	m.mu.Unlock()

	seqLen := len(in.InputIDs[0])
	if in.PastKeyValues != nil {
		seqLen += in.PastKeyValues.SeqLen
	}
	out := make([][]float32, len(in.InputIDs))
	for i := range out {
		out[i] = append([]float32(nil), m.logits...)
	}
	return &backends.ModelOutput{
		Logits:        out,
		PastKeyValues: &backends.KVCache{SeqLen: seqLen, BatchSize: len(in.InputIDs)},
	}, nil
}

func (m *fixedModel) Close() error                  { return nil }
func (m *fixedModel) Name() string                  { return m.name }
func (m *fixedModel) Backend() backends.BackendType { return backends.BackendFunc }

type countingRelevance struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRelevance) MatchScore(context.Context, *backends.ImageTensor, string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 1, r.err
}

func (r *countingRelevance) RelevanceMap(context.Context, *backends.ImageTensor, string) (*backends.RelevanceMap, error) {
	m := &backends.RelevanceMap{Height: 4, Width: 4, Data: make([]float32, 16)}
	for i := range m.Data {
		m.Data[i] = float32(i)
	}
	return m, nil
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.SaliencyBlur = false
	cfg.Generation.MaxNewTokens = 3
	cfg.Generation.DoSample = false
	cfg.Generation.EOSTokenIDs = []int32{3}
	cfg.Image.Width, cfg.Image.Height = 4, 4
	return cfg
}

func testSample() *Sample {
	img := backends.NewImageTensor(3, 4, 4)
	for i := range img.Data {
		img.Data[i] = 0.5
	}
	return &Sample{Prompt: []int32{1, 7, 8}, Image: img, Query: "Is there a dog?"}
}

func threeModels() (branches.Models, *fixedModel, *fixedModel, *fixedModel) {
	base := &fixedModel{name: "base", logits: []float32{5, 1, 1, 0}}
	noise := &fixedModel{name: "noise", logits: []float32{1, 5, 1, 0}}
	aug := &fixedModel{name: "aug", logits: []float32{1, 1, 1, 0}}
	return branches.Models{branches.Base: base, branches.Perturbed: noise, branches.Masked: aug}, base, noise, aug
}

func TestEngineThreeBranches(t *testing.T) {
	models, base, noise, aug := threeModels()
	engine, err := NewEngine(testConfig(), models, &countingRelevance{}, zap.NewNop())
	require.NoError(t, err)
	defer engine.Close()

	out, err := engine.Generate(context.Background(), testSample())
	require.NoError(t, err)

	assert.Equal(t, fusion.ModeBoth, out.Mode)
	assert.Equal(t, []branches.Variant{branches.Base, branches.Perturbed, branches.Masked}, out.Variants)
	assert.Equal(t, []int32{0, 0, 0}, out.Tokens)
	require.NotNil(t, out.Augmentation)
	assert.NoError(t, out.Augmentation.Err)
	assert.InDelta(t, 0.5, out.Augmentation.Ratio, 1e-9)

	assert.Equal(t, 3, base.calls)
	assert.Equal(t, 3, noise.calls)
	assert.Equal(t, 3, aug.calls)
	assert.NotEqual(t, base.prefill, noise.prefill)
	assert.NotEqual(t, base.prefill, aug.prefill)
	assert.Len(t, aug.prefill, len(base.prefill))
}

func TestEngineDropsFailedSaliencyBranch(t *testing.T) {
	models, _, _, aug := threeModels()
	rel := &countingRelevance{err: errors.New("itm model offline")}
	engine, err := NewEngine(testConfig(), models, rel, nil)
	require.NoError(t, err)
	defer engine.Close()

	before := testutil.ToFloat64(augmentationFailures.WithLabelValues("match score"))
	out, err := engine.Generate(context.Background(), testSample())
	require.NoError(t, err)

	assert.Equal(t, fusion.ModeNoise, out.Mode)
	assert.Len(t, out.Variants, 2)
	assert.Zero(t, aug.calls)
	require.NotNil(t, out.Augmentation)
	assert.ErrorIs(t, out.Augmentation.Err, saliency.ErrAugmentation)
	assert.Equal(t, before+1, testutil.ToFloat64(augmentationFailures.WithLabelValues("match score")))

	// the failure is not cached
	_, err = engine.Generate(context.Background(), testSample())
	require.NoError(t, err)
	assert.Equal(t, 2, rel.calls)
}

func TestEngineCachesSignals(t *testing.T) {
	models, _, _, _ := threeModels()
	rel := &countingRelevance{}
	engine, err := NewEngine(testConfig(), models, rel, nil)
	require.NoError(t, err)
	defer engine.Close()

	first, err := engine.Generate(context.Background(), testSample())
	require.NoError(t, err)
	second, err := engine.Generate(context.Background(), testSample())
	require.NoError(t, err)

	assert.Equal(t, 1, rel.calls)
	stats := engine.CacheStats()
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, first.Tokens, second.Tokens)
	require.NotNil(t, second.Augmentation)
	assert.True(t, second.Augmentation.OK())
}

func TestEngineWithoutCache(t *testing.T) {
	models, _, _, _ := threeModels()
	cfg := testConfig()
	cfg.DisableCache = true
	rel := &countingRelevance{}
	engine, err := NewEngine(cfg, models, rel, nil)
	require.NoError(t, err)
	defer engine.Close()

	a, _, err := engine.Conditionings(context.Background(), testSample())
	require.NoError(t, err)
	b, _, err := engine.Conditionings(context.Background(), testSample())
	require.NoError(t, err)

	assert.Equal(t, 2, rel.calls)
	assert.Equal(t, SignalCacheStats{}, engine.CacheStats())
	// perturbation is seeded from the config seed and the image
	assert.Equal(t, a.Perturbed[0].Data, b.Perturbed[0].Data)
	assert.NotEqual(t, a.Base[0].Data, a.Perturbed[0].Data)
}

func TestEngineBaseOnly(t *testing.T) {
	cfg := testConfig()
	cfg.UseNoise = false
	cfg.UseSaliency = false
	base := &fixedModel{name: "base", logits: []float32{0, 2, 1, 0}}
	engine, err := NewEngine(cfg, branches.SharedModel(base), nil, nil)
	require.NoError(t, err)
	defer engine.Close()

	out, err := engine.Generate(context.Background(), testSample())
	require.NoError(t, err)
	assert.Equal(t, fusion.ModePlain, out.Mode)
	assert.Nil(t, out.Augmentation)
	assert.Equal(t, []int32{1, 1, 1}, out.Tokens)

	// normalized with the configured mean and std
	want := (0.5 - cfg.Image.Mean[0]) / cfg.Image.Std[0]
	assert.InDelta(t, want, base.prefill[0], 1e-6)
}

func TestEngineClippedNoiseStep(t *testing.T) {
	cfg := testConfig()
	cfg.UseSaliency = false
	cfg.Generation.NoiseStep = 5000
	models, _, _, _ := threeModels()
	engine, err := NewEngine(cfg, models, nil, nil)
	require.NoError(t, err)
	defer engine.Close()

	before := testutil.ToFloat64(invalidNoiseSteps)
	_, err = engine.Generate(context.Background(), testSample())
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(invalidNoiseSteps))
}

func TestEngineDegenerateDistribution(t *testing.T) {
	cfg := testConfig()
	cfg.UseSaliency = false
	cfg.Generation.DoSample = true
	cfg.Generation.TopK = 1
	base := &fixedModel{name: "base", logits: []float32{5, 1, 1, 0}}
	// the noise branch pushes the only plausible token below the others
	noise := &fixedModel{name: "noise", logits: []float32{float32(math.MaxFloat32) / 4, 1, 1, 0}}
	engine, err := NewEngine(cfg, branches.Models{branches.Base: base, branches.Perturbed: noise}, nil, nil)
	require.NoError(t, err)
	defer engine.Close()

	before := testutil.ToFloat64(degenerateDistributions.WithLabelValues("noise"))
	out, err := engine.Generate(context.Background(), testSample())
	require.ErrorIs(t, err, fusion.ErrDegenerateDistribution)
	require.NotNil(t, out)
	assert.Empty(t, out.Tokens)
	assert.Equal(t, before+1, testutil.ToFloat64(degenerateDistributions.WithLabelValues("noise")))
}

func TestNewEngineValidation(t *testing.T) {
	models, _, _, _ := threeModels()

	_, err := NewEngine(testConfig(), branches.Models{}, &countingRelevance{}, nil)
	assert.ErrorContains(t, err, "no model for base branch")

	_, err = NewEngine(testConfig(), models, nil, nil)
	assert.ErrorContains(t, err, "relevance model")

	bad := testConfig()
	bad.Generation.Temperature = 0
	_, err = NewEngine(bad, models, &countingRelevance{}, nil)
	assert.Error(t, err)

	noImage := testConfig()
	noImage.Image = nil
	_, err = NewEngine(noImage, models, &countingRelevance{}, nil)
	assert.Error(t, err)
}

func TestEngineRejectsBadSamples(t *testing.T) {
	models, _, _, _ := threeModels()
	engine, err := NewEngine(testConfig(), models, &countingRelevance{}, nil)
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Generate(context.Background(), &Sample{Image: testSample().Image})
	assert.Error(t, err)

	_, err = engine.Generate(context.Background(), &Sample{Prompt: []int32{1}})
	assert.ErrorContains(t, err, "no image")
}
