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

package branches

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/tricd/lib/backends"
)

func image(fill float32) *backends.ImageTensor {
	img := backends.NewImageTensor(1, 2, 2)
	for i := range img.Data {
		img.Data[i] = fill
	}
	return img
}

func TestVariantString(t *testing.T) {
	for _, v := range Variants {
		parsed, err := ParseVariant(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	}
	_, err := ParseVariant("other")
	assert.Error(t, err)
}

func TestConditioningsActive(t *testing.T) {
	c := Conditionings{Base: []*backends.ImageTensor{image(1)}}
	assert.Equal(t, []Variant{Base}, c.Active())

	c.Masked = []*backends.ImageTensor{image(3)}
	assert.Equal(t, []Variant{Base, Masked}, c.Active())

	c.Perturbed = []*backends.ImageTensor{image(2)}
	assert.Equal(t, []Variant{Base, Perturbed, Masked}, c.Active())
}

func TestPrepareInputsSelectsConditioning(t *testing.T) {
	conds := Conditionings{
		Base:      []*backends.ImageTensor{image(1)},
		Perturbed: []*backends.ImageTensor{image(2)},
		Masked:    []*backends.ImageTensor{image(3), image(4)},
	}
	rows := [][]int32{{1, 5, 6}, {1, 7, 8}}

	for v, want := range map[Variant][]float32{
		Base:      {1, 1, 1, 1, 1, 1, 1, 1},
		Perturbed: {2, 2, 2, 2, 2, 2, 2, 2},
		Masked:    {3, 3, 3, 3, 4, 4, 4, 4},
	} {
		in, err := PrepareInputs(v, rows, nil, conds)
		require.NoError(t, err, v.String())
		assert.Equal(t, want, in.ImagePixels, v.String())
		assert.Equal(t, rows, in.InputIDs)
		assert.Equal(t, 2, in.ImageBatch)
		assert.Equal(t, 1, in.ImageChannels)
	}
}

func TestPrepareInputsWithCache(t *testing.T) {
	conds := Conditionings{Base: []*backends.ImageTensor{image(1)}}
	cache := &backends.KVCache{SeqLen: 3}
	in, err := PrepareInputs(Base, [][]int32{{1, 2, 3}}, cache, conds)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{3}}, in.InputIDs)
	assert.Empty(t, in.ImagePixels)
	assert.Same(t, cache, in.PastKeyValues)
}

func TestPrepareInputsErrors(t *testing.T) {
	conds := Conditionings{
		Base:   []*backends.ImageTensor{image(1), image(1), image(1)},
		Masked: []*backends.ImageTensor{image(1), backends.NewImageTensor(1, 3, 3)},
	}
	_, err := PrepareInputs(Perturbed, [][]int32{{1}}, nil, conds)
	assert.Error(t, err)
	_, err = PrepareInputs(Base, [][]int32{{1}, {2}}, nil, conds)
	assert.Error(t, err)
	_, err = PrepareInputs(Masked, [][]int32{{1}, {2}}, nil, conds)
	assert.Error(t, err)
	_, err = PrepareInputs(Base, nil, nil, conds)
	assert.Error(t, err)
}

// recordingModel returns logits tagged with the first image pixel it was
// conditioned on and a cache that remembers it.
type recordingModel struct {
	mu     sync.Mutex
	caches []*backends.KVCache
	fail   map[float32]error
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (m *recordingModel) Forward(ctx context.Context, in *backends.ModelInputs) (*backends.ModelOutput, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	m.caches = append(m.caches, in.PastKeyValues)
	m.mu.Unlock()

	tag := float32(0)
	seqLen := 0
	if in.PastKeyValues != nil {
		tag = in.PastKeyValues.State.(float32)
		seqLen = in.PastKeyValues.SeqLen
	} else {
		tag = in.ImagePixels[0]
	}
	if err := m.fail[tag]; err != nil {
		return nil, err
	}
	logits := make([][]float32, len(in.InputIDs))
	for i := range logits {
		logits[i] = []float32{tag, float32(seqLen)}
	}
	return &backends.ModelOutput{
		Logits:        logits,
		PastKeyValues: &backends.KVCache{SeqLen: seqLen + len(in.InputIDs[0]), State: tag},
	}, nil
}

func (m *recordingModel) Close() error                  { return nil }
func (m *recordingModel) Name() string                  { return "recording" }
func (m *recordingModel) Backend() backends.BackendType { return backends.BackendFunc }

func threeWay() Conditionings {
	return Conditionings{
		Base:      []*backends.ImageTensor{image(1)},
		Perturbed: []*backends.ImageTensor{image(2)},
		Masked:    []*backends.ImageTensor{image(3)},
	}
}

func TestDispatcherKeepsCachesSeparate(t *testing.T) {
	model := &recordingModel{}
	d, err := NewDispatcher(threeWay(), SharedModel(model))
	require.NoError(t, err)
	assert.Equal(t, []Variant{Base, Perturbed, Masked}, d.Variants())

	rows := [][]int32{{1, 2}}
	for step := 0; step < 3; step++ {
		logits, err := d.Advance(context.Background(), rows)
		require.NoError(t, err)
		assert.Equal(t, float32(1), logits.Get(Base)[0][0])
		assert.Equal(t, float32(2), logits.Get(Perturbed)[0][0])
		assert.Equal(t, float32(3), logits.Get(Masked)[0][0])
		d.Commit()
		rows[0] = append(rows[0], int32(10+step))
	}
	assert.Equal(t, 3, d.Step())

	for _, b := range d.Branches() {
		require.NotNil(t, b.Cache())
		assert.Equal(t, float32(b.Variant()+1), b.Cache().State)
		// prefix of 2 then one token per step
		assert.Equal(t, 4, b.Cache().SeqLen)
	}
}

func TestDispatcherInactiveBranchesAreNil(t *testing.T) {
	conds := Conditionings{Base: []*backends.ImageTensor{image(1)}}
	d, err := NewDispatcher(conds, SharedModel(&recordingModel{}))
	require.NoError(t, err)
	assert.False(t, d.Has(Perturbed))

	logits, err := d.Advance(context.Background(), [][]int32{{1}})
	require.NoError(t, err)
	assert.NotNil(t, logits.Get(Base))
	assert.Nil(t, logits.Get(Perturbed))
	assert.Nil(t, logits.Get(Masked))
}

func TestDispatcherForwardError(t *testing.T) {
	boom := errors.New("out of memory")
	model := &recordingModel{fail: map[float32]error{2: boom}}

	var observed []Variant
	var mu sync.Mutex
	d, err := NewDispatcher(threeWay(), SharedModel(model), WithForwardObserver(func(v Variant, _ time.Duration, err error) {
		if err != nil {
			mu.Lock()
			observed = append(observed, v)
			mu.Unlock()
		}
	}))
	require.NoError(t, err)

	_, err = d.Advance(context.Background(), [][]int32{{1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchForward)
	assert.ErrorIs(t, err, boom)

	var fwdErr *BranchForwardError
	require.ErrorAs(t, err, &fwdErr)
	assert.Equal(t, Perturbed, fwdErr.Variant)
	assert.Equal(t, 0, fwdErr.Step)
	assert.Equal(t, []Variant{Perturbed}, observed)
}

func TestDispatcherRunsBranchesConcurrently(t *testing.T) {
	model := &recordingModel{delay: 20 * time.Millisecond}
	d, err := NewDispatcher(threeWay(), SharedModel(model))
	require.NoError(t, err)
	_, err = d.Advance(context.Background(), [][]int32{{1}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), model.peak.Load())

	limited := &recordingModel{delay: 5 * time.Millisecond}
	d, err = NewDispatcher(threeWay(), SharedModel(limited), WithConcurrency(1))
	require.NoError(t, err)
	_, err = d.Advance(context.Background(), [][]int32{{1}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), limited.peak.Load())
}

func TestDispatcherRowMismatch(t *testing.T) {
	model := backends.NewFuncModel("short", func(context.Context, *backends.ModelInputs) (*backends.ModelOutput, error) {
		return &backends.ModelOutput{Logits: [][]float32{{1}}}, nil
	})
	d, err := NewDispatcher(Conditionings{Base: []*backends.ImageTensor{image(1)}}, SharedModel(model))
	require.NoError(t, err)
	_, err = d.Advance(context.Background(), [][]int32{{1}, {2}})
	assert.ErrorIs(t, err, ErrBranchForward)
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(Conditionings{Masked: []*backends.ImageTensor{image(1)}}, SharedModel(&recordingModel{}))
	assert.Error(t, err)

	_, err = NewDispatcher(threeWay(), Models{Base: &recordingModel{}})
	assert.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "perturbed")
}
