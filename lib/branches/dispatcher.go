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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/tricd/lib/backends"
)

var tracer = otel.Tracer("tricd.branches")

// ErrBranchForward is matched by every BranchForwardError.
var ErrBranchForward = errors.New("branch forward failed")

// BranchForwardError reports a failed forward call. It aborts the generation call.
type BranchForwardError struct {
	Variant Variant
	Step    int
	Err     error
}

func (e *BranchForwardError) Error() string {
	return fmt.Sprintf("%s: %s branch at step %d: %v", ErrBranchForward, e.Variant, e.Step, e.Err)
}

func (e *BranchForwardError) Unwrap() error { return e.Err }

func (e *BranchForwardError) Is(target error) bool { return target == ErrBranchForward }

// Branch is one conditioning variant with its model and private cache.
type Branch struct {
	variant Variant
	model   backends.Model
	cache   *backends.KVCache
	pending *backends.KVCache
}

// Variant returns the branch's conditioning variant.
func (b *Branch) Variant() Variant { return b.variant }

// Cache returns the branch's committed cache.
func (b *Branch) Cache() *backends.KVCache { return b.cache }

// Logits holds one step's logits per variant, [batch][vocab]. Inactive
// variants are nil.
type Logits [numVariants][][]float32

// Get returns the logits of v.
func (l *Logits) Get(v Variant) [][]float32 { return l[v] }

// ForwardObserver is notified after every branch forward call.
type ForwardObserver func(variant Variant, elapsed time.Duration, err error)

// Dispatcher advances every active branch by one step.
type Dispatcher struct {
	conds    Conditionings
	branches []*Branch
	logger   *zap.Logger
	limit    int
	observer ForwardObserver
	step     int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrency caps how many branch forwards run at once. Zero means no limit.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) { d.limit = n }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithForwardObserver registers a callback invoked after each forward call.
func WithForwardObserver(fn ForwardObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observer = fn }
}

// Models maps each variant to its scoring model.
type Models map[Variant]backends.Model

// SharedModel uses one model for every variant. Branches still keep separate caches.
func SharedModel(m backends.Model) Models {
	return Models{Base: m, Perturbed: m, Masked: m}
}

// NewDispatcher creates one branch per active conditioning.
func NewDispatcher(conds Conditionings, models Models, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{conds: conds, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	active := conds.Active()
	if len(active) == 0 || active[0] != Base {
		return nil, fmt.Errorf("base conditioning is required")
	}
	for _, v := range active {
		model := models[v]
		if model == nil {
			return nil, fmt.Errorf("no model for %s branch", v)
		}
		d.branches = append(d.branches, &Branch{variant: v, model: model})
	}
	return d, nil
}

// Branches returns the active branches in dispatch order.
func (d *Dispatcher) Branches() []*Branch { return d.branches }

// Variants returns the active variants in dispatch order.
func (d *Dispatcher) Variants() []Variant {
	out := make([]Variant, len(d.branches))
	for i, b := range d.branches {
		out[i] = b.variant
	}
	return out
}

// Has reports whether v is active.
func (d *Dispatcher) Has(v Variant) bool {
	for _, b := range d.branches {
		if b.variant == v {
			return true
		}
	}
	return false
}

// Advance runs every branch's forward call for the current prefix
// concurrently and waits for all of them. Each branch writes only its own
// slot of the result. Any failure is returned as a BranchForwardError.
func (d *Dispatcher) Advance(ctx context.Context, rows [][]int32) (*Logits, error) {
	var out Logits
	g, gctx := errgroup.WithContext(ctx)
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}

	step := d.step
	for _, b := range d.branches {
		g.Go(func() error {
			logits, cache, err := d.forward(gctx, b, rows, step)
			if err != nil {
				return &BranchForwardError{Variant: b.variant, Step: step, Err: err}
			}
			out[b.variant] = logits
			b.pending = cache
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, b := range d.branches {
			b.pending = nil
		}
		return nil, err
	}
	return &out, nil
}

func (d *Dispatcher) forward(ctx context.Context, b *Branch, rows [][]int32, step int) ([][]float32, *backends.KVCache, error) {
	ctx, span := tracer.Start(ctx, "branch.forward", trace.WithAttributes(
		attribute.String("variant", b.variant.String()),
		attribute.Int("step", step),
		attribute.Int("rows", len(rows)),
	))
	defer span.End()

	start := time.Now()
	logits, cache, err := d.call(ctx, b, rows)
	if d.observer != nil {
		d.observer(b.variant, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Debug("Branch forward failed",
			zap.Stringer("variant", b.variant),
			zap.Int("step", step),
			zap.Error(err))
		return nil, nil, err
	}
	return logits, cache, nil
}

func (d *Dispatcher) call(ctx context.Context, b *Branch, rows [][]int32) ([][]float32, *backends.KVCache, error) {
	inputs, err := PrepareInputs(b.variant, rows, b.cache, d.conds)
	if err != nil {
		return nil, nil, err
	}
	output, err := b.model.Forward(ctx, inputs)
	if err != nil {
		return nil, nil, err
	}
	if output == nil {
		return nil, nil, fmt.Errorf("model %s returned no output", b.model.Name())
	}
	if len(output.Logits) != len(rows) {
		return nil, nil, fmt.Errorf("model %s returned %d logit rows for %d token rows",
			b.model.Name(), len(output.Logits), len(rows))
	}
	return output.Logits, output.PastKeyValues, nil
}

// Commit makes every branch adopt the cache returned by its own last
// forward call. The controller calls it after appending the sampled tokens.
func (d *Dispatcher) Commit() {
	for _, b := range d.branches {
		b.cache = b.pending
		b.pending = nil
	}
	d.step++
}

// Step returns the number of committed steps.
func (d *Dispatcher) Step() int { return d.step }
