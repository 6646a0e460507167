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

package backends

import (
	"context"
	"fmt"
)

// Model is a conditional scoring function. Given the token prefix, the
// branch's own cache and its conditioning image it returns next-token logits
// and an updated cache.
//
// A Model may be shared by several branches, but each call must only read the
// cache passed in and must return a fresh cache; caches are never shared.
type Model interface {
	// Forward runs inference on the given inputs and returns the model outputs.
	// The context can be used for cancellation and timeout.
	Forward(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error)

	// Close releases resources associated with the model.
	Close() error

	// Name returns the model name for logging and debugging.
	Name() string

	// Backend returns the backend type this model uses.
	Backend() BackendType
}

// ForwardFunc is the signature of an in-process scoring function.
type ForwardFunc func(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error)

// FuncModel adapts a ForwardFunc to the Model interface.
type FuncModel struct {
	name string
	fn   ForwardFunc
}

// NewFuncModel wraps fn as a Model.
func NewFuncModel(name string, fn ForwardFunc) *FuncModel {
	return &FuncModel{name: name, fn: fn}
}

// Forward calls the wrapped function.
func (m *FuncModel) Forward(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error) {
	if m.fn == nil {
		return nil, fmt.Errorf("model %s has no forward function", m.name)
	}
	return m.fn(ctx, inputs)
}

func (m *FuncModel) Close() error         { return nil }
func (m *FuncModel) Name() string         { return m.name }
func (m *FuncModel) Backend() BackendType { return BackendFunc }

// LastTokenInputs returns, for each row, only the newest token.
func LastTokenInputs(rows [][]int32) [][]int32 {
	out := make([][]int32, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			out[i] = nil
			continue
		}
		out[i] = row[len(row)-1:]
	}
	return out
}

// CopyRows deep-copies token rows so callers can't mutate shared state.
func CopyRows(rows [][]int32) [][]int32 {
	out := make([][]int32, len(rows))
	for i, row := range rows {
		out[i] = append([]int32(nil), row...)
	}
	return out
}
