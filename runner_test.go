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
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/tricd/lib/backends"
	"github.com/antflydb/tricd/lib/branches"
	"github.com/antflydb/tricd/lib/pope"
)

// byteTokenizer maps bytes to token ids.
type byteTokenizer struct {
	tokenizers.Tokenizer
}

func (byteTokenizer) Encode(text string) []int {
	out := make([]int, len(text))
	for i, b := range []byte(text) {
		out[i] = int(b)
	}
	return out
}

func (byteTokenizer) Decode(ids []int) string {
	b := make([]byte, len(ids))
	for i, id := range ids {
		b[i] = byte(id)
	}
	return string(b)
}

func (byteTokenizer) SpecialTokenID(api.SpecialToken) (int, error) { return 1, nil }

// spellingModel emits the bytes of word one per step, then the EOS token.
func spellingModel(word string, eos int32) backends.Model {
	return backends.NewFuncModel("speller", func(_ context.Context, in *backends.ModelInputs) (*backends.ModelOutput, error) {
		emitted := 0
		if in.PastKeyValues != nil {
			emitted = in.PastKeyValues.State.(int) + 1
		}
		next := eos
		if emitted < len(word) {
			next = int32(word[emitted])
		}
		logits := make([]float32, 128)
		logits[next] = 10
		out := make([][]float32, len(in.InputIDs))
		for i := range out {
			out[i] = logits
		}
		return &backends.ModelOutput{
			Logits:        out,
			PastKeyValues: &backends.KVCache{SeqLen: emitted + 1, State: emitted},
		}, nil
	})
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: 100, B: uint8(y * 30), A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func setupRun(t *testing.T) *RunConfig {
	t.Helper()
	dir := t.TempDir()
	images := filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(images, 0o755))
	writePNG(t, filepath.Join(images, "COCO_1.png"))

	questions := strings.Join([]string{
		`{"question_id": 1, "image": "COCO_1.png", "text": "Is there a dog in the image?", "label": "yes"}`,
		`{"question_id": 2, "image": "missing.png", "text": "Is there a cat in the image?", "label": "no"}`,
		`{"question_id": 3, "image": "COCO_1.png", "text": "Is there a car in the image?", "label": "no"}`,
	}, "\n")
	questionFile := filepath.Join(dir, "pope.jsonl")
	require.NoError(t, os.WriteFile(questionFile, []byte(questions), 0o644))

	return &RunConfig{
		QuestionFile: questionFile,
		AnswersFile:  filepath.Join(dir, "out", "answers.jsonl"),
		ImageFolder:  images,
		ModelID:      "llava-v1.5-7b",
		ConvMode:     "llava_v1",
		ImageTokenID: -200,
		AddBOS:       true,
	}
}

func TestRunnerWritesAnswers(t *testing.T) {
	cfg := testConfig()
	cfg.UseSaliency = false
	cfg.Generation.MaxNewTokens = 8
	engine, err := NewEngine(cfg, branches.SharedModel(spellingModel("Yes", 3)), nil, nil)
	require.NoError(t, err)
	defer engine.Close()

	runCfg := setupRun(t)
	runner, err := NewRunner(engine, byteTokenizer{}, runCfg, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, runner.RunID())

	stats, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Questions)
	assert.Equal(t, 2, stats.Answered)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, runner.RunID(), stats.RunID)
	assert.Positive(t, stats.Duration)

	answers, err := pope.ReadAnswersFile(runCfg.AnswersFile)
	require.NoError(t, err)
	require.Len(t, answers, 2)

	first := answers[0]
	assert.Equal(t, 1, first.QuestionID)
	assert.Equal(t, "Yes", first.Text)
	assert.Equal(t, "Is there a dog in the image?", first.Prompt)
	assert.Equal(t, "llava-v1.5-7b", first.ModelID)
	assert.Equal(t, "COCO_1.png", first.Image)
	assert.Equal(t, runner.RunID(), first.Metadata["run_id"])
	assert.Equal(t, "noise", first.Metadata["mode"])
	assert.Equal(t, "disabled", first.Metadata["augmentation"])
	assert.Equal(t, "eos", first.Metadata["stop_reason"])

	truth, err := pope.ReadQuestionsFile(runCfg.QuestionFile)
	require.NoError(t, err)
	m := pope.Evaluate(truth, answers)
	assert.Equal(t, 1, m.TruePos)
	assert.Equal(t, 1, m.FalsePos)
	assert.Equal(t, []int{2}, m.Missing)
}

func TestRunnerCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.UseNoise = false
	cfg.UseSaliency = false
	engine, err := NewEngine(cfg, branches.SharedModel(spellingModel("No", 3)), nil, nil)
	require.NoError(t, err)
	defer engine.Close()

	runner, err := NewRunner(engine, byteTokenizer{}, setupRun(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Answered)
}

func TestNewRunnerValidation(t *testing.T) {
	engine, err := NewEngine(testConfig(), branches.SharedModel(spellingModel("No", 3)), &countingRelevance{}, nil)
	require.NoError(t, err)
	defer engine.Close()

	cfg := setupRun(t)
	cfg.ConvMode = "vicuna_v0"
	_, err = NewRunner(engine, byteTokenizer{}, cfg, nil)
	assert.ErrorContains(t, err, "unknown conversation mode")

	cfg = setupRun(t)
	cfg.ModelID = ""
	_, err = NewRunner(engine, byteTokenizer{}, cfg, nil)
	assert.Error(t, err)
}
