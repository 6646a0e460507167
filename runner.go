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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antflydb/tricd/lib/pipelines"
	"github.com/antflydb/tricd/lib/pope"
)

// RunStats summarizes a POPE run.
type RunStats struct {
	RunID     string        `json:"run_id"`
	Questions int           `json:"questions"`
	Answered  int           `json:"answered"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Runner answers every question of a POPE question file and writes one
// answer line per question.
type Runner struct {
	engine    *Engine
	tokenizer tokenizers.Tokenizer
	encoder   *pipelines.PromptEncoder
	template  pope.Template
	config    *RunConfig
	runID     string
	logger    *zap.Logger
}

// NewRunner creates a runner. Each runner gets a fresh run id that is
// recorded in the metadata of every answer.
func NewRunner(engine *Engine, tok tokenizers.Tokenizer, config *RunConfig, logger *zap.Logger) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	template, ok := pope.Templates[config.ConvMode]
	if !ok {
		return nil, fmt.Errorf("unknown conversation mode %q", config.ConvMode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:    engine,
		tokenizer: tok,
		encoder: &pipelines.PromptEncoder{
			Tokenizer:    tok,
			ImageTokenID: config.ImageTokenID,
			AddBOS:       config.AddBOS,
		},
		template: template,
		config:   config,
		runID:    uuid.NewString(),
		logger:   logger,
	}, nil
}

// RunID returns the id recorded in answer metadata.
func (r *Runner) RunID() string { return r.runID }

// Run processes the question file. Questions whose image cannot be loaded
// are skipped; questions whose generation fails are logged and counted.
// Cancelling ctx stops the run after the current question; answers written
// so far stay on disk.
func (r *Runner) Run(ctx context.Context) (stats RunStats, err error) {
	start := time.Now()
	stats = RunStats{RunID: r.runID}
	defer func() { stats.Duration = time.Since(start) }()

	questions, err := pope.ReadQuestionsFile(r.config.QuestionFile)
	if err != nil {
		return stats, err
	}
	stats.Questions = len(questions)

	if dir := filepath.Dir(r.config.AnswersFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stats, fmt.Errorf("creating answers directory: %w", err)
		}
	}
	f, err := os.Create(r.config.AnswersFile)
	if err != nil {
		return stats, fmt.Errorf("creating answers file: %w", err)
	}
	defer func() { _ = f.Close() }()
	w := pope.NewAnswerWriter(f)

	r.logger.Info("Starting POPE run",
		zap.String("run_id", r.runID),
		zap.Int("questions", len(questions)),
		zap.Bool("noise", r.engine.config.UseNoise),
		zap.Bool("saliency", r.engine.config.UseSaliency))

	for i, q := range questions {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		answer, err := r.answer(ctx, q)
		switch {
		case errors.Is(err, errSkipQuestion):
			stats.Skipped++
			continue
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, ctxErr
			}
			stats.Failed++
			r.logger.Error("Generation failed",
				zap.Int("question_id", q.QuestionID),
				zap.Error(err))
			continue
		}

		if err := w.Write(answer); err != nil {
			return stats, fmt.Errorf("writing answer %d: %w", q.QuestionID, err)
		}
		stats.Answered++

		if (i+1)%100 == 0 {
			r.logger.Info("POPE progress",
				zap.Int("done", i+1),
				zap.Int("total", len(questions)))
		}
	}

	r.logger.Info("POPE run complete",
		zap.String("run_id", r.runID),
		zap.Int("answered", stats.Answered),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.String("answers_file", r.config.AnswersFile))
	return stats, nil
}

var errSkipQuestion = errors.New("skip question")

func (r *Runner) answer(ctx context.Context, q pope.Question) (pope.Answer, error) {
	img, err := pipelines.LoadFile(filepath.Join(r.config.ImageFolder, q.Image))
	if err != nil {
		r.logger.Warn("Error loading image, skipping question",
			zap.Int("question_id", q.QuestionID),
			zap.String("image", q.Image),
			zap.Error(err))
		return pope.Answer{}, errSkipQuestion
	}

	prompt, err := r.encoder.Encode(r.template.Prompt(q.Text))
	if err != nil {
		return pope.Answer{}, fmt.Errorf("encoding prompt: %w", err)
	}

	out, err := r.engine.Generate(ctx, &Sample{
		Prompt: prompt,
		Image:  r.engine.Processor().Pixels(img),
		Query:  q.Text,
	})
	if err != nil {
		return pope.Answer{}, err
	}

	gen := r.engine.config.Generation
	text := pipelines.DecodeGenerated(r.tokenizer, out.Tokens, gen.EOSTokenIDs, gen.PadTokenID)

	variants := make([]string, len(out.Variants))
	for i, v := range out.Variants {
		variants[i] = v.String()
	}
	augmentation := "disabled"
	if out.Augmentation != nil {
		augmentation = "ok"
		if out.Augmentation.Err != nil {
			augmentation = "failed"
		}
	}

	return pope.Answer{
		QuestionID: q.QuestionID,
		Prompt:     q.Text,
		Text:       r.template.Clean(text),
		ModelID:    r.config.ModelID,
		Image:      q.Image,
		Metadata: map[string]any{
			"run_id":       r.runID,
			"mode":         out.Mode.String(),
			"branches":     variants,
			"augmentation": augmentation,
			"steps":        out.Steps,
			"stop_reason":  string(out.Reason),
		},
	}, nil
}
