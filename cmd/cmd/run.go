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

package cmd

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/tricd"
	"github.com/antflydb/tricd/lib/branches"
	"github.com/antflydb/tricd/lib/pipelines"
	"github.com/antflydb/tricd/lib/remote"
	"github.com/antflydb/tricd/lib/saliency"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Answer a POPE question file",
	Long: `Answer every question of a POPE question file with contrastive decoding
against a remote model server and write one JSON answer per line.

Examples:
  # Baseline
  tricd run --question-file pope.jsonl --answers-file base.jsonl --image-folder val2014

  # Noise branch only
  tricd run --question-file pope.jsonl --answers-file noise.jsonl --image-folder val2014 \
    --use-noise --noise-alpha 1 --noise-beta 0.1 --noise-step 500

  # All three branches
  tricd run --question-file pope.jsonl --answers-file both.jsonl --image-folder val2014 \
    --use-noise --use-saliency --aug-alpha 1 --aug-beta 0.5`,
	RunE: runPOPE,
}

func init() {
	rootCmd.AddCommand(runCmd)

	fs := runCmd.Flags()
	fs.String("server-url", "http://localhost:8000", "model server URL")
	fs.String("model", "llava-v1.5-7b", "vision-language model served by the model server")
	fs.String("relevance-model", "blip-itm-large", "image-text matching model for the saliency branch")
	fs.String("tokenizer", "", "directory containing tokenizer.json or tokenizer.model")
	fs.String("question-file", "", "POPE question file (JSONL)")
	fs.String("answers-file", "", "answers output file (JSONL)")
	fs.String("image-folder", "", "directory the question images are relative to")
	fs.String("conv-mode", "llava_v1", "conversation template")
	fs.String("model-id", "", "model id recorded in answers (defaults to --model)")
	fs.Int32("image-token-id", -200, "token id spliced in for the image placeholder")
	fs.Bool("add-bos", true, "prepend the beginning-of-sentence token")
	fs.Int("health-port", 4200, "health/metrics server port")

	for key, flag := range map[string]string{
		"server_url":      "server-url",
		"model":           "model",
		"relevance_model": "relevance-model",
		"tokenizer":       "tokenizer",
		"question_file":   "question-file",
		"answers_file":    "answers-file",
		"image_folder":    "image-folder",
		"conv_mode":       "conv-mode",
		"model_id":        "model-id",
		"image_token_id":  "image-token-id",
		"add_bos":         "add-bos",
		"health_port":     "health-port",
	} {
		mustBindPFlag(key, fs.Lookup(flag))
	}
	addEngineFlags(fs)
}

func runPOPE(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	// Track readiness state
	ready := &atomic.Bool{}
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	cfg := engineConfigFromViper()
	modelName := viper.GetString("model")
	client := remote.NewClient(viper.GetString("server_url"), nil, logger.Named("remote"))

	var relevance saliency.RelevanceModel
	if cfg.UseSaliency {
		relevance = client.Relevance(viper.GetString("relevance_model"), pipelines.NewImageProcessor(cfg.Image))
	}

	engine, err := tricd.NewEngine(cfg, branches.SharedModel(client.Model(modelName)), relevance, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	tok, err := pipelines.LoadTokenizer(viper.GetString("tokenizer"))
	if err != nil {
		return err
	}

	modelID := viper.GetString("model_id")
	if modelID == "" {
		modelID = modelName
	}
	runner, err := tricd.NewRunner(engine, tok, &tricd.RunConfig{
		QuestionFile: viper.GetString("question_file"),
		AnswersFile:  viper.GetString("answers_file"),
		ImageFolder:  viper.GetString("image_folder"),
		ModelID:      modelID,
		ConvMode:     viper.GetString("conv_mode"),
		ImageTokenID: viper.GetInt32("image_token_id"),
		AddBOS:       viper.GetBool("add_bos"),
	}, logger.Named("runner"))
	if err != nil {
		return err
	}

	ready.Store(true)
	logger.Info("tricd is ready",
		zap.String("model", modelName),
		zap.Bool("noise", cfg.UseNoise),
		zap.Bool("saliency", cfg.UseSaliency))

	stats, err := runner.Run(ctx)
	logger.Info("Run finished",
		zap.String("run_id", stats.RunID),
		zap.String("version", Version),
		zap.Int("answered", stats.Answered),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration),
		zap.Any("signal_cache", engine.CacheStats()))
	return err
}
