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
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/antflydb/tricd"
	"github.com/antflydb/tricd/lib/backends"
)

// addEngineFlags registers the decoding flags on fs and binds them to viper.
func addEngineFlags(fs *pflag.FlagSet) {
	gen := backends.DefaultGenerationConfig()
	img := backends.DefaultImageConfig()

	fs.Bool("use-noise", false, "enable the noise-perturbed branch")
	fs.Bool("use-saliency", false, "enable the saliency-masked branch")
	fs.Bool("saliency-blur", true, "smooth the relevance map before thresholding")
	fs.Duration("cache-ttl", tricd.SignalCacheTTL, "how long derived conditioning images are cached")
	fs.Bool("disable-cache", false, "derive conditioning images on every question")

	fs.Int("noise-step", gen.NoiseStep, "diffusion step for the perturbed image (0-999)")
	fs.Float32("noise-alpha", gen.AlphaNoise, "weight of the perturbed branch subtraction")
	fs.Float32("noise-beta", gen.BetaNoise, "plausibility cutoff when the perturbed branch is active")
	fs.Float32("aug-alpha", gen.AlphaAug, "weight of the masked branch addition")
	fs.Float32("aug-beta", gen.BetaAug, "plausibility cutoff when only the masked branch is active")
	fs.Bool("disable-gate", false, "turn the plausibility gate off")

	fs.Bool("do-sample", gen.DoSample, "sample instead of greedy decoding")
	fs.Float32("temperature", gen.Temperature, "sampling temperature")
	fs.Float32("top-p", gen.TopP, "nucleus sampling threshold")
	fs.Int("top-k", gen.TopK, "top-k sampling (0 disables)")
	fs.Int64("seed", gen.Seed, "random seed")
	fs.Int("max-new-tokens", gen.MaxNewTokens, "maximum tokens generated per question")
	eos := make([]int, len(gen.EOSTokenIDs))
	for i, id := range gen.EOSTokenIDs {
		eos[i] = int(id)
	}
	fs.IntSlice("eos-token-ids", eos, "end-of-sequence token ids")
	fs.Int32("pad-token-id", gen.PadTokenID, "padding token id")
	fs.Int("branch-concurrency", 0, "maximum concurrent branch forwards per step (0 = all)")

	fs.Int("image-size", img.Width, "model input image size")
	fs.Bool("center-crop", img.DoCenterCrop, "center crop before resizing")

	for key, flag := range map[string]string{
		"use_noise":                     "use-noise",
		"use_saliency":                  "use-saliency",
		"saliency.blur":                 "saliency-blur",
		"cache.ttl":                     "cache-ttl",
		"cache.disable":                 "disable-cache",
		"generation.noise_step":         "noise-step",
		"generation.noise_alpha":        "noise-alpha",
		"generation.noise_beta":         "noise-beta",
		"generation.aug_alpha":          "aug-alpha",
		"generation.aug_beta":           "aug-beta",
		"generation.disable_gate":       "disable-gate",
		"generation.do_sample":          "do-sample",
		"generation.temperature":        "temperature",
		"generation.top_p":              "top-p",
		"generation.top_k":              "top-k",
		"generation.seed":               "seed",
		"generation.max_new_tokens":     "max-new-tokens",
		"generation.eos_token_ids":      "eos-token-ids",
		"generation.pad_token_id":       "pad-token-id",
		"generation.branch_concurrency": "branch-concurrency",
		"image.size":                    "image-size",
		"image.center_crop":             "center-crop",
	} {
		mustBindPFlag(key, fs.Lookup(flag))
	}
}

// engineConfigFromViper builds the engine configuration from flags, env and
// config file.
func engineConfigFromViper() *tricd.Config {
	gen := backends.DefaultGenerationConfig()
	gen.NoiseStep = viper.GetInt("generation.noise_step")
	gen.AlphaNoise = float32(viper.GetFloat64("generation.noise_alpha"))
	gen.BetaNoise = float32(viper.GetFloat64("generation.noise_beta"))
	gen.AlphaAug = float32(viper.GetFloat64("generation.aug_alpha"))
	gen.BetaAug = float32(viper.GetFloat64("generation.aug_beta"))
	gen.DisableGate = viper.GetBool("generation.disable_gate")
	gen.DoSample = viper.GetBool("generation.do_sample")
	gen.Temperature = float32(viper.GetFloat64("generation.temperature"))
	gen.TopP = float32(viper.GetFloat64("generation.top_p"))
	gen.TopK = viper.GetInt("generation.top_k")
	gen.Seed = viper.GetInt64("generation.seed")
	gen.MaxNewTokens = viper.GetInt("generation.max_new_tokens")
	gen.PadTokenID = viper.GetInt32("generation.pad_token_id")
	gen.BranchConcurrency = viper.GetInt("generation.branch_concurrency")
	if ids := viper.GetIntSlice("generation.eos_token_ids"); len(ids) > 0 {
		gen.EOSTokenIDs = make([]int32, len(ids))
		for i, id := range ids {
			gen.EOSTokenIDs[i] = int32(id)
		}
	}

	return &tricd.Config{
		UseNoise:     viper.GetBool("use_noise"),
		UseSaliency:  viper.GetBool("use_saliency"),
		SaliencyBlur: viper.GetBool("saliency.blur"),
		CacheTTL:     viper.GetDuration("cache.ttl"),
		DisableCache: viper.GetBool("cache.disable"),
		Generation:   gen,
		Image:        imageConfig(viper.GetInt("image.size"), viper.GetBool("image.center_crop")),
	}
}

func imageConfig(size int, centerCrop bool) *backends.ImageConfig {
	img := backends.DefaultImageConfig()
	if size > 0 {
		img.Width, img.Height = size, size
	}
	img.DoCenterCrop = centerCrop
	return img
}
