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
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/antflydb/tricd/lib/backends"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config configures an Engine.
type Config struct {
	// UseNoise enables the noise-perturbed branch.
	UseNoise bool `json:"use_noise"`
	// UseSaliency enables the saliency-masked branch. It needs a relevance model.
	UseSaliency bool `json:"use_saliency"`
	// SaliencyBlur smooths the rendered relevance map before thresholding.
	SaliencyBlur bool `json:"saliency_blur"`
	// CacheTTL is how long derived conditioning images are kept.
	CacheTTL time.Duration `json:"cache_ttl" validate:"gte=0"`
	// DisableCache derives conditioning images on every call.
	DisableCache bool `json:"disable_cache"`

	Generation *backends.GenerationConfig `json:"generation" validate:"required"`
	Image      *backends.ImageConfig      `json:"image" validate:"required"`
}

// DefaultConfig returns the three-branch configuration.
func DefaultConfig() *Config {
	return &Config{
		UseNoise:     true,
		UseSaliency:  true,
		SaliencyBlur: true,
		CacheTTL:     SignalCacheTTL,
		Generation:   backends.DefaultGenerationConfig(),
		Image:        backends.DefaultImageConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if err := c.Generation.Validate(); err != nil {
		return err
	}
	return c.Image.Validate()
}

// RunConfig configures a POPE run.
type RunConfig struct {
	QuestionFile string `json:"question_file" validate:"required"`
	AnswersFile  string `json:"answers_file" validate:"required"`
	ImageFolder  string `json:"image_folder"`
	// ModelID is recorded in every answer.
	ModelID string `json:"model_id" validate:"required"`
	// ConvMode names the conversation template.
	ConvMode string `json:"conv_mode" validate:"required"`
	// ImageTokenID replaces the image placeholder in the prompt.
	ImageTokenID int32 `json:"image_token_id"`
	AddBOS       bool  `json:"add_bos"`
}

// Validate checks the configuration.
func (c *RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid run config: %w", err)
	}
	return nil
}
