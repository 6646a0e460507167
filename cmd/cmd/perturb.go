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
	"fmt"
	"image/png"
	"os"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/tricd/lib/diffusion"
	"github.com/antflydb/tricd/lib/pipelines"
)

var perturbCmd = &cobra.Command{
	Use:   "perturb",
	Short: "Write the noise-perturbed version of an image",
	Long: `Apply forward diffusion noise to an image exactly as the perturbed branch
does and write the result as PNG for inspection.

Examples:
  tricd perturb --image COCO_val2014_000000000042.jpg --output noised.png --noise-step 500`,
	RunE: runPerturb,
}

func init() {
	rootCmd.AddCommand(perturbCmd)

	perturbCmd.Flags().String("image", "", "input image")
	perturbCmd.Flags().String("output", "perturbed.png", "output PNG")
	perturbCmd.Flags().Int("noise-step", 500, "diffusion step (0-999)")
	perturbCmd.Flags().Int64("seed", 55, "noise seed")
	perturbCmd.Flags().Int("image-size", 336, "resize to this size before perturbing")
	_ = perturbCmd.MarkFlagRequired("image")
}

func runPerturb(cmd *cobra.Command, args []string) error {
	imagePath, _ := cmd.Flags().GetString("image")
	output, _ := cmd.Flags().GetString("output")
	step, _ := cmd.Flags().GetInt("noise-step")
	seed, _ := cmd.Flags().GetInt64("seed")
	size, _ := cmd.Flags().GetInt("image-size")

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	img, err := pipelines.LoadFile(imagePath)
	if err != nil {
		return err
	}
	processor := pipelines.NewImageProcessor(imageConfig(size, false))
	perturber := diffusion.NewPerturber(logger)

	noised := perturber.Perturb(processor.Process(img), step, seed)

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := png.Encode(f, processor.ToImageNormalized(noised)); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}

	clipped, _ := perturber.Schedule().ClipStep(step)
	logger.Info("Wrote perturbed image",
		zap.String("output", output),
		zap.Int("step", clipped),
		zap.Float64("retention", perturber.Schedule().Retention(clipped)))
	return nil
}
