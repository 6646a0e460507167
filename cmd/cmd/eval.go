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
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/antflydb/tricd/lib/pope"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Score a POPE answers file",
	Long: `Score generated answers against the labels of a POPE question file and
print accuracy, precision, recall, F1 and the yes proportion.

Examples:
  tricd eval --gt-file pope_coco_random.jsonl --gen-file answers.jsonl
  tricd eval --gt-file pope_coco_random.jsonl --gen-file answers.jsonl --output results.json`,
	RunE: runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().String("gt-file", "", "ground truth question file with labels (JSONL)")
	evalCmd.Flags().String("gen-file", "", "generated answers file (JSONL)")
	evalCmd.Flags().String("output", "", "write the metrics as JSON to this file")
	_ = evalCmd.MarkFlagRequired("gt-file")
	_ = evalCmd.MarkFlagRequired("gen-file")
}

func runEval(cmd *cobra.Command, args []string) error {
	gtFile, _ := cmd.Flags().GetString("gt-file")
	genFile, _ := cmd.Flags().GetString("gen-file")
	output, _ := cmd.Flags().GetString("output")

	truth, err := pope.ReadQuestionsFile(gtFile)
	if err != nil {
		return err
	}
	answers, err := pope.ReadAnswersFile(genFile)
	if err != nil {
		return err
	}

	m := pope.Evaluate(truth, answers)
	for _, id := range m.Missing {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: no generated answer for question_id %d\n", id)
	}
	m.Report(cmd.OutOrStdout())

	if output == "" {
		return nil
	}
	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Results saved to %s\n", output)
	return nil
}
