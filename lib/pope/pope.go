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

// Package pope reads and writes POPE question and answer files and scores
// yes/no answers against ground truth labels.
package pope

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bytedance/sonic"
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 16 * 1024 * 1024

// Question is one line of a question file. Label is only present in
// ground truth files.
type Question struct {
	QuestionID int    `json:"question_id"`
	Image      string `json:"image"`
	Text       string `json:"text"`
	Label      string `json:"label,omitempty"`
}

// Answer is one line of an answers file.
type Answer struct {
	QuestionID int            `json:"question_id"`
	Prompt     string         `json:"prompt"`
	Text       string         `json:"text"`
	ModelID    string         `json:"model_id"`
	Image      string         `json:"image"`
	Metadata   map[string]any `json:"metadata"`
}

// Template is a conversation template for a single-turn image question.
type Template struct {
	Name      string
	System    string
	UserRole  string
	Assistant string
	Sep       string
	// Stop is the separator the model emits after its answer.
	Stop string
}

// Instruction is appended to every question.
const Instruction = " Please answer this question with one word."

// ImageToken marks where the image goes in the prompt.
const ImageToken = "<image>"

// LLaVAv1 is the llava_v1 conversation template.
var LLaVAv1 = Template{
	Name: "llava_v1",
	System: "A chat between a curious human and an artificial intelligence assistant. " +
		"The assistant gives helpful, detailed, and polite answers to the human's questions.",
	UserRole:  "USER",
	Assistant: "ASSISTANT",
	Sep:       " ",
	Stop:      "</s>",
}

// Templates lists the known templates by name.
var Templates = map[string]Template{
	LLaVAv1.Name: LLaVAv1,
}

// Prompt renders the prompt for question.
func (t Template) Prompt(question string) string {
	var b strings.Builder
	b.WriteString(t.System)
	b.WriteString(t.Sep)
	b.WriteString(t.UserRole)
	b.WriteString(": ")
	b.WriteString(ImageToken)
	b.WriteString("\n")
	b.WriteString(question)
	b.WriteString(Instruction)
	b.WriteString(t.Sep)
	b.WriteString(t.Assistant)
	b.WriteString(":")
	return b.String()
}

// Clean strips whitespace and a trailing stop string from generated text.
func (t Template) Clean(text string) string {
	text = strings.TrimSpace(text)
	if t.Stop != "" {
		text = strings.TrimSuffix(text, t.Stop)
	}
	return strings.TrimSpace(text)
}

func readLines[T any](r io.Reader) ([]T, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []T
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var v T
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading lines: %w", err)
	}
	return out, nil
}

// ReadQuestions parses a question JSONL stream.
func ReadQuestions(r io.Reader) ([]Question, error) {
	return readLines[Question](r)
}

// ReadAnswers parses an answers JSONL stream.
func ReadAnswers(r io.Reader) ([]Answer, error) {
	return readLines[Answer](r)
}

// ReadQuestionsFile reads a question file from disk.
func ReadQuestionsFile(path string) ([]Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening question file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadQuestions(f)
}

// ReadAnswersFile reads an answers file from disk.
func ReadAnswersFile(path string) ([]Answer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening answers file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadAnswers(f)
}

// AnswerWriter writes answers as JSONL, flushing after every record so a
// partially completed run leaves a readable file.
type AnswerWriter struct {
	w *bufio.Writer
}

// NewAnswerWriter wraps w.
func NewAnswerWriter(w io.Writer) *AnswerWriter {
	return &AnswerWriter{w: bufio.NewWriter(w)}
}

// Write appends one answer.
func (aw *AnswerWriter) Write(a Answer) error {
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	data, err := sonic.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding answer %d: %w", a.QuestionID, err)
	}
	if _, err := aw.w.Write(data); err != nil {
		return err
	}
	if err := aw.w.WriteByte('\n'); err != nil {
		return err
	}
	return aw.w.Flush()
}

// Metrics are the POPE scores. JSON field names match the reference
// evaluator output.
type Metrics struct {
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1                float64 `json:"f1"`
	Accuracy          float64 `json:"accuracy"`
	YesProportion     float64 `json:"yes_proportion"`
	UnknownProportion float64 `json:"unknown_proportion"`
	TruePos           int     `json:"true_pos"`
	TrueNeg           int     `json:"true_neg"`
	FalsePos          int     `json:"false_pos"`
	FalseNeg          int     `json:"false_neg"`
	Unknown           int     `json:"unknown"`
	Total             int     `json:"total"`
	// Missing lists ground truth questions with no answer.
	Missing []int `json:"missing,omitempty"`
}

// Evaluate scores answers against labelled questions.
//
// A "yes" label counts as a hit when the answer contains "yes"; a "no" label
// counts as a hit when the answer contains "no". Questions with no answer or
// an unrecognized label count as unknown. The first answer for a question id
// wins.
func Evaluate(truth []Question, answers []Answer) Metrics {
	byID := make(map[int]string, len(answers))
	for _, a := range answers {
		if _, ok := byID[a.QuestionID]; !ok {
			byID[a.QuestionID] = a.Text
		}
	}

	m := Metrics{Total: len(truth)}
	yes := 0
	for _, q := range truth {
		text, ok := byID[q.QuestionID]
		if !ok {
			m.Unknown++
			m.Missing = append(m.Missing, q.QuestionID)
			continue
		}
		label := strings.ToLower(strings.TrimSpace(q.Label))
		text = strings.ToLower(strings.TrimSpace(text))

		switch label {
		case "yes":
			if strings.Contains(text, "yes") {
				m.TruePos++
				yes++
			} else {
				m.FalseNeg++
			}
		case "no":
			if strings.Contains(text, "no") {
				m.TrueNeg++
			} else {
				m.FalsePos++
				yes++
			}
		default:
			m.Unknown++
		}
	}

	if d := m.TruePos + m.FalsePos; d > 0 {
		m.Precision = float64(m.TruePos) / float64(d)
	}
	if d := m.TruePos + m.FalseNeg; d > 0 {
		m.Recall = float64(m.TruePos) / float64(d)
	}
	if d := m.Precision + m.Recall; d > 0 {
		m.F1 = 2 * m.Precision * m.Recall / d
	}
	if m.Total > 0 {
		m.Accuracy = float64(m.TruePos+m.TrueNeg) / float64(m.Total)
		m.YesProportion = float64(yes) / float64(m.Total)
		m.UnknownProportion = float64(m.Unknown) / float64(m.Total)
	}
	return m
}

// Report writes a human-readable summary of m.
func (m Metrics) Report(w io.Writer) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "POPE Evaluation Results")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Accuracy:   %.4f (%.2f%%)\n", m.Accuracy, m.Accuracy*100)
	fmt.Fprintf(w, "Precision:  %.4f (%.2f%%)\n", m.Precision, m.Precision*100)
	fmt.Fprintf(w, "Recall:     %.4f (%.2f%%)\n", m.Recall, m.Recall*100)
	fmt.Fprintf(w, "F1 Score:   %.4f (%.2f%%)\n", m.F1, m.F1*100)
	fmt.Fprintf(w, "Yes Prop:   %.4f (%.2f%%)\n", m.YesProportion, m.YesProportion*100)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintf(w, "TP: %d, TN: %d, FP: %d, FN: %d\n", m.TruePos, m.TrueNeg, m.FalsePos, m.FalseNeg)
	fmt.Fprintf(w, "Total: %d, Unknown: %d\n", m.Total, m.Unknown)
	fmt.Fprintln(w, rule)
}
