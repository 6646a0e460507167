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

package pipelines

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

const (
	hfTokenizerFile     = "tokenizer.json"
	spTokenizerFile     = "tokenizer.model"
	tokenizerConfigFile = "tokenizer_config.json"
)

// LoadTokenizer loads the tokenizer shipped in a model directory. A
// HuggingFace tokenizer.json takes precedence over a SentencePiece
// tokenizer.model.
func LoadTokenizer(dir string) (tokenizers.Tokenizer, error) {
	if dir == "" {
		return nil, errors.New("no tokenizer directory given")
	}

	if path := filepath.Join(dir, hfTokenizerFile); exists(path) {
		config, err := readTokenizerConfig(dir)
		if err != nil {
			return nil, err
		}
		tok, err := hftokenizer.NewFromFile(config, path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", hfTokenizerFile, err)
		}
		return tok, nil
	}

	// LLaVA checkpoints ship the Llama SentencePiece model
	if path := filepath.Join(dir, spTokenizerFile); exists(path) {
		proc, err := esentencepiece.NewProcessorFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", spTokenizerFile, err)
		}
		return newSentencePieceTokenizer(proc), nil
	}

	return nil, fmt.Errorf("%s contains neither %s nor %s", dir, hfTokenizerFile, spTokenizerFile)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// readTokenizerConfig parses tokenizer_config.json when present. It returns
// nil without error when the file is missing.
func readTokenizerConfig(dir string) (*api.Config, error) {
	path := filepath.Join(dir, tokenizerConfigFile)
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", tokenizerConfigFile, err)
	}

	flat, err := flattenAddedTokens(content)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", tokenizerConfigFile, err)
	}
	config, err := api.ParseConfigContent(flat)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", tokenizerConfigFile, err)
	}
	config.ConfigFile = path
	return config, nil
}

// flattenAddedTokens rewrites every "*_token" entry that is an AddedToken
// object into its plain content string.
func flattenAddedTokens(content []byte) ([]byte, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(content, &raw); err != nil {
		return nil, err
	}
	for key, val := range raw {
		if strings.HasSuffix(key, "_token") {
			raw[key] = addedTokenContent(val)
		}
	}
	return sonic.Marshal(raw)
}

// addedTokenContent returns the token text of a plain string or an
// AddedToken object, and "" for anything else.
func addedTokenContent(v any) string {
	switch tok := v.(type) {
	case string:
		return tok
	case map[string]any:
		content, _ := tok["content"].(string)
		return content
	default:
		return ""
	}
}

// sentencePieceTokenizer adapts a SentencePiece processor to the
// tokenizers.Tokenizer interface.
type sentencePieceTokenizer struct {
	proc    *esentencepiece.Processor
	special map[api.SpecialToken]int
}

var _ tokenizers.Tokenizer = (*sentencePieceTokenizer)(nil)

func newSentencePieceTokenizer(proc *esentencepiece.Processor) *sentencePieceTokenizer {
	info := proc.ModelInfo()
	return &sentencePieceTokenizer{
		proc: proc,
		special: map[api.SpecialToken]int{
			api.TokUnknown:             info.UnknownID,
			api.TokPad:                 info.PadID,
			api.TokBeginningOfSentence: info.BeginningOfSentenceID,
			api.TokEndOfSentence:       info.EndOfSentenceID,
		},
	}
}

func (t *sentencePieceTokenizer) Encode(text string) []int {
	pieces := t.proc.Encode(text)
	ids := make([]int, len(pieces))
	for i, p := range pieces {
		ids[i] = p.ID
	}
	return ids
}

func (t *sentencePieceTokenizer) Decode(ids []int) string { return t.proc.Decode(ids) }

func (t *sentencePieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	id, ok := t.special[token]
	if !ok {
		return 0, fmt.Errorf("sentencepiece model has no %s token", token)
	}
	return id, nil
}

// PromptEncoder builds token rows for the vision-language prompt template.
type PromptEncoder struct {
	Tokenizer tokenizers.Tokenizer
	// ImageTokenID is spliced in where the template has ImagePlaceholder.
	ImageTokenID int32
	// AddBOS prepends the tokenizer's beginning-of-sentence token.
	AddBOS bool
}

// ImagePlaceholder marks the image position in a prompt.
const ImagePlaceholder = "<image>"

// Encode tokenizes prompt, replacing every ImagePlaceholder with ImageTokenID.
func (e *PromptEncoder) Encode(prompt string) ([]int32, error) {
	var out []int32
	if e.AddBOS {
		bos, err := e.Tokenizer.SpecialTokenID(api.TokBeginningOfSentence)
		if err != nil {
			return nil, fmt.Errorf("looking up bos token: %w", err)
		}
		out = append(out, int32(bos))
	}
	for i, chunk := range strings.Split(prompt, ImagePlaceholder) {
		if i > 0 {
			out = append(out, e.ImageTokenID)
		}
		if chunk == "" {
			continue
		}
		for _, id := range e.Tokenizer.Encode(chunk) {
			out = append(out, int32(id))
		}
	}
	return out, nil
}

// DecodeGenerated turns generated tokens into text, dropping everything from
// the first end-of-sequence token and any padding.
func DecodeGenerated(tok tokenizers.Tokenizer, tokens []int32, eos []int32, pad int32) string {
	ids := make([]int, 0, len(tokens))
	for _, t := range tokens {
		if containsToken(eos, t) {
			break
		}
		if t == pad {
			continue
		}
		ids = append(ids, int(t))
	}
	return strings.TrimSpace(tok.Decode(ids))
}

func containsToken(set []int32, t int32) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}
