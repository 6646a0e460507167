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

// Command tricd runs three-way contrastive decoding for vision-language
// models against a remote model server.
//
// Usage:
//
//	tricd run --question-file pope.jsonl --answers-file answers.jsonl   # answer a POPE split
//	tricd eval --gt-file pope.jsonl --gen-file answers.jsonl            # score answers
//	tricd perturb --image cat.jpg --output cat_noised.png               # inspect the noise branch input
package main

import (
	"io"
	"runtime/debug"

	json "github.com/antflydb/antfly-go/libaf/json"
	gojson "github.com/goccy/go-json"

	"github.com/antflydb/tricd/cmd/cmd"
)

// libaf's logging and health endpoints encode through its json wrapper;
// point it at goccy/go-json before any command runs.
func init() {
	json.SetConfig(json.Config{
		Marshal:   gojson.Marshal,
		Unmarshal: gojson.Unmarshal,
		MarshalString: func(v any) (string, error) {
			data, err := gojson.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		UnmarshalString: func(s string, v any) error {
			return gojson.Unmarshal([]byte(s), v)
		},
		NewEncoder: func(w io.Writer) json.Encoder {
			return gojson.NewEncoder(w)
		},
		NewDecoder: func(r io.Reader) json.Decoder {
			return gojson.NewDecoder(r)
		},
	})
}

// version is stamped by release builds with -ldflags "-X main.version=...".
var version = "dev"

// buildVersion falls back to the module version recorded by `go install`
// when no release version was stamped. `tricd run` logs it next to the
// run id written into every answer's metadata.
func buildVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

func main() {
	cmd.Version = buildVersion()
	cmd.Execute()
}
