/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tokenizer turns prompt text into token ids for callers that send
// text instead of tokens.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

const DefaultEncoding = "cl100k_base"

type Tokenizer interface {
	Encode(prompt string) ([]uint32, error)
}

// TikToken encodes with a tiktoken BPE loaded from the embedded offline
// ranks, so no network access is needed.
type TikToken struct {
	name string

	once     sync.Once
	encoding *tiktoken.Tiktoken
	err      error
}

var setLoader sync.Once

func NewTikToken(encoding string) *TikToken {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TikToken{name: encoding}
}

func (t *TikToken) load() {
	setLoader.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
	t.encoding, t.err = tiktoken.GetEncoding(t.name)
}

func (t *TikToken) Encode(prompt string) ([]uint32, error) {
	t.once.Do(t.load)
	if t.err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", t.name, t.err)
	}

	ids := t.encoding.Encode(prompt, nil, nil)
	tokens := make([]uint32, len(ids))
	for i, id := range ids {
		tokens[i] = uint32(id)
	}
	return tokens, nil
}
