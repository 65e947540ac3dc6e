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

package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func seq(n int, start uint32) []uint32 {
	tokens := make([]uint32, n)
	for i := range tokens {
		tokens[i] = start + uint32(i)
	}
	return tokens
}

func TestBlockHashes(t *testing.T) {
	p := NewBlockProcessor(4, 0)

	tests := []struct {
		name       string
		tokens     []uint32
		wantBlocks int
	}{
		{name: "empty", tokens: nil, wantBlocks: 0},
		{name: "shorter than a block", tokens: seq(3, 0), wantBlocks: 0},
		{name: "exact blocks", tokens: seq(8, 0), wantBlocks: 2},
		{name: "trailing partial block is dropped", tokens: seq(11, 0), wantBlocks: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, p.BlockHashes("", tt.tokens), tt.wantBlocks)
		})
	}
}

func TestBlockHashesAreChained(t *testing.T) {
	p := NewBlockProcessor(4, 0)

	a := p.BlockHashes("m", seq(12, 0))
	b := p.BlockHashes("m", append(seq(8, 0), 99, 98, 97, 96))
	assert.Equal(t, a[:2], b[:2], "shared prefix must hash identically")
	assert.NotEqual(t, a[2], b[2])

	// Same third block tokens behind a different prefix must not collide.
	c := p.BlockHashes("m", append(append(seq(4, 50), seq(4, 4)...), seq(4, 8)...))
	assert.NotEqual(t, a[0], c[0])
	assert.NotEqual(t, a[1], c[1])
	assert.NotEqual(t, a[2], c[2])
}

func TestBlockHashesModelSeed(t *testing.T) {
	p := NewBlockProcessor(4, 0)
	assert.NotEqual(t, p.BlockHashes("model-a", seq(4, 0)), p.BlockHashes("model-b", seq(4, 0)))
	assert.Equal(t, p.BlockHashes("model-a", seq(4, 0)), p.BlockHashes("model-a", seq(4, 0)))
}

func TestBlockHashesMaxBlocks(t *testing.T) {
	p := NewBlockProcessor(2, 3)
	assert.Len(t, p.BlockHashes("", seq(20, 0)), 3)
}

func TestNewBlockProcessorDefaults(t *testing.T) {
	p := NewBlockProcessor(0, -1)
	assert.Equal(t, DefaultBlockSize, p.BlockSize())
}
