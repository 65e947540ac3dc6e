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

// Package hashing turns token sequences into chained block hashes.
//
// A token sequence is cut into fixed-size blocks. Each block hash covers the
// block's tokens and the hash of the block before it, so two sequences share
// block hash i only if they share every token up to the end of block i.
// A trailing partial block is never hashed: workers only cache full blocks.
package hashing

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

const DefaultBlockSize = 16

// BlockProcessor hashes token sequences with a fixed block size.
type BlockProcessor struct {
	blockSize int
	// maxBlocks bounds the number of hashed blocks, 0 means unbounded.
	maxBlocks int
}

func NewBlockProcessor(blockSize, maxBlocks int) *BlockProcessor {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if maxBlocks < 0 {
		maxBlocks = 0
	}
	return &BlockProcessor{
		blockSize: blockSize,
		maxBlocks: maxBlocks,
	}
}

func (p *BlockProcessor) BlockSize() int {
	return p.blockSize
}

// BlockHashes returns the chained hashes of the full blocks of tokens.
// The model name seeds the chain so identical prompts for different models
// never collide.
func (p *BlockProcessor) BlockHashes(model string, tokens []uint32) []uint64 {
	n := len(tokens) / p.blockSize
	if p.maxBlocks > 0 && n > p.maxBlocks {
		n = p.maxBlocks
	}
	if n == 0 {
		return nil
	}

	hashes := make([]uint64, n)
	prev := seed(model)
	buf := make([]byte, 8+4*p.blockSize)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint64(buf[:8], prev)
		block := tokens[i*p.blockSize : (i+1)*p.blockSize]
		for j, token := range block {
			binary.BigEndian.PutUint32(buf[8+4*j:], token)
		}
		prev = xxhash.Sum64(buf)
		hashes[i] = prev
	}
	return hashes
}

func seed(model string) uint64 {
	if model == "" {
		return 0
	}
	return xxhash.Sum64([]byte(model))
}
