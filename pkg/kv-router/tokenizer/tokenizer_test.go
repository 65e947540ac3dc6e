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

package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTikTokenEncode(t *testing.T) {
	tk := NewTikToken("")

	tokens, err := tk.Encode("hello world")
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	again, err := tk.Encode("hello world")
	require.NoError(t, err)
	assert.Equal(t, tokens, again)

	empty, err := tk.Encode("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTikTokenSharedPrefix(t *testing.T) {
	tk := NewTikToken(DefaultEncoding)
	system := strings.Repeat("You are a helpful assistant. ", 8)

	a, err := tk.Encode(system + "What is the capital of France?")
	require.NoError(t, err)
	b, err := tk.Encode(system + "Write a haiku about rain.")
	require.NoError(t, err)

	prefix, err := tk.Encode(system)
	require.NoError(t, err)
	require.Greater(t, len(prefix), 16)
	// Everything but the token at the seam is shared.
	assert.Equal(t, a[:len(prefix)-1], b[:len(prefix)-1])
}

func TestTikTokenUnknownEncoding(t *testing.T) {
	_, err := NewTikToken("no-such-encoding").Encode("hello")
	assert.Error(t, err)
}
