// Copyright 2018 The gVisor Authors.
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

package toeplitz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	data := []byte{10, 0, 0, 5, 10, 0, 0, 1, 0x1f, 0x90, 0x00, 0x50}
	require.Equal(t, Hash(data), Hash(append([]byte{}, data...)))
}

func TestHashDiffersForDifferentInputs(t *testing.T) {
	a := []byte{10, 0, 0, 5, 10, 0, 0, 1}
	b := []byte{10, 0, 0, 6, 10, 0, 0, 1}
	require.NotEqual(t, Hash(a), Hash(b))
}

func TestHashEmptyInputIsZero(t *testing.T) {
	require.Equal(t, uint32(0), Hash(nil))
}
