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

package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLenEqualsSumOfFragments(t *testing.T) {
	released := 0
	b := New([]byte("hello world"), 16, func() { released++ })
	b.PrependHeader(4)

	sum := 0
	for i := 0; i < b.NrFrags(); i++ {
		sum += len(b.Frag(i))
	}
	require.Equal(t, sum, b.Len())
	b.Release()
	require.Equal(t, 1, released)
}

func TestReleaseRunsExactlyOnceAcrossShares(t *testing.T) {
	released := 0
	b := New([]byte("0123456789"), 0, func() { released++ })

	s1 := b.Share(0, 5)
	s2 := b.Share(5, 5)

	b.Release()
	require.Equal(t, 0, released, "hook must not fire while shares are outstanding")
	s1.Release()
	require.Equal(t, 0, released)
	s2.Release()
	require.Equal(t, 1, released, "hook must fire exactly once, on the last release")
}

func TestShareContent(t *testing.T) {
	b := New([]byte("0123456789"), 0, func() {})
	defer b.Release()

	s := b.Share(3, 4)
	defer s.Release()
	require.Equal(t, []byte("3456"), s.Bytes())
}

func TestFreeOnCoreRetargetsRelease(t *testing.T) {
	ranOnCore := -1
	b := New([]byte("x"), 0, func() {})

	b.FreeOnCore(7, func(core int, task func()) {
		ranOnCore = core
		task()
	})
	b.Release()
	require.Equal(t, 7, ranOnCore)
}

func TestTrimFrontAndBack(t *testing.T) {
	b := New([]byte("0123456789"), 0, func() {})
	defer b.Release()

	b.TrimFront(2)
	require.Equal(t, []byte("23456789"), b.Bytes())
	b.TrimBack(2)
	require.Equal(t, []byte("234567"), b.Bytes())
}

func TestAppendTakesOwnership(t *testing.T) {
	released := 0
	a := New([]byte("abc"), 0, func() { released++ })
	b := New([]byte("def"), 0, func() { released++ })

	a.Append(b)
	require.Equal(t, []byte("abcdef"), a.Bytes())
	require.Equal(t, 0, released, "Append must not release anything on its own")

	a.Release()
	require.Equal(t, 2, released, "releasing a must also release the fragments absorbed from b")
}

func TestLinearizeExceedsScatterLimit(t *testing.T) {
	b := New(nil, 0, func() {})
	defer b.Release()

	for i := 0; i < ScatterLimit+5; i++ {
		frag := New([]byte{byte(i)}, 0, func() {})
		b.Append(frag)
	}
	require.Greater(t, b.NrFrags(), ScatterLimit)

	b.Linearize(0, b.Len())
	require.Equal(t, 1, b.NrFrags())
}
