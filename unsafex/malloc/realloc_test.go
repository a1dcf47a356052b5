/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package malloc

import (
	"testing"
	"unsafe"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/smalloc/internal/sysmem"
)

func TestReallocNilIsAlloc(t *testing.T) {
	h1, h2 := newTestHeap(t), newTestHeap(t)
	for _, sz := range []int{1, 100, 5000, MaxBlockSize} {
		b1 := h1.Alloc(sz)
		b2 := h2.Realloc(nil, sz)
		require.NotNil(t, b2)
		assert.Equal(t, len(b1), len(b2))
		assert.Equal(t, cap(b1), cap(b2))
		assert.Equal(t, h1.Stats(), h2.Stats())
		if !headerOf(b1).isMapped() {
			assert.Equal(t, h1.offsetOf(headerOf(b1)), h2.offsetOf(headerOf(b2)))
		}
	}
}

func TestReallocInPlace(t *testing.T) {
	h := newTestHeap(t)
	b := h.Alloc(100)
	require.NotNil(t, b)
	fill(b)
	sum := xxhash3.Hash(b[:50])
	p := unsafe.Pointer(&b[0])
	free := h.Stats().FreeByDegree

	for _, sz := range []int{MinBlockSize - HeaderSize, 100, 50, 1} {
		nb := h.Realloc(b, sz)
		require.NotNil(t, nb)
		assert.Equal(t, p, unsafe.Pointer(&nb[0]), "size=%d", sz)
		assert.Equal(t, sz, len(nb))
		assert.Equal(t, sz, h.AllocatedBytes())
		assert.Equal(t, 1, h.AllocatedBlocks())
		assert.Equal(t, free, h.Stats().FreeByDegree)
		b = nb
	}
	assert.Equal(t, sum, xxhash3.Hash(b[:cap(b)][:50]))

	h.Free(b)
	assert.Equal(t, MinBlockCount, h.FreeBlocks())
}

func TestReallocMove(t *testing.T) {
	h := newTestHeap(t)
	b := h.Alloc(100)
	require.NotNil(t, b)
	fill(b)
	sum := xxhash3.Hash(b)

	nb := h.Realloc(b, 1000)
	require.NotNil(t, nb)
	assert.NotEqual(t, unsafe.Pointer(&b[0]), unsafe.Pointer(&nb[0]))
	assert.Equal(t, 1000, len(nb))
	assert.Equal(t, sum, xxhash3.Hash(nb[:100]))
	assert.Equal(t, 1, h.AllocatedBlocks())
	assert.Equal(t, 1000, h.AllocatedBytes())
	assert.True(t, headerOf(b).isFree())
	require.NoError(t, h.Verify())

	// grow into a mapped block
	fill(nb)
	sum = xxhash3.Hash(nb)
	mb := h.Realloc(nb, 3*MaxBlockSize)
	require.NotNil(t, mb)
	assert.True(t, headerOf(mb).isMapped())
	assert.Equal(t, sum, xxhash3.Hash(mb[:1000]))
	assert.Equal(t, 1, h.AllocatedBlocks())
	assert.Equal(t, 3*MaxBlockSize, h.AllocatedBytes())

	// shrinking a mapped block keeps it
	p := unsafe.Pointer(&mb[0])
	sb := h.Realloc(mb, 10)
	require.NotNil(t, sb)
	assert.Equal(t, p, unsafe.Pointer(&sb[0]))
	assert.Equal(t, 3*MaxBlockSize, h.Usable(sb))

	h.Free(sb)
	assert.Equal(t, 0, h.AllocatedBlocks())
	assert.Equal(t, MinBlockCount, h.FreeBlocks())
}

func TestReallocFailure(t *testing.T) {
	src := &flakySource{Managed: sysmem.NewManaged(2 * ArenaSize)}
	h := New(&Option{Source: src})
	b := h.Alloc(100)
	require.NotNil(t, b)
	fill(b)
	sum := xxhash3.Hash(b)
	before := h.Stats()

	for _, sz := range []int{0, -1, MaxRequestSize + 1} {
		assert.Nil(t, h.Realloc(b, sz), "size=%d", sz)
	}

	src.mmapFailures = 1
	assert.Nil(t, h.Realloc(b, MaxBlockSize))

	assert.Equal(t, before, h.Stats())
	assert.False(t, headerOf(b).isFree())
	assert.Equal(t, sum, xxhash3.Hash(b))
	require.NoError(t, h.Verify())
}

func TestReallocArenaFull(t *testing.T) {
	h := newTestHeap(t)
	var blocks [][]byte
	for b := h.Alloc(4000); b != nil; b = h.Alloc(4000) {
		blocks = append(blocks, b)
	}
	require.Len(t, blocks, ArenaSize/4096)

	b := blocks[0]
	fill(b)
	sum := xxhash3.Hash(b)
	assert.Nil(t, h.Realloc(b, 5000))
	assert.Equal(t, sum, xxhash3.Hash(b))
	assert.Equal(t, len(blocks), h.AllocatedBlocks())

	// room left in the block itself
	nb := h.Realloc(b, 4096-HeaderSize)
	require.NotNil(t, nb)
	assert.Equal(t, unsafe.Pointer(&b[0]), unsafe.Pointer(&nb[0]))
}

func TestUsable(t *testing.T) {
	h := newTestHeap(t)
	assert.Equal(t, 0, h.Usable(nil))
	assert.Equal(t, MinBlockSize-HeaderSize, h.Usable(h.Alloc(1)))
	assert.Equal(t, 2048-HeaderSize, h.Usable(h.Alloc(1500)))
	assert.Equal(t, MaxBlockSize-HeaderSize, h.Usable(h.Alloc(MaxBlockSize-HeaderSize)))
	assert.Equal(t, MaxBlockSize, h.Usable(h.Alloc(MaxBlockSize)))
}

func fill(b []byte) {
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
}
