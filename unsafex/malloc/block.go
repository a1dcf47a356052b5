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
	"math/bits"
	"unsafe"
)

const (
	// MaxRequestSize is the largest request served, in bytes.
	MaxRequestSize = 100000000

	// MinBlockSize is the size of a degree 0 block.
	MinBlockSize = 128

	// MinBlockCount is the number of MaxDegree blocks the arena is carved into.
	MinBlockCount = 32

	// MaxDegree is the highest size class. Blocks never coalesce past it.
	MaxDegree = 10

	// MaxBlockSize is the size of a MaxDegree block.
	MaxBlockSize = MinBlockSize << MaxDegree

	// ArenaSize is the size of the arena, which is also its alignment.
	ArenaSize = MinBlockCount * MaxBlockSize

	// HeaderSize is the size of the header in front of every payload.
	HeaderSize = 16

	minBlockShift = 7 // log2(MinBlockSize)
)

const (
	// magic is checked to detect pointers that are not block payloads.
	magic uint16 = 0xB0D1

	flagFree   uint8 = 1 << 0
	flagMapped uint8 = 1 << 1

	// nilOffset terminates a free-list.
	nilOffset = ^uint32(0)
)

// header precedes every payload, in the arena and in mapped regions.
type header struct {
	size uint32 // bytes requested by the caller

	// next and prev link free blocks of the same degree by arena offset.
	// for mapped blocks, next holds the length of the mapping.
	next uint32
	prev uint32

	degree uint8
	flags  uint8
	magic  uint16
}

var (
	_ [HeaderSize - unsafe.Sizeof(header{})]byte
	_ [unsafe.Sizeof(header{}) - HeaderSize]byte
	_ [MinBlockSize - 1<<minBlockShift]byte
)

func (h *header) isFree() bool   { return h.flags&flagFree != 0 }
func (h *header) isMapped() bool { return h.flags&flagMapped != 0 }

func (h *header) payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), HeaderSize)
}

// capacity returns the number of payload bytes the block can hold.
func (h *header) capacity() int {
	if h.isMapped() {
		return int(h.next) - HeaderSize
	}
	return blockSize(h.degree) - HeaderSize
}

// bytes returns the payload as a slice of len size and cap capacity.
func (h *header) bytes() []byte {
	return unsafe.Slice((*byte)(h.payload()), h.capacity())[:h.size]
}

// headerOf maps a payload back to its header.
// It is the only place a caller supplied pointer is turned into block metadata.
func headerOf(b []byte) *header {
	h := (*header)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(b)), -HeaderSize))
	if h.magic != magic {
		panic("malloc: invalid block or corrupted header")
	}
	return h
}

// blockSize returns the physical size of a block, header included.
func blockSize(degree uint8) int {
	return MinBlockSize << degree
}

// buddyOf returns the arena offset of the block's buddy.
// It relies on every block being aligned to its own size.
func buddyOf(off uint32, degree uint8) uint32 {
	return off ^ uint32(blockSize(degree))
}

// degreeForSize returns the smallest degree whose blocks hold n bytes.
// The result may exceed MaxDegree.
func degreeForSize(n int) uint8 {
	if n <= MinBlockSize {
		return 0
	}
	return uint8(bits.Len(uint(n-1)) - minBlockShift)
}
