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

// Package malloc implements a buddy allocator in memory the Go runtime does not manage.
//
// Requests up to MaxBlockSize, header included, are served from a fixed arena
// of MinBlockCount blocks of MaxDegree, which are split in halves down to the
// smallest fitting degree and merged back with their buddies when freed.
// Larger requests get a mapping of their own.
package malloc

import (
	"fmt"
	"log"
	"unsafe"

	"github.com/cloudwego/smalloc/internal/sysmem"
)

// Option configures a Heap. Block sizes are fixed at build time and are not part of it.
type Option struct {
	// Source supplies the arena and mapped regions.
	// If nil, anonymous memory of the operating system is used.
	Source Source

	// ErrorHandler receives errors which can not be returned to the caller,
	// like a failed unmap inside Free.
	// By default, they are recorded with log.Printf.
	// It runs synchronously inside the failing call, under the lock of a
	// LockedHeap, so it must not call back into the heap.
	ErrorHandler func(err error)
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		// room for ArenaSize plus the worst case alignment padding
		Source: sysmem.New(2 * ArenaSize),
	}
}

// Heap is a buddy allocator over one fixed-size arena.
// Requests too large for the arena's biggest block are mapped one by one.
//
// Heap is not safe for concurrent use, see LockedHeap.
type Heap struct {
	src     Source
	onError func(err error)

	// arena keeps the break extent reachable; blocks are addressed from base.
	arena []byte
	base  unsafe.Pointer
	err   error

	// free holds the head of the free-list of every degree.
	free [MaxDegree + 1]uint32

	activeBlocks int
	activeBytes  int
	mappedBlocks int
}

// New creates a Heap. The arena is set up by the first allocation.
func New(o *Option) *Heap {
	if o == nil {
		o = DefaultOption()
	}
	h := &Heap{src: o.Source, onError: o.ErrorHandler}
	if h.src == nil {
		h.src = DefaultOption().Source
	}
	for d := range h.free {
		h.free[d] = nilOffset
	}
	return h
}

func (h *Heap) handleError(err error) {
	if h.onError != nil {
		h.onError(err)
		return
	}
	log.Printf("MALLOC: %v", err)
}

// Alloc returns a block of len size.
// Its cap is the capacity of the block, and may be larger than size.
// It returns nil if size is out of range or no memory is available.
//
// The returned slice must be passed to Free as is; its len may be changed, its start may not.
func (h *Heap) Alloc(size int) []byte {
	if size <= 0 || size > MaxRequestSize {
		return nil
	}
	if !h.ensureArena() {
		return nil
	}
	var b *header
	if size+HeaderSize > MaxBlockSize {
		b = h.allocMapped(size)
	} else {
		b = h.allocArena(size)
	}
	if b == nil {
		return nil
	}
	b.size = uint32(size)
	h.activeBlocks++
	h.activeBytes += size
	return b.bytes()
}

func (h *Heap) allocMapped(size int) *header {
	mem, err := h.src.Mmap(size + HeaderSize)
	if err != nil {
		return nil
	}
	b := (*header)(unsafe.Pointer(unsafe.SliceData(mem)))
	*b = header{
		next:  uint32(len(mem)),
		prev:  nilOffset,
		flags: flagMapped,
		magic: magic,
	}
	h.mappedBlocks++
	return b
}

func (h *Heap) allocArena(size int) *header {
	want := degreeForSize(size + HeaderSize)
	found := want
	for found <= MaxDegree && h.free[found] == nilOffset {
		found++
	}
	if found > MaxDegree {
		// the arena never grows
		return nil
	}

	off := h.free[found]
	h.remove(off)
	b := h.at(off)
	// keep the lower half, hand the upper half to the next list down
	for b.degree > want {
		b.degree--
		sib := off + uint32(blockSize(b.degree))
		*h.at(sib) = header{
			degree: b.degree,
			flags:  flagFree,
			magic:  magic,
		}
		h.insert(sib)
	}
	b.flags &^= flagFree
	return b
}

// Calloc returns a zeroed block of len num*size.
// It returns nil if either count is out of range or their product exceeds MaxRequestSize.
func (h *Heap) Calloc(num, size int) []byte {
	if num <= 0 || size <= 0 || num > MaxRequestSize/size {
		return nil
	}
	b := h.Alloc(num * size)
	if b != nil {
		clear(b)
	}
	return b
}

// Free returns a block to the heap. Nil and already freed blocks are ignored.
// It panics if b does not start at a payload of this heap,
// though such misuse can not always be detected.
func (h *Heap) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	blk := headerOf(b)
	if blk.isFree() {
		return
	}
	if blk.isMapped() {
		h.freeMapped(blk)
		return
	}

	size := int(blk.size)
	off := h.offsetOf(blk)
	blk.flags |= flagFree
	for blk.degree < MaxDegree {
		boff := buddyOf(off, blk.degree)
		buddy := h.at(boff)
		if !buddy.isFree() || buddy.isMapped() || buddy.degree != blk.degree {
			break
		}
		h.remove(boff)
		if boff < off {
			off, blk = boff, buddy
		}
		blk.degree++
	}
	h.insert(off)
	h.activeBlocks--
	h.activeBytes -= size
}

func (h *Heap) freeMapped(blk *header) {
	size := int(blk.size)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(blk)), int(blk.next))
	blk.flags |= flagFree
	h.activeBlocks--
	h.activeBytes -= size
	h.mappedBlocks--
	if err := h.src.Munmap(mem); err != nil {
		h.handleError(fmt.Errorf("malloc: unmap block of %d bytes: %w", size, err))
	}
}

// Realloc resizes a block to size and returns it.
// The block is kept if its capacity is enough, otherwise its content moves
// to a new block and the old one is freed.
// It returns nil and leaves b untouched if size is out of range or no memory is available.
// A nil b makes it behave like Alloc. Passing a freed block panics.
func (h *Heap) Realloc(b []byte, size int) []byte {
	if size <= 0 || size > MaxRequestSize {
		return nil
	}
	if cap(b) == 0 {
		return h.Alloc(size)
	}
	blk := headerOf(b)
	if blk.isFree() {
		panic("malloc: realloc of freed block")
	}
	if blk.capacity() >= size {
		h.activeBytes += size - int(blk.size)
		blk.size = uint32(size)
		return blk.bytes()
	}
	nb := h.Alloc(size)
	if nb == nil {
		return nil
	}
	copy(nb, unsafe.Slice((*byte)(blk.payload()), blk.capacity()))
	h.Free(b)
	return nb
}

// Usable returns the number of bytes b can be resized to without moving.
func (h *Heap) Usable(b []byte) int {
	if cap(b) == 0 {
		return 0
	}
	return headerOf(b).capacity()
}
