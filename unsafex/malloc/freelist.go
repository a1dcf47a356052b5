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

import "unsafe"

// at returns the header of the arena block at off.
func (h *Heap) at(off uint32) *header {
	return (*header)(unsafe.Add(h.base, off))
}

// offsetOf returns the arena offset of an arena block header.
// It panics if b is not a block of the arena.
func (h *Heap) offsetOf(b *header) uint32 {
	d := uintptr(unsafe.Pointer(b)) - uintptr(h.base)
	if h.base == nil || d >= ArenaSize {
		panic("malloc: block not in arena")
	}
	if d&uintptr(blockSize(b.degree)-1) != 0 {
		panic("malloc: misaligned block")
	}
	return uint32(d)
}

// insert links the free block at off into the list of its degree.
// Lists are kept in address order.
func (h *Heap) insert(off uint32) {
	b := h.at(off)
	prev, next := nilOffset, h.free[b.degree]
	for next != nilOffset && next < off {
		prev, next = next, h.at(next).next
	}
	b.prev, b.next = prev, next
	if prev == nilOffset {
		h.free[b.degree] = off
	} else {
		h.at(prev).next = off
	}
	if next != nilOffset {
		h.at(next).prev = off
	}
}

// remove unlinks the free block at off from the list of its degree.
func (h *Heap) remove(off uint32) {
	b := h.at(off)
	if b.prev == nilOffset {
		h.free[b.degree] = b.next
	} else {
		h.at(b.prev).next = b.next
	}
	if b.next != nilOffset {
		h.at(b.next).prev = b.prev
	}
	b.prev, b.next = nilOffset, nilOffset
}

// walk calls fn for every free block, lowest degree first, in address order.
// It stops when fn returns false.
func (h *Heap) walk(fn func(off uint32, b *header) bool) {
	if h.base == nil {
		return
	}
	for d := range h.free {
		for off := h.free[d]; off != nilOffset; {
			b := h.at(off)
			next := b.next
			if !fn(off, b) {
				return
			}
			off = next
		}
	}
}
