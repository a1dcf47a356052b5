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
	"errors"
	"fmt"
	"unsafe"
)

var errArenaMisaligned = errors.New("malloc: arena is not aligned to its size")

// Source supplies the raw memory a Heap manages.
// It mirrors the two services a C allocator takes from the kernel: moving
// the program break and anonymous mappings.
type Source interface {
	// Brk returns the current end of the break region.
	Brk() uintptr

	// Sbrk grows the break region by n bytes and returns the new extent.
	// A negative n shrinks it again.
	Sbrk(n int) ([]byte, error)

	// Mmap returns n bytes of zeroed memory which is independent of the break region.
	Mmap(n int) ([]byte, error)

	// Munmap releases memory returned by Mmap.
	Munmap(b []byte) error
}

// initArena takes ArenaSize bytes, aligned to ArenaSize, from the break region
// and carves them into MinBlockCount free blocks of MaxDegree.
func (h *Heap) initArena() error {
	var pad int
	if rem := h.src.Brk() % ArenaSize; rem != 0 {
		pad = int(ArenaSize - rem)
	}
	mem, err := h.src.Sbrk(pad + ArenaSize)
	if err != nil {
		return fmt.Errorf("malloc: grow break by %d bytes: %w", pad+ArenaSize, err)
	}
	if len(mem) != pad+ArenaSize {
		return h.releaseBreak(len(mem), fmt.Errorf("malloc: break grew by %d bytes, want %d", len(mem), pad+ArenaSize))
	}
	mem = mem[pad:]
	base := unsafe.Pointer(unsafe.SliceData(mem))
	if uintptr(base)%ArenaSize != 0 {
		return h.releaseBreak(pad+ArenaSize, errArenaMisaligned)
	}

	h.arena, h.base = mem, base
	for i := 0; i < MinBlockCount; i++ {
		off := uint32(i * MaxBlockSize)
		*h.at(off) = header{
			next:   nilOffset,
			prev:   nilOffset,
			degree: MaxDegree,
			flags:  flagFree,
			magic:  magic,
		}
		if i > 0 {
			h.at(off - MaxBlockSize).next = off
			h.at(off).prev = off - MaxBlockSize
		}
	}
	h.free[MaxDegree] = 0
	return nil
}

// releaseBreak hands n bytes of an unusable extent back to the source,
// so the break is where the failed initArena found it.
func (h *Heap) releaseBreak(n int, cause error) error {
	if n == 0 {
		return cause
	}
	if _, err := h.src.Sbrk(-n); err != nil {
		return fmt.Errorf("%w (release break: %v)", cause, err)
	}
	return cause
}

// ensureArena runs initArena once. A failure leaves the heap untouched
// apart from the recorded error, so a later request tries again.
func (h *Heap) ensureArena() bool {
	if h.base != nil {
		return true
	}
	h.err = h.initArena()
	return h.err == nil
}

// Err returns the reason the last arena initialization failed,
// or nil if the arena is in place.
func (h *Heap) Err() error {
	return h.err
}
