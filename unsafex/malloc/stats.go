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
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// FreeBlocks returns the number of blocks in the free-lists.
func (h *Heap) FreeBlocks() int {
	n := 0
	h.walk(func(_ uint32, _ *header) bool {
		n++
		return true
	})
	return n
}

// FreeBytes returns the payload capacity of the blocks in the free-lists.
func (h *Heap) FreeBytes() int {
	n := 0
	h.walk(func(_ uint32, b *header) bool {
		n += b.capacity()
		return true
	})
	return n
}

// AllocatedBlocks returns the number of blocks handed out and not freed, mapped ones included.
func (h *Heap) AllocatedBlocks() int { return h.activeBlocks }

// AllocatedBytes returns the bytes requested for the blocks counted by AllocatedBlocks.
func (h *Heap) AllocatedBytes() int { return h.activeBytes }

// TotalBlocks returns the number of blocks carrying a header, free or not.
func (h *Heap) TotalBlocks() int { return h.activeBlocks + h.FreeBlocks() }

// TotalBytes returns AllocatedBytes plus FreeBytes.
func (h *Heap) TotalBytes() int { return h.activeBytes + h.FreeBytes() }

// MetadataBytes returns the bytes taken by the headers of TotalBlocks.
func (h *Heap) MetadataBytes() int { return h.TotalBlocks() * HeaderSize }

// HeaderSize returns the size of the header in front of every payload.
func (h *Heap) HeaderSize() int { return HeaderSize }

// Stats is a snapshot of the heap counters.
type Stats struct {
	FreeBlocks      int
	FreeBytes       int
	AllocatedBlocks int
	AllocatedBytes  int
	MappedBlocks    int
	MetadataBytes   int

	// FreeByDegree is the length of every free-list.
	FreeByDegree [MaxDegree + 1]int
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	s := Stats{
		AllocatedBlocks: h.activeBlocks,
		AllocatedBytes:  h.activeBytes,
		MappedBlocks:    h.mappedBlocks,
	}
	h.walk(func(_ uint32, b *header) bool {
		s.FreeBlocks++
		s.FreeBytes += b.capacity()
		s.FreeByDegree[b.degree]++
		return true
	})
	s.MetadataBytes = (s.FreeBlocks + s.AllocatedBlocks) * HeaderSize
	return s
}

func (s Stats) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "free %s blocks (%s), allocated %s blocks (%s, %s mapped), metadata %s",
		humanize.Comma(int64(s.FreeBlocks)), humanize.IBytes(uint64(s.FreeBytes)),
		humanize.Comma(int64(s.AllocatedBlocks)), humanize.IBytes(uint64(s.AllocatedBytes)),
		humanize.Comma(int64(s.MappedBlocks)), humanize.IBytes(uint64(s.MetadataBytes)))
	sb.WriteString(", free-lists [")
	for d, n := range s.FreeByDegree {
		if d > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s:%d", humanize.IBytes(uint64(blockSize(uint8(d)))), n)
	}
	sb.WriteByte(']')
	return sb.String()
}

// Verify checks the free-lists against the block headers and returns the first inconsistency found.
func (h *Heap) Verify() error {
	for d := range h.free {
		prev := nilOffset
		for off := h.free[d]; off != nilOffset; {
			if err := h.verifyFree(uint8(d), prev, off); err != nil {
				return err
			}
			prev, off = off, h.at(off).next
		}
	}
	return nil
}

func (h *Heap) verifyFree(d uint8, prev, off uint32) error {
	if off >= ArenaSize {
		return fmt.Errorf("malloc: degree %d: offset %#x out of arena", d, off)
	}
	b := h.at(off)
	switch {
	case b.magic != magic:
		return fmt.Errorf("malloc: degree %d: bad magic at %#x", d, off)
	case b.degree != d:
		return fmt.Errorf("malloc: degree %d: block at %#x has degree %d", d, off, b.degree)
	case !b.isFree() || b.isMapped():
		return fmt.Errorf("malloc: degree %d: block at %#x listed with flags %#x", d, off, b.flags)
	case off&uint32(blockSize(d)-1) != 0:
		return fmt.Errorf("malloc: degree %d: block at %#x is misaligned", d, off)
	case b.prev != prev:
		return fmt.Errorf("malloc: degree %d: block at %#x links back to %#x, want %#x", d, off, b.prev, prev)
	case prev != nilOffset && prev >= off:
		return fmt.Errorf("malloc: degree %d: block at %#x out of address order", d, off)
	case d < MaxDegree && h.isFreeBuddy(off, d):
		return fmt.Errorf("malloc: degree %d: block at %#x and its buddy are both free", d, off)
	}
	return nil
}

func (h *Heap) isFreeBuddy(off uint32, degree uint8) bool {
	buddy := h.at(buddyOf(off, degree))
	return buddy.magic == magic && buddy.isFree() && !buddy.isMapped() && buddy.degree == degree
}
