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

import "sync"

// LockedHeap is a Heap guarded by a single mutex, safe for concurrent use.
// Splitting and coalescing touch lists shared by all size classes,
// so the whole heap is one critical section.
type LockedHeap struct {
	mu sync.Mutex
	h  *Heap
}

// NewLocked creates a LockedHeap, see New for o.
func NewLocked(o *Option) *LockedHeap {
	return &LockedHeap{h: New(o)}
}

// Alloc is the concurrent safe version of Heap.Alloc.
func (l *LockedHeap) Alloc(size int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Alloc(size)
}

// Calloc is the concurrent safe version of Heap.Calloc.
func (l *LockedHeap) Calloc(num, size int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Calloc(num, size)
}

// Free is the concurrent safe version of Heap.Free.
func (l *LockedHeap) Free(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.h.Free(b)
}

// Realloc is the concurrent safe version of Heap.Realloc.
func (l *LockedHeap) Realloc(b []byte, size int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Realloc(b, size)
}

// Usable is the concurrent safe version of Heap.Usable.
func (l *LockedHeap) Usable(b []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Usable(b)
}

// Stats is the concurrent safe version of Heap.Stats.
func (l *LockedHeap) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Stats()
}

// Verify is the concurrent safe version of Heap.Verify.
func (l *LockedHeap) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Verify()
}

var (
	defaultOnce sync.Once
	defaultHeap *LockedHeap
)

func getDefault() *LockedHeap {
	defaultOnce.Do(func() {
		defaultHeap = NewLocked(nil)
	})
	return defaultHeap
}

// Alloc allocates from the process wide heap, see Heap.Alloc.
func Alloc(size int) []byte { return getDefault().Alloc(size) }

// Calloc allocates zeroed memory from the process wide heap, see Heap.Calloc.
func Calloc(num, size int) []byte { return getDefault().Calloc(num, size) }

// Free returns a block to the process wide heap, see Heap.Free.
func Free(b []byte) { getDefault().Free(b) }

// Realloc resizes a block of the process wide heap, see Heap.Realloc.
func Realloc(b []byte, size int) []byte { return getDefault().Realloc(b, size) }

// Usable returns the capacity of a block of the process wide heap.
func Usable(b []byte) int { return getDefault().Usable(b) }

// ReadStats returns the counters of the process wide heap.
func ReadStats() Stats { return getDefault().Stats() }
