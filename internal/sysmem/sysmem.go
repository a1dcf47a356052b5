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

// Package sysmem provides the raw memory services a user-space heap is built on:
// a growable break region and anonymous mappings.
package sysmem

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
)

var (
	// ErrReservationExhausted is returned by Sbrk when the break region can not grow any further.
	ErrReservationExhausted = errors.New("sysmem: break reservation exhausted")

	// ErrUnknownMapping is returned by Munmap for memory not returned by Mmap.
	ErrUnknownMapping = errors.New("sysmem: unknown mapping")
)

// Memory is the set of services a heap needs from the operating system.
type Memory interface {
	// Brk returns the current end of the break region.
	Brk() uintptr

	// Sbrk grows the break region by n bytes and returns the new extent.
	// A negative n gives the last -n bytes back and returns nil.
	Sbrk(n int) ([]byte, error)

	// Mmap returns n bytes of zeroed memory which is independent of the break region.
	Mmap(n int) ([]byte, error)

	// Munmap releases memory returned by Mmap.
	// b must be the slice returned by Mmap with its cap unchanged.
	Munmap(b []byte) error
}

// brk emulates a program break over a fixed reservation.
type brk struct {
	mem  []byte
	used int
}

func (b *brk) end() uintptr {
	if b.mem == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.mem))) + uintptr(b.used)
}

func (b *brk) grow(n int) ([]byte, error) {
	if n < 0 {
		if -n > b.used {
			return nil, fmt.Errorf("sysmem: shrink break by %d bytes, only %d in use", -n, b.used)
		}
		b.used += n
		return nil, nil
	}
	if n > len(b.mem)-b.used {
		return nil, ErrReservationExhausted
	}
	p := b.mem[b.used : b.used+n : b.used+n]
	b.used += n
	return p, nil
}

// Managed serves both services from memory owned by the Go runtime.
// It works on every platform, and its mappings are pinned until Munmap.
//
// Managed is not safe for concurrent use.
type Managed struct {
	brk brk

	reserve int
	maps    map[unsafe.Pointer][]byte
}

// NewManaged creates a Managed whose break region can grow up to reserve bytes.
// The region itself is allocated on first use.
func NewManaged(reserve int) *Managed {
	return &Managed{reserve: reserve, maps: make(map[unsafe.Pointer][]byte)}
}

func (m *Managed) lazyInit() {
	if m.brk.mem == nil && m.reserve > 0 {
		m.brk.mem = dirtmake.Bytes(m.reserve, m.reserve)
	}
}

// Brk implements Memory.
func (m *Managed) Brk() uintptr {
	m.lazyInit()
	return m.brk.end()
}

// Sbrk implements Memory.
func (m *Managed) Sbrk(n int) ([]byte, error) {
	m.lazyInit()
	return m.brk.grow(n)
}

// Mmap implements Memory.
func (m *Managed) Mmap(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sysmem: invalid mapping length %d", n)
	}
	b := mcache.Malloc(n)
	clear(b)
	m.maps[unsafe.Pointer(unsafe.SliceData(b))] = b
	return b, nil
}

// Munmap implements Memory.
func (m *Managed) Munmap(b []byte) error {
	if cap(b) == 0 {
		return ErrUnknownMapping
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	orig, ok := m.maps[p]
	if !ok {
		return ErrUnknownMapping
	}
	delete(m.maps, p)
	mcache.Free(orig)
	return nil
}

// Mappings returns the number of live mappings.
func (m *Managed) Mappings() int {
	return len(m.maps)
}
