//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

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

package sysmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	mmapProt  = unix.PROT_READ | unix.PROT_WRITE
	mmapFlags = unix.MAP_PRIVATE | unix.MAP_ANON
)

// New returns the Memory backed by the operating system.
func New(reserve int) Memory {
	return NewAnonymous(reserve)
}

// Anonymous serves both services with anonymous memory mappings.
// The break region is one mapping of reserve bytes made on first use;
// the kernel only commits its pages once they are touched.
//
// Anonymous is not safe for concurrent use.
type Anonymous struct {
	brk brk

	reserve int
	err     error
}

// NewAnonymous creates an Anonymous whose break region can grow up to reserve bytes.
func NewAnonymous(reserve int) *Anonymous {
	return &Anonymous{reserve: reserve}
}

func (a *Anonymous) lazyInit() error {
	if a.brk.mem != nil || a.err != nil {
		return a.err
	}
	if a.reserve <= 0 {
		return nil
	}
	mem, err := unix.Mmap(-1, 0, a.reserve, mmapProt, mmapFlags)
	if err != nil {
		a.err = fmt.Errorf("sysmem: reserve break region: %w", err)
		return a.err
	}
	a.brk.mem = mem
	return nil
}

// Brk implements Memory. It returns 0 if the break region can not be reserved.
func (a *Anonymous) Brk() uintptr {
	if a.lazyInit() != nil {
		return 0
	}
	return a.brk.end()
}

// Sbrk implements Memory.
func (a *Anonymous) Sbrk(n int) ([]byte, error) {
	if err := a.lazyInit(); err != nil {
		return nil, err
	}
	return a.brk.grow(n)
}

// Mmap implements Memory.
func (a *Anonymous) Mmap(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sysmem: invalid mapping length %d", n)
	}
	b, err := unix.Mmap(-1, 0, n, mmapProt, mmapFlags)
	if err != nil {
		return nil, fmt.Errorf("sysmem: map %d bytes: %w", n, err)
	}
	return b, nil
}

// Munmap implements Memory.
func (a *Anonymous) Munmap(b []byte) error {
	if cap(b) == 0 {
		return ErrUnknownMapping
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("sysmem: unmap %d bytes: %w", cap(b), err)
	}
	return nil
}

// Close unmaps the break region. Memory handed out by Sbrk must not be used afterwards.
func (a *Anonymous) Close() error {
	if a.brk.mem == nil {
		return nil
	}
	err := unix.Munmap(a.brk.mem)
	a.brk = brk{}
	return err
}
