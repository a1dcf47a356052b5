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

import "fmt"

func Example() {
	h := New(nil)

	b1 := h.Alloc(100)       // fits in a 128B block with its header
	b2 := h.Alloc(1 << 20)   // too large for the arena, mapped on its own
	b3 := h.Calloc(64, 1024) // zeroed, 64KB + header needs a 128KB block

	fmt.Printf("b1: len=%d cap=%d\n", len(b1), cap(b1))
	fmt.Printf("b2: len=%d cap=%d\n", len(b2), cap(b2))
	fmt.Printf("b3: len=%d cap=%d\n", len(b3), cap(b3))
	fmt.Printf("free=%d allocated=%d\n", h.FreeBlocks(), h.AllocatedBlocks())

	b1 = h.Realloc(b1, 112) // still fits, same block
	h.Free(b1)
	h.Free(b2)
	h.Free(b3)
	fmt.Printf("free=%d allocated=%d\n", h.FreeBlocks(), h.AllocatedBlocks())

	// Output:
	// b1: len=100 cap=112
	// b2: len=1048576 cap=1048576
	// b3: len=65536 cap=131056
	// free=40 allocated=3
	// free=32 allocated=0
}
