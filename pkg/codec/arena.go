// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package codec

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Arena is a fixed set of reusable byte buffers addressed by
// integer slot handles. A slot is owned by whoever acquired it
// until it is released.
type Arena struct {
	bufs  [][]byte
	inUse []bool
	free  chan int
	mu    sync.Mutex
}

// NewArena allocates count buffers with size bytes of capacity.
func NewArena(count int, size int) *Arena {
	a := &Arena{
		bufs:  make([][]byte, count),
		inUse: make([]bool, count),
		free:  make(chan int, count),
	}
	for i := 0; i < count; i++ {
		a.bufs[i] = make([]byte, size)
		a.free <- i
	}
	return a
}

// Acquire waits at most timeout for a free slot.
// A zero timeout does not wait.
func (a *Arena) Acquire(timeout time.Duration) (int, bool) {
	if timeout <= 0 {
		select {
		case slot := <-a.free:
			a.markInUse(slot)
			return slot, true
		default:
			return -1, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case slot := <-a.free:
		a.markInUse(slot)
		return slot, true
	case <-timer.C:
		return -1, false
	}
}

// AcquireContext waits for a free slot until ctx is canceled.
func (a *Arena) AcquireContext(ctx context.Context) (int, error) {
	select {
	case slot := <-a.free:
		a.markInUse(slot)
		return slot, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (a *Arena) markInUse(slot int) {
	a.mu.Lock()
	a.inUse[slot] = true
	a.mu.Unlock()
}

// Bytes returns the buffer of slot, nil if the slot is invalid.
func (a *Arena) Bytes(slot int) []byte {
	if slot < 0 || slot >= len(a.bufs) {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bufs[slot]
}

// Put copies data into slot, growing the buffer if needed.
// The slot buffer length is set to len(data).
func (a *Arena) Put(slot int, data []byte) error {
	if slot < 0 || slot >= len(a.bufs) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.bufs[slot]
	if cap(buf) < len(data) {
		buf = make([]byte, len(data))
	}
	buf = buf[:len(data)]
	copy(buf, data)
	a.bufs[slot] = buf
	return nil
}

// Release returns slot to the free set.
func (a *Arena) Release(slot int) error {
	if slot < 0 || slot >= len(a.bufs) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	a.mu.Lock()
	if !a.inUse[slot] {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSlotNotInUse, slot)
	}
	a.inUse[slot] = false
	a.mu.Unlock()

	a.free <- slot
	return nil
}

// Len returns the number of slots.
func (a *Arena) Len() int {
	return len(a.bufs)
}
