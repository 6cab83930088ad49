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

package clock

import (
	"sync"
	"time"
)

// NowFunc returns the current raw clock value in microseconds.
type NowFunc func() int64

// Source produces strictly increasing microsecond timestamps
// shared by the audio and video encoders of a session.
type Source struct {
	now  NowFunc
	prev int64
	mu   sync.Mutex
}

// New returns a Source backed by the wall clock.
func New() *Source {
	return NewWithNow(func() int64 {
		return time.Now().UnixNano() / int64(time.Microsecond)
	})
}

// NewWithNow returns a Source backed by now, used for mocking.
func NewWithNow(now NowFunc) *Source {
	return &Source{now: now}
}

// Next returns the next timestamp. If the raw clock
// did not advance, the previous value plus one is returned.
func (s *Source) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	if t <= s.prev {
		t = s.prev + 1
	}
	s.prev = t
	return t
}

// Last returns the last emitted timestamp or zero.
func (s *Source) Last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prev
}

// Reset clears the previous value.
func (s *Source) Reset() {
	s.mu.Lock()
	s.prev = 0
	s.mu.Unlock()
}
