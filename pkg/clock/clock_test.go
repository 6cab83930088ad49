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
	"testing"

	"github.com/stretchr/testify/require"
)

func mockNow(values ...int64) NowFunc {
	i := 0
	return func() int64 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func TestNext(t *testing.T) {
	cases := map[string]struct {
		raw      []int64
		expected []int64
	}{
		"increasing": {
			raw:      []int64{10, 20, 30},
			expected: []int64{10, 20, 30},
		},
		"stalled": {
			raw:      []int64{5, 5, 5, 5},
			expected: []int64{5, 6, 7, 8},
		},
		"regression": {
			raw:      []int64{100, 50, 40, 101, 200},
			expected: []int64{100, 101, 102, 103, 200},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewWithNow(mockNow(tc.raw...))
			var actual []int64
			for range tc.raw {
				actual = append(actual, s.Next())
			}
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestMonotonicity(t *testing.T) {
	s := NewWithNow(mockNow(7, 3, 9, 9, 1, 0, 12))
	prev := s.Next()
	for i := 0; i < 1000; i++ {
		next := s.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestConcurrent(t *testing.T) {
	s := NewWithNow(mockNow(1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := s.Next()
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 400)
}

func TestReset(t *testing.T) {
	s := NewWithNow(mockNow(50))
	require.Equal(t, int64(50), s.Next())
	require.Equal(t, int64(51), s.Next())
	s.Reset()
	require.Equal(t, int64(0), s.Last())
	require.Equal(t, int64(50), s.Next())
}
