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

// Package muxer gates a container writer until all tracks are registered.
package muxer

import (
	"camrec/pkg/codec"
	"errors"
	"fmt"
	"sync"
)

// Writer container writer.
type Writer interface {
	AddTrack(codec.Format) (int, error)
	Start() error
	WriteSampleData(track int, data []byte, info codec.BufferInfo) error
	Stop() error
	Release() error
}

// State muxer state.
type State uint8

// States.
const (
	StateCreated State = iota
	StateAwaitingTracks
	StateStarted
	StateStopped
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingTracks:
		return "awaiting tracks"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Errors.
var (
	ErrExpectedTracks = errors.New("expected track count must be positive")
	ErrInvalidState   = errors.New("invalid muxer state")
	ErrTooManyTracks  = errors.New("too many tracks")
)

// Muxer starts the writer once every expected track has been
// registered and activated. Safe for concurrent use.
type Muxer struct {
	w          Writer
	expected   int
	registered int
	activated  int
	state      State
	dropped    int
	written    int

	mu sync.Mutex
}

// New returns a muxer expecting the given number of tracks.
// The muxer awaits tracks after the first registration.
func New(w Writer, expected int) (*Muxer, error) {
	if expected <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrExpectedTracks, expected)
	}
	return &Muxer{
		w:        w,
		expected: expected,
		state:    StateCreated,
	}, nil
}

// RegisterTrack adds a track to the writer and returns its index.
func (m *Muxer) RegisterTrack(kind codec.Kind, format codec.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCreated && m.state != StateAwaitingTracks {
		return -1, fmt.Errorf("register %v track: %w: %v", kind, ErrInvalidState, m.state)
	}
	if m.registered >= m.expected {
		return -1, fmt.Errorf("register %v track: %w", kind, ErrTooManyTracks)
	}

	format.Kind = kind
	track, err := m.w.AddTrack(format)
	if err != nil {
		return -1, fmt.Errorf("add %v track: %w", kind, err)
	}
	m.registered++
	m.state = StateAwaitingTracks
	return track, nil
}

// Activate counts a start request. The writer is started when
// the count reaches the expected track count. Returns true if
// this call started the writer.
func (m *Muxer) Activate() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCreated && m.state != StateAwaitingTracks {
		return false, nil
	}
	m.activated++
	if m.activated < m.expected {
		return false, nil
	}
	if m.registered < m.expected {
		return false, fmt.Errorf("activate: %w: %d/%d tracks registered",
			ErrInvalidState, m.registered, m.expected)
	}

	if err := m.w.Start(); err != nil {
		return false, fmt.Errorf("start writer: %w", err)
	}
	m.state = StateStarted
	return true, nil
}

// WriteSample forwards a sample to the writer. Samples written
// while the writer is not started are dropped.
func (m *Muxer) WriteSample(track int, data []byte, info codec.BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStarted {
		m.dropped++
		return nil
	}
	if err := m.w.WriteSampleData(track, data, info); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	m.written++
	return nil
}

// Finalize stops the writer if started and releases it.
// Calls after the first are no-ops.
func (m *Muxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStopped, StateReleased:
		return nil
	case StateStarted:
		stopErr := m.w.Stop()
		m.state = StateStopped
		releaseErr := m.w.Release()
		m.state = StateReleased
		if err := errors.Join(stopErr, releaseErr); err != nil {
			return fmt.Errorf("finalize: %w", err)
		}
		return nil
	default:
		m.state = StateReleased
		if err := m.w.Release(); err != nil {
			return fmt.Errorf("release: %w", err)
		}
		return nil
	}
}

// State returns the current state.
func (m *Muxer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dropped returns the number of samples dropped before start.
func (m *Muxer) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Written returns the number of samples written.
func (m *Muxer) Written() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

func (m *Muxer) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateCreated || m.state == StateAwaitingTracks {
		return fmt.Sprintf("%v(expected=%d registered=%d activated=%d)",
			m.state, m.expected, m.registered, m.activated)
	}
	return m.state.String()
}
