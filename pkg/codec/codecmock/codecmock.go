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

// Package codecmock provides an in-memory codec for tests.
package codecmock

import (
	"camrec/pkg/codec"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMock mock error.
var ErrMock = errors.New("mock")

// Input queued input buffer.
type Input struct {
	Data  []byte
	PTS   int64
	Flags codec.Flags
}

type output struct {
	status codec.OutputStatus
	data   []byte
	info   codec.BufferInfo
}

// Codec echoes every input buffer as an output buffer. The first
// input produces a format change and a codec config buffer.
type Codec struct {
	// Format reported after the format change.
	Format codec.Format
	Config []byte

	StartErr   error
	QueueErr   error
	DequeueErr error

	// NoInput makes DequeueInput time out.
	NoInput bool

	mu         sync.Mutex
	input      *codec.Arena
	output     *codec.Arena
	pending    []output
	inputs     []Input
	configured bool
	started    bool
	stopped    bool
	released   bool
	format     codec.Format
}

// New returns a Codec with the given input buffer size.
func New(f codec.Format, inputSize int) *Codec {
	return &Codec{
		Format: f,
		Config: []byte{0, 0, 0, 1, 0x67},
		input:  codec.NewArena(4, inputSize),
		output: codec.NewArena(4, 0),
	}
}

// Start .
func (c *Codec) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.started = true
	return nil
}

// DequeueInput .
func (c *Codec) DequeueInput(timeout time.Duration) (int, bool) {
	if c.NoInput {
		time.Sleep(timeout)
		return -1, false
	}
	return c.input.Acquire(timeout)
}

// InputBuffer .
func (c *Codec) InputBuffer(slot int) []byte {
	return c.input.Bytes(slot)
}

// QueueInput records the input and schedules the matching outputs.
func (c *Codec) QueueInput(slot int, size int, ptsUs int64, flags codec.Flags) error {
	defer c.input.Release(slot) //nolint:errcheck

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.QueueErr != nil {
		return c.QueueErr
	}
	if !c.started || c.stopped {
		return codec.ErrStopped
	}

	data := append([]byte(nil), c.input.Bytes(slot)[:size]...)
	c.inputs = append(c.inputs, Input{Data: data, PTS: ptsUs, Flags: flags})

	if flags.Has(codec.FlagEndOfStream) {
		c.pending = append(c.pending, output{
			status: codec.StatusBuffer,
			info: codec.BufferInfo{
				PresentationTimeUs: ptsUs,
				Flags:              codec.FlagEndOfStream,
			},
		})
		return nil
	}

	var outFlags codec.Flags
	if !c.configured {
		c.configured = true
		c.pending = append(c.pending,
			output{status: codec.StatusFormatChanged},
			output{
				status: codec.StatusBuffer,
				data:   c.Config,
				info:   codec.BufferInfo{Flags: codec.FlagCodecConfig},
			},
		)
		outFlags |= codec.FlagKeyFrame
	}
	c.pending = append(c.pending, output{
		status: codec.StatusBuffer,
		data:   data,
		info: codec.BufferInfo{
			PresentationTimeUs: ptsUs,
			Flags:              outFlags,
		},
	})
	return nil
}

// DequeueOutput returns scheduled outputs in order.
func (c *Codec) DequeueOutput(time.Duration) (codec.Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DequeueErr != nil {
		return codec.Output{}, c.DequeueErr
	}
	if len(c.pending) == 0 {
		return codec.Output{Status: codec.StatusTryAgain}, nil
	}

	o := c.pending[0]
	if o.status == codec.StatusFormatChanged {
		c.pending = c.pending[1:]
		c.format = c.Format
		return codec.Output{Status: codec.StatusFormatChanged}, nil
	}

	slot, ok := c.output.Acquire(0)
	if !ok {
		return codec.Output{Status: codec.StatusTryAgain}, nil
	}
	c.pending = c.pending[1:]
	if err := c.output.Put(slot, o.data); err != nil {
		return codec.Output{}, err
	}
	info := o.info
	info.Size = len(o.data)
	return codec.Output{Status: codec.StatusBuffer, Slot: slot, Info: info}, nil
}

// OutputBuffer .
func (c *Codec) OutputBuffer(slot int) []byte {
	return c.output.Bytes(slot)
}

// ReleaseOutput .
func (c *Codec) ReleaseOutput(slot int) error {
	return c.output.Release(slot)
}

// OutputFormat .
func (c *Codec) OutputFormat() codec.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// Stop .
func (c *Codec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

// Release .
func (c *Codec) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

// Inputs returns a copy of all queued inputs.
func (c *Codec) Inputs() []Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Input(nil), c.inputs...)
}

// Started reports if Start was called.
func (c *Codec) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Stopped reports if Stop was called.
func (c *Codec) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Released reports if Release was called.
func (c *Codec) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Factory returns a codec.NewFunc that always returns c.
func Factory(c *Codec) codec.NewFunc {
	return func(codec.Format) (codec.Codec, error) {
		return c, nil
	}
}

// FactoryErr returns a codec.NewFunc that fails.
func FactoryErr() codec.NewFunc {
	return func(codec.Format) (codec.Codec, error) {
		return nil, ErrMock
	}
}
