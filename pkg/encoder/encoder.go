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

// Package encoder feeds raw frames into a codec and forwards
// the encoded output to a muxer.
package encoder

import (
	"camrec/pkg/codec"
	"camrec/pkg/log"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Muxer receives the encoded track.
type Muxer interface {
	RegisterTrack(codec.Kind, codec.Format) (int, error)
	Activate() (bool, error)
	WriteSample(track int, data []byte, info codec.BufferInfo) error
	Finalize() error
}

// InputTimeout max time to wait for a free input buffer.
const InputTimeout = 10 * time.Millisecond

const (
	eosInputTimeout = 1 * time.Second
	eosPollTimeout  = 10 * time.Millisecond
	maxEOSPolls     = 300
)

// Errors.
var (
	ErrNotStarted = errors.New("encoder not started")
	ErrStopped    = errors.New("encoder stopped")
)

// Stats encoder counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Written   uint64 `json:"written"`
}

type encoder struct {
	kind    codec.Kind
	codec   codec.Codec
	muxer   Muxer
	logger  *log.Logger
	src     string
	session string

	track   int
	started bool
	stopped bool
	eos     bool
	lastPTS int64

	submitted atomic.Uint64
	dropped   atomic.Uint64
	written   atomic.Uint64
}

func newEncoder(
	kind codec.Kind,
	c codec.Codec,
	muxer Muxer,
	logger *log.Logger,
	session string,
) encoder {
	return encoder{
		kind:    kind,
		codec:   c,
		muxer:   muxer,
		logger:  logger,
		src:     kind.String() + " encoder",
		session: session,
		track:   -1,
	}
}

func (e *encoder) logf(level log.Level, format string, a ...interface{}) {
	var event *log.Event
	switch level {
	case log.LevelError:
		event = e.logger.Error()
	case log.LevelWarning:
		event = e.logger.Warn()
	case log.LevelInfo:
		event = e.logger.Info()
	default:
		event = e.logger.Debug()
	}
	event.Src(e.src).Session(e.session).Msgf(format, a...)
}

func (e *encoder) start(ctx context.Context) error {
	if e.started {
		return nil
	}
	if e.stopped {
		return ErrStopped
	}
	if err := e.codec.Start(ctx); err != nil {
		return fmt.Errorf("start codec: %w", err)
	}
	e.started = true
	return nil
}

func (e *encoder) checkRunning() error {
	if e.stopped {
		return ErrStopped
	}
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

// submit queues one input buffer filled by fill. The frame is
// dropped if no input buffer becomes available in time.
func (e *encoder) submit(ptsUs int64, fill func([]byte) int) bool {
	slot, ok := e.codec.DequeueInput(InputTimeout)
	if !ok {
		e.dropped.Add(1)
		e.logf(log.LevelDebug, "no input buffer available, frame dropped: pts=%d", ptsUs)
		return false
	}

	n := fill(e.codec.InputBuffer(slot))
	if err := e.codec.QueueInput(slot, n, ptsUs, 0); err != nil {
		e.dropped.Add(1)
		e.logf(log.LevelError, "queue input: %v", err)
		return false
	}
	e.submitted.Add(1)
	e.lastPTS = ptsUs
	return true
}

// endOfStream signals end of stream and drains the codec.
func (e *encoder) endOfStream(ptsUs int64) error {
	if e.eos {
		return nil
	}
	slot, ok := e.codec.DequeueInput(eosInputTimeout)
	if !ok {
		e.logf(log.LevelWarning, "no input buffer for end of stream")
	} else if err := e.codec.QueueInput(slot, 0, ptsUs, codec.FlagEndOfStream); err != nil {
		e.logf(log.LevelError, "queue end of stream: %v", err)
	}
	return e.drain(true)
}

// drain collects all available output. When endOfStream is true, it
// waits until the end of stream buffer or too many empty polls.
func (e *encoder) drain(endOfStream bool) error {
	timeout := time.Duration(0)
	if endOfStream {
		timeout = eosPollTimeout
	}

	polls := 0
	for {
		out, err := e.codec.DequeueOutput(timeout)
		if err != nil {
			e.logf(log.LevelError, "dequeue output: %v", err)
			return fmt.Errorf("dequeue output: %w", err)
		}

		switch out.Status {
		case codec.StatusTryAgain:
			if !endOfStream {
				return nil
			}
			polls++
			if polls >= maxEOSPolls {
				e.logf(log.LevelWarning, "end of stream not reached after %d polls", polls)
				return nil
			}

		case codec.StatusFormatChanged:
			if err := e.formatChanged(); err != nil {
				return err
			}

		case codec.StatusBuffer:
			done, err := e.handleBuffer(out)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (e *encoder) formatChanged() error {
	format := e.codec.OutputFormat()
	track, err := e.muxer.RegisterTrack(e.kind, format)
	if err != nil {
		e.logf(log.LevelError, "register track: %v", err)
		return fmt.Errorf("register track: %w", err)
	}
	e.track = track
	e.logf(log.LevelDebug, "track registered: %v", track)

	started, err := e.muxer.Activate()
	if err != nil {
		e.logf(log.LevelError, "activate muxer: %v", err)
		return fmt.Errorf("activate muxer: %w", err)
	}
	if started {
		e.logf(log.LevelInfo, "muxer started")
	}
	return nil
}

// handleBuffer forwards an output buffer and releases it.
// Returns true on end of stream.
func (e *encoder) handleBuffer(out codec.Output) (bool, error) {
	info := out.Info
	defer func() {
		if err := e.codec.ReleaseOutput(out.Slot); err != nil {
			e.logf(log.LevelError, "release output: %v", err)
		}
	}()

	// Codec config is delivered through the format change.
	if info.Flags.Has(codec.FlagCodecConfig) {
		info.Size = 0
	}

	var writeErr error
	if info.Size > 0 {
		buf := e.codec.OutputBuffer(out.Slot)
		data := buf[info.Offset : info.Offset+info.Size]
		if writeErr = e.muxer.WriteSample(e.track, data, info); writeErr != nil {
			e.logf(log.LevelError, "write sample: %v", writeErr)
			writeErr = fmt.Errorf("write sample: %w", writeErr)
		} else {
			e.written.Add(1)
		}
	}

	if info.Flags.Has(codec.FlagEndOfStream) {
		e.eos = true
		e.logf(log.LevelDebug, "end of stream")
		return true, writeErr
	}
	return false, writeErr
}

// stop stops and releases the codec.
func (e *encoder) stop() {
	if !e.started || e.stopped {
		e.stopped = true
		return
	}
	e.stopped = true
	if err := e.codec.Stop(); err != nil {
		e.logf(log.LevelError, "stop codec: %v", err)
	}
	e.codec.Release()
}

// Stats returns the encoder counters, safe for concurrent use.
func (e *encoder) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Dropped:   e.dropped.Load(),
		Written:   e.written.Load(),
	}
}

// PTS returns the presentation time of the last submitted frame.
func (e *encoder) PTS() int64 {
	return e.lastPTS
}

// Started reports if the encoder has been started.
func (e *encoder) Started() bool {
	return e.started
}
