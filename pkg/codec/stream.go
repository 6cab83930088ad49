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
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// StartFunc starts the encoder process. Raw input is written to stdin
// and the encoded stream is read from stdout. The process must flush
// and close stdout after stdin is closed.
type StartFunc func(ctx context.Context) (stdin io.WriteCloser, stdout io.Reader, err error)

// ErrAlreadyStarted codec already started.
var ErrAlreadyStarted = errors.New("codec already started")

type event struct {
	status OutputStatus
	data   []byte
	info   BufferInfo
	err    error
}

type inputJob struct {
	slot int
	size int
}

// StreamCodec is a Codec backed by a byte stream encoder, such as
// a ffmpeg process reading raw frames on stdin and writing an
// elementary stream to stdout.
type StreamCodec struct {
	start StartFunc
	parse func(io.Reader) error

	input  *Arena
	output *Arena

	jobs    chan inputJob
	events  chan event
	pending *event
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	format      Format
	started     bool
	inputClosed bool
	stopped     bool

	// Video, presentation times of queued frames in order.
	ptsQueue []int64
	lastPTS  int64

	// Audio.
	firstPTS    int64
	hasFirstPTS bool
	samples     int64
	configured  bool
}

// StreamConfig StreamCodec config.
type StreamConfig struct {
	Format      Format
	Start       StartFunc
	InputSlots  int
	InputSize   int
	OutputSlots int
	OutputSize  int
}

// NewStreamCodec returns a codec that parses the output stream
// according to the MIME type of the format.
func NewStreamCodec(c StreamConfig) (*StreamCodec, error) {
	if c.Start == nil {
		return nil, errors.New("missing start func")
	}
	if c.InputSlots <= 0 || c.OutputSlots <= 0 {
		return nil, fmt.Errorf("invalid slot count: %d %d", c.InputSlots, c.OutputSlots)
	}

	s := &StreamCodec{
		start:  c.Start,
		input:  NewArena(c.InputSlots, c.InputSize),
		output: NewArena(c.OutputSlots, c.OutputSize),
		jobs:   make(chan inputJob, c.InputSlots),
		events: make(chan event, c.OutputSlots),
		done:   make(chan struct{}),
		format: c.Format,
	}

	switch c.Format.MIME {
	case MIMEVideoAVC:
		s.parse = s.readVideo
	case MIMEAudioAAC:
		s.parse = s.readAudio
	default:
		return nil, fmt.Errorf("unsupported mime type: %q", c.Format.MIME)
	}
	return s, nil
}

// Start starts the encoder process.
func (s *StreamCodec) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	stdin, stdout, err := s.start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("start: %w", err)
	}
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go s.writeLoop(stdin)
	go s.readLoop(stdout)
	return nil
}

func (s *StreamCodec) writeLoop(stdin io.WriteCloser) {
	defer s.wg.Done()
	var writeErr error
	for job := range s.jobs {
		if writeErr == nil {
			_, writeErr = stdin.Write(s.input.Bytes(job.slot)[:job.size])
		}
		s.input.Release(job.slot) //nolint:errcheck
	}
	stdin.Close()
}

func (s *StreamCodec) readLoop(stdout io.Reader) {
	defer s.wg.Done()

	err := s.parse(stdout)

	// Unblock the process if it is still writing.
	if c, ok := stdout.(io.Closer); ok {
		c.Close()
	}

	if err != nil {
		s.emit(event{err: err}) //nolint:errcheck
		return
	}
	s.emit(event{ //nolint:errcheck
		status: StatusBuffer,
		info: BufferInfo{
			PresentationTimeUs: s.lastPresentationTime(),
			Flags:              FlagEndOfStream,
		},
	})
}

func (s *StreamCodec) emit(e event) error {
	select {
	case s.events <- e:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

func (s *StreamCodec) emitFormat(f Format, config []byte) error {
	s.mu.Lock()
	s.format = f
	s.mu.Unlock()

	if err := s.emit(event{status: StatusFormatChanged}); err != nil {
		return err
	}
	return s.emit(event{
		status: StatusBuffer,
		data:   config,
		info:   BufferInfo{Flags: FlagCodecConfig},
	})
}

func (s *StreamCodec) lastPresentationTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPTS
}

// DequeueInput waits at most timeout for a free input slot.
func (s *StreamCodec) DequeueInput(timeout time.Duration) (int, bool) {
	return s.input.Acquire(timeout)
}

// InputBuffer returns the buffer of an input slot.
func (s *StreamCodec) InputBuffer(slot int) []byte {
	return s.input.Bytes(slot)
}

// QueueInput submits size bytes of slot. A buffer with
// FlagEndOfStream closes the input and its data is ignored.
func (s *StreamCodec) QueueInput(slot int, size int, ptsUs int64, flags Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		s.input.Release(slot) //nolint:errcheck
		return ErrStopped
	}
	if s.inputClosed {
		s.input.Release(slot) //nolint:errcheck
		return ErrInputClosed
	}
	if flags.Has(FlagEndOfStream) {
		s.input.Release(slot) //nolint:errcheck
		s.closeInput()
		return nil
	}
	if size < 0 || size > len(s.input.Bytes(slot)) {
		s.input.Release(slot) //nolint:errcheck
		return fmt.Errorf("invalid size: %d", size)
	}

	if !s.hasFirstPTS {
		s.firstPTS = ptsUs
		s.hasFirstPTS = true
	}
	s.ptsQueue = append(s.ptsQueue, ptsUs)

	// Never blocks, there are at most len(slots) jobs.
	s.jobs <- inputJob{slot: slot, size: size}
	return nil
}

// Caller must hold lock.
func (s *StreamCodec) closeInput() {
	if s.inputClosed {
		return
	}
	s.inputClosed = true
	close(s.jobs)
}

// DequeueOutput waits at most timeout for the next output.
func (s *StreamCodec) DequeueOutput(timeout time.Duration) (Output, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return Output{}, ErrStopped
	}

	if s.pending == nil {
		e, ok := s.nextEvent(timeout)
		if !ok {
			return Output{Status: StatusTryAgain}, nil
		}
		s.pending = &e
	}

	e := *s.pending
	if e.err != nil {
		s.pending = nil
		return Output{}, e.err
	}
	if e.status == StatusFormatChanged {
		s.pending = nil
		return Output{Status: StatusFormatChanged}, nil
	}

	slot, ok := s.output.Acquire(0)
	if !ok {
		// Keep event until a slot is released.
		return Output{Status: StatusTryAgain}, nil
	}
	s.pending = nil

	if err := s.output.Put(slot, e.data); err != nil {
		return Output{}, err
	}
	info := e.info
	info.Offset = 0
	info.Size = len(e.data)
	return Output{Status: StatusBuffer, Slot: slot, Info: info}, nil
}

func (s *StreamCodec) nextEvent(timeout time.Duration) (event, bool) {
	if timeout <= 0 {
		select {
		case e := <-s.events:
			return e, true
		default:
			return event{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e := <-s.events:
		return e, true
	case <-timer.C:
		return event{}, false
	}
}

// OutputBuffer returns the buffer of an output slot.
func (s *StreamCodec) OutputBuffer(slot int) []byte {
	return s.output.Bytes(slot)
}

// ReleaseOutput returns an output slot to the codec.
func (s *StreamCodec) ReleaseOutput(slot int) error {
	return s.output.Release(slot)
}

// OutputFormat returns the current output format.
func (s *StreamCodec) OutputFormat() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Stop stops the encoder process and waits for it to exit.
func (s *StreamCodec) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.closeInput()
	close(s.done)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Release stops the codec if running.
func (s *StreamCodec) Release() {
	s.Stop() //nolint:errcheck
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
