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

package recorder

import (
	"camrec/pkg/log"
	"errors"
	"io"
	"os"
	"sync"
)

// AudioChunkSize bytes read from an audio source per frame.
const AudioChunkSize = 1024

// AudioSource produces raw s16le PCM. Close must unblock a pending Read.
type AudioSource interface {
	Read([]byte) (int, error)
	Close() error
}

// NewAudioSourceFunc opens an audio source for a session.
type NewAudioSourceFunc func(Profile) (AudioSource, error)

// ReaderSource adapts an io.ReadCloser, a named pipe or arecord stdout.
type ReaderSource struct {
	rc io.ReadCloser
}

// NewReaderSource returns a ReaderSource.
func NewReaderSource(rc io.ReadCloser) *ReaderSource {
	return &ReaderSource{rc: rc}
}

// Read .
func (s *ReaderSource) Read(b []byte) (int, error) {
	return s.rc.Read(b)
}

// Close .
func (s *ReaderSource) Close() error {
	return s.rc.Close()
}

// PipeSource returns a NewAudioSourceFunc that opens the named pipe at path.
// The pipe is opened read-write so the open does not wait for a writer.
func PipeSource(path string) NewAudioSourceFunc {
	return func(Profile) (AudioSource, error) {
		file, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		return NewReaderSource(file), nil
	}
}

// pump reads chunks from an audio source and pushes
// them to the recorder until stopped.
type pump struct {
	source AudioSource
	push   func([]byte, int) bool
	logger *log.Logger
	sessID string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPump(
	source AudioSource,
	push func([]byte, int) bool,
	logger *log.Logger,
	sessID string,
) *pump {
	return &pump{
		source: source,
		push:   push,
		logger: logger,
		sessID: sessID,
		stop:   make(chan struct{}),
	}
}

func (p *pump) start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run()
	}()
}

func (p *pump) run() {
	for {
		buf := make([]byte, AudioChunkSize)
		n, err := p.source.Read(buf)
		if n > 0 {
			select {
			case <-p.stop:
				return
			default:
			}
			if !p.push(buf[:n], n) {
				p.logger.Debug().Src("audio").Session(p.sessID).Msg("audio frame refused")
			}
		}
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				p.logger.Error().Src("audio").Session(p.sessID).Msgf("read audio: %v", err)
			} else {
				p.logger.Info().Src("audio").Session(p.sessID).Msg("audio source closed")
			}
			return
		}
	}
}

// close stops the pump and waits for it to exit.
func (p *pump) close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if err := p.source.Close(); err != nil {
			p.logger.Warn().Src("audio").Session(p.sessID).Msgf("close audio source: %v", err)
		}
	})
	p.wg.Wait()
}
