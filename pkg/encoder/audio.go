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

package encoder

import (
	"camrec/pkg/codec"
	"camrec/pkg/log"
	"context"
	"errors"
	"fmt"
)

// AudioConfig audio encoder config.
type AudioConfig struct {
	SampleRate   int
	ChannelCount int
	BitRate      int

	Session string
}

// ErrInvalidAudioConfig invalid audio config.
var ErrInvalidAudioConfig = errors.New("invalid audio config")

// AudioEncoder encodes 16 bit little-endian PCM into AAC.
type AudioEncoder struct {
	encoder

	sampleRate    int
	bytesPerFrame int
}

// NewAudioEncoder creates the audio codec for config.
func NewAudioEncoder(
	config AudioConfig,
	newCodec codec.NewFunc,
	muxer Muxer,
	logger *log.Logger,
) (*AudioEncoder, error) {
	if config.SampleRate <= 0 || config.ChannelCount <= 0 {
		return nil, fmt.Errorf("%w: rate=%d channels=%d",
			ErrInvalidAudioConfig, config.SampleRate, config.ChannelCount)
	}

	c, err := newCodec(AudioFormat(config))
	if err != nil {
		return nil, fmt.Errorf("create audio codec: %w", err)
	}
	return &AudioEncoder{
		encoder:       newEncoder(codec.KindAudio, c, muxer, logger, config.Session),
		sampleRate:    config.SampleRate,
		bytesPerFrame: 2 * config.ChannelCount,
	}, nil
}

// AudioFormat returns the requested encoder format.
func AudioFormat(config AudioConfig) codec.Format {
	return codec.Format{
		Kind:         codec.KindAudio,
		MIME:         codec.MIMEAudioAAC,
		SampleRate:   config.SampleRate,
		ChannelCount: config.ChannelCount,
		BitRate:      config.BitRate,
	}
}

// Start starts the codec.
func (e *AudioEncoder) Start(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		return err
	}
	e.logf(log.LevelInfo, "started: %dHz", e.sampleRate)
	return nil
}

// Encode submits PCM data and drains the codec. Data larger than
// a input buffer is split across buffers. A length less
// than or equal to zero signals end of stream.
func (e *AudioEncoder) Encode(buf []byte, length int, ptsUs int64) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if length <= 0 {
		return e.endOfStream(ptsUs)
	}
	if length > len(buf) {
		length = len(buf)
	}

	offset := 0
	for offset < length {
		pts := ptsUs + e.durationUs(offset)
		n := 0
		ok := e.submit(pts, func(dst []byte) int {
			n = copy(dst, buf[offset:length])
			return n
		})
		if !ok || n == 0 {
			break
		}
		offset += n
	}
	return e.drain(false)
}

// durationUs returns the play time of n bytes.
func (e *AudioEncoder) durationUs(n int) int64 {
	return int64(n/e.bytesPerFrame) * 1000000 / int64(e.sampleRate)
}

// Stop stops the codec.
func (e *AudioEncoder) Stop() error {
	e.stop()
	e.logf(log.LevelInfo, "stopped: %+v", e.Stats())
	return nil
}
