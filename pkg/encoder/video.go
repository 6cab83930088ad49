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
	"camrec/pkg/yuv"
	"context"
	"errors"
	"fmt"
)

// VideoConfig video encoder config.
type VideoConfig struct {
	// Capture dimensions of the NV21 frames.
	Width  int
	Height int

	// Rotate frames 90 degrees clockwise before encoding.
	Rotate bool

	FrameRate      int
	IFrameInterval int
	BitRate        int

	Session string
}

// ErrInvalidDimensions invalid frame dimensions.
var ErrInvalidDimensions = errors.New("invalid frame dimensions")

// VideoEncoder encodes NV21 frames into H.264. Stop always finalizes the muxer.
type VideoEncoder struct {
	encoder

	width   int
	height  int
	rotate  bool
	rotated []byte
}

// NewVideoEncoder creates the video codec for config.
func NewVideoEncoder(
	config VideoConfig,
	newCodec codec.NewFunc,
	muxer Muxer,
	logger *log.Logger,
) (*VideoEncoder, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, config.Width, config.Height)
	}

	format := VideoFormat(config)
	c, err := newCodec(format)
	if err != nil {
		return nil, fmt.Errorf("create video codec: %w", err)
	}

	e := &VideoEncoder{
		encoder: newEncoder(codec.KindVideo, c, muxer, logger, config.Session),
		width:   config.Width,
		height:  config.Height,
		rotate:  config.Rotate,
	}
	if config.Rotate {
		e.rotated = make([]byte, yuv.FrameSize(config.Width, config.Height))
	}
	return e, nil
}

// VideoFormat returns the requested encoder format.
// Width and height are swapped when rotating.
func VideoFormat(config VideoConfig) codec.Format {
	width, height := config.Width, config.Height
	if config.Rotate {
		width, height = height, width
	}
	return codec.Format{
		Kind:           codec.KindVideo,
		MIME:           codec.MIMEVideoAVC,
		Width:          width,
		Height:         height,
		FrameRate:      config.FrameRate,
		IFrameInterval: config.IFrameInterval,
		BitRate:        config.BitRate,
	}
}

// Start starts the codec.
func (e *VideoEncoder) Start(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		return err
	}
	e.logf(log.LevelInfo, "started: %dx%d rotate=%v", e.width, e.height, e.rotate)
	return nil
}

// FrameSize size of a single input frame.
func (e *VideoEncoder) FrameSize() int {
	return yuv.FrameSize(e.width, e.height)
}

// Encode submits a NV21 frame and drains the codec.
// A length less than or equal to zero signals end of stream.
func (e *VideoEncoder) Encode(buf []byte, length int, ptsUs int64) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if length <= 0 {
		return e.endOfStream(ptsUs)
	}

	frameSize := e.FrameSize()
	if length < frameSize || len(buf) < frameSize {
		e.dropped.Add(1)
		e.logf(log.LevelWarning, "short frame dropped: %d<%d", length, frameSize)
		return fmt.Errorf("frame: %w", yuv.ErrShortBuffer)
	}

	src, width, height := buf[:frameSize], e.width, e.height
	if e.rotate {
		if err := yuv.RotateNV21(e.rotated, src, width, height); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		src, width, height = e.rotated, height, width
	}

	e.submit(ptsUs, func(dst []byte) int {
		if err := yuv.NV21ToNV12(dst, src, width, height); err != nil {
			e.logf(log.LevelError, "convert frame: %v", err)
			return 0
		}
		return frameSize
	})
	return e.drain(false)
}

// Stop stops the codec and finalizes the muxer, even
// if the encoder was never started.
func (e *VideoEncoder) Stop() error {
	e.stop()
	if err := e.muxer.Finalize(); err != nil {
		e.logf(log.LevelError, "finalize muxer: %v", err)
		return fmt.Errorf("finalize muxer: %w", err)
	}
	e.logf(log.LevelInfo, "stopped: %+v", e.Stats())
	return nil
}
