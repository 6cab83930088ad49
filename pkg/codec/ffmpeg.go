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
	"camrec/pkg/ffmpeg"
	"camrec/pkg/log"
	"camrec/pkg/yuv"
	"context"
	"errors"
	"fmt"
	"io"
)

// Encoder buffer slot counts.
const (
	VideoInputSlots  = 4
	VideoOutputSlots = 4
	AudioInputSlots  = 8
	AudioOutputSlots = 8

	AudioInputSize = 8192

	videoOutputSize = 256 * 1024
	audioOutputSize = 2048
)

// Codec construction errors.
var (
	ErrInvalidSize      = errors.New("invalid video size")
	ErrInvalidFrameRate = errors.New("invalid frame rate")
	ErrInvalidBitRate   = errors.New("invalid bit rate")
	ErrInvalidAudio     = errors.New("invalid audio sample rate or channel count")
)

// FFmpegConfig shared config of the ffmpeg backed codecs.
type FFmpegConfig struct {
	FFmpeg   *ffmpeg.FFMPEG
	Logger   *log.Logger
	LogLevel string

	// Used for mocking, the binary is checked when nil.
	NewProcess ffmpeg.NewProcessFunc
}

func (c FFmpegConfig) processStart(args []string, src string) (StartFunc, error) {
	newProcess := c.NewProcess
	if newProcess == nil {
		if err := c.FFmpeg.LookPath(); err != nil {
			return nil, fmt.Errorf("ffmpeg: %w", err)
		}
		newProcess = ffmpeg.NewProcess
	}

	start := func(ctx context.Context) (io.WriteCloser, io.Reader, error) {
		cmd := c.FFmpeg.Command(args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("stdin: %w", err)
		}
		pr, pw := io.Pipe()
		cmd.Stdout = pw

		logFunc := func(msg string) {
			c.Logger.Debug().Src(src).Msg(msg)
		}
		process := newProcess(cmd).StderrLogger(logFunc)

		c.Logger.Debug().Src(src).Msgf("starting encoder: %v", args)
		go func() {
			err := process.Start(ctx)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("encoder process: %w", err))
				return
			}
			pw.Close()
		}()
		return stdin, pr, nil
	}
	return start, nil
}

// NewVideoCodec returns a H264 encoder reading NV12 frames.
func NewVideoCodec(c FFmpegConfig, f Format) (*StreamCodec, error) {
	if f.Width <= 0 || f.Height <= 0 || f.Width%2 != 0 || f.Height%2 != 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, f.Width, f.Height)
	}
	if f.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameRate, f.FrameRate)
	}
	if f.BitRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBitRate, f.BitRate)
	}

	args := ffmpeg.VideoEncoderArgs(ffmpeg.VideoArgs{
		Width:          f.Width,
		Height:         f.Height,
		FrameRate:      f.FrameRate,
		BitRate:        f.BitRate,
		IFrameInterval: f.IFrameInterval,
		LogLevel:       c.LogLevel,
	})
	start, err := c.processStart(args, "video encoder")
	if err != nil {
		return nil, err
	}

	f.Kind = KindVideo
	f.MIME = MIMEVideoAVC
	return NewStreamCodec(StreamConfig{
		Format:      f,
		Start:       start,
		InputSlots:  VideoInputSlots,
		InputSize:   yuv.FrameSize(f.Width, f.Height),
		OutputSlots: VideoOutputSlots,
		OutputSize:  videoOutputSize,
	})
}

// NewAudioCodec returns a AAC-LC encoder reading signed 16bit PCM.
func NewAudioCodec(c FFmpegConfig, f Format) (*StreamCodec, error) {
	if f.SampleRate <= 0 || f.ChannelCount <= 0 {
		return nil, fmt.Errorf("%w: %d %d", ErrInvalidAudio, f.SampleRate, f.ChannelCount)
	}
	if f.BitRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBitRate, f.BitRate)
	}

	args := ffmpeg.AudioEncoderArgs(ffmpeg.AudioArgs{
		SampleRate:   f.SampleRate,
		ChannelCount: f.ChannelCount,
		BitRate:      f.BitRate,
		LogLevel:     c.LogLevel,
	})
	start, err := c.processStart(args, "audio encoder")
	if err != nil {
		return nil, err
	}

	f.Kind = KindAudio
	f.MIME = MIMEAudioAAC
	return NewStreamCodec(StreamConfig{
		Format:      f,
		Start:       start,
		InputSlots:  AudioInputSlots,
		InputSize:   AudioInputSize,
		OutputSlots: AudioOutputSlots,
		OutputSize:  audioOutputSize,
	})
}

// VideoFactory returns a NewFunc creating video codecs.
func VideoFactory(c FFmpegConfig) NewFunc {
	return func(f Format) (Codec, error) {
		codec, err := NewVideoCodec(c, f)
		if err != nil {
			return nil, err
		}
		return codec, nil
	}
}

// AudioFactory returns a NewFunc creating audio codecs.
func AudioFactory(c FFmpegConfig) NewFunc {
	return func(f Format) (Codec, error) {
		codec, err := NewAudioCodec(c, f)
		if err != nil {
			return nil, err
		}
		return codec, nil
	}
}
