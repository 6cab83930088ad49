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

// rawrec records a raw NV21 file and an optional s16le PCM file into a container.
package main

import (
	"camrec/pkg/codec"
	"camrec/pkg/container"
	"camrec/pkg/ffmpeg"
	"camrec/pkg/log"
	"camrec/pkg/recorder"
	"camrec/pkg/yuv"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/alecthomas/kong"
)

var cli struct {
	Video      string `help:"raw NV21 input file" required:"" type:"existingfile"`
	Audio      string `help:"raw s16le PCM input file" type:"existingfile"`
	Width      int    `help:"frame width" required:""`
	Height     int    `help:"frame height" required:""`
	FrameRate  int    `help:"input frame rate" default:"24"`
	SampleRate int    `help:"audio sample rate" default:"44100"`
	Rotate     bool   `help:"rotate frames 90 degrees clockwise"`
	Format     string `help:"container format: mp4, ts or mkv" default:"mp4"`
	FFmpeg     string `help:"ffmpeg binary" default:"ffmpeg"`
	Output     string `arg:"" help:"output file" type:"path"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("rawrec"),
		kong.Description("Record raw camera and microphone dumps."),
		kong.UsageOnError(),
	)
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Frames are retried while the mailbox is full.
const pushRetry = time.Millisecond

func run() error {
	format, err := container.ParseFormat(cli.Format)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	logger := log.NewLogger(wg)
	logger.Start(ctx)
	go logger.LogToStdout(ctx)
	time.Sleep(10 * time.Millisecond)

	ffmpegConfig := codec.FFmpegConfig{
		FFmpeg:   ffmpeg.New(cli.FFmpeg),
		Logger:   logger,
		LogLevel: "error",
	}
	rec := recorder.New(ctx, recorder.Config{
		Logger:        logger,
		Format:        format,
		NewVideoCodec: codec.VideoFactory(ffmpegConfig),
		NewAudioCodec: codec.AudioFactory(ffmpegConfig),
	})
	defer rec.Release() //nolint:errcheck

	profile := recorder.DefaultProfile()
	profile.VideoWidth = cli.Width
	profile.VideoHeight = cli.Height
	profile.FrameRate = cli.FrameRate
	profile.SampleRate = cli.SampleRate
	profile.Rotate = cli.Rotate

	recordAudio := cli.Audio != ""
	if err := rec.SetupProfile(ctx, cli.Output, recordAudio, profile); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	video, err := os.Open(cli.Video)
	if err != nil {
		return err
	}
	defer video.Close()

	var audio io.Reader
	if recordAudio {
		file, err := os.Open(cli.Audio)
		if err != nil {
			return err
		}
		defer file.Close()
		audio = file
	}

	frames, err := feed(rec, video, audio)
	if err != nil {
		rec.Stop() //nolint:errcheck
		return err
	}
	if err := rec.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	fmt.Printf("recorded %v frames to %v\n", frames, cli.Output)
	return nil
}

// feed pushes one frame per tick with the audio that belongs to it.
func feed(rec *recorder.Recorder, video io.Reader, audio io.Reader) (int, error) {
	frameSize := yuv.FrameSize(cli.Width, cli.Height)
	audioPerFrame := cli.SampleRate * 2 * recorder.DefaultChannelCount / cli.FrameRate

	ticker := time.NewTicker(time.Second / time.Duration(cli.FrameRate))
	defer ticker.Stop()

	frames := 0
	for range ticker.C {
		frame := make([]byte, frameSize)
		if _, err := io.ReadFull(video, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return frames, nil
			}
			return frames, err
		}
		for !rec.PushRawVideoFrame(frame, cli.Width, cli.Height) {
			if !rec.IsRecording() {
				return frames, recorder.ErrNotSetup
			}
			time.Sleep(pushRetry)
		}
		frames++

		if audio == nil {
			continue
		}
		if err := feedAudio(rec, audio, audioPerFrame); err != nil {
			return frames, err
		}
	}
	return frames, nil
}

func feedAudio(rec *recorder.Recorder, audio io.Reader, size int) error {
	for size > 0 {
		chunk := make([]byte, min(size, recorder.AudioChunkSize))
		n, err := io.ReadFull(audio, chunk)
		if n > 0 {
			for !rec.PushRawAudioFrame(chunk, n) {
				if !rec.IsRecording() {
					return recorder.ErrNotSetup
				}
				time.Sleep(pushRetry)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size -= n
	}
	return nil
}
