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

package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// LogFunc logs a single line of process output.
type LogFunc func(string)

// Process interface only used for testing.
type Process interface {
	// Start starts the process and blocks until it exits.
	Start(ctx context.Context) error

	Timeout(time.Duration) Process
	StdoutLogger(LogFunc) Process
	StderrLogger(LogFunc) Process
}

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutLogger LogFunc
	stderrLogger LogFunc
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
	}
}

// Timeout sets the time to wait after interrupt before killing the process.
func (p process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

// StdoutLogger sets a function to log stdout lines.
func (p process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

// StderrLogger sets a function to log stderr lines.
func (p process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}

func attachLogger(
	wg *sync.WaitGroup,
	l LogFunc,
	label string,
	stdPipe func() (io.ReadCloser, error),
) error {
	pipe, err := stdPipe()
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(pipe)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for scanner.Scan() {
			l(label + ": " + scanner.Text())
		}
	}()
	return nil
}

// Start starts process with context.
func (p process) Start(ctx context.Context) error {
	var logWG sync.WaitGroup
	if p.stdoutLogger != nil {
		if err := attachLogger(&logWG, p.stdoutLogger, "stdout", p.cmd.StdoutPipe); err != nil {
			return err
		}
	}
	if p.stderrLogger != nil {
		if err := attachLogger(&logWG, p.stderrLogger, "stderr", p.cmd.StderrPipe); err != nil {
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			p.stop(done)
		}
	}()

	// Pipes must be read to completion before Wait closes them.
	logWG.Wait()
	err := p.cmd.Wait()
	close(done)

	// FFmpeg seems to return 255 on normal exit.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 255 {
		return nil
	}

	return err
}

// Note, can't use CommandContext to stop process as it would
// kill the process before it has a chance to exit on its own.
func (p process) stop(done chan struct{}) {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-done
	}
}

// MakePipe creates fifo pipe at specified location.
func MakePipe(path string) error {
	os.Remove(path)
	return syscall.Mkfifo(path, 0o600)
}

// FFMPEG stores ffmpeg binary location.
type FFMPEG struct {
	bin     string
	command func(...string) *exec.Cmd
}

// New returns FFMPEG.
func New(bin string) *FFMPEG {
	command := func(args ...string) *exec.Cmd {
		return exec.Command(bin, args...)
	}
	return &FFMPEG{bin: bin, command: command}
}

// Command returns a command with the ffmpeg binary.
func (f *FFMPEG) Command(args ...string) *exec.Cmd {
	return f.command(args...)
}

// LookPath checks that the binary is executable.
func (f *FFMPEG) LookPath() error {
	_, err := exec.LookPath(f.bin)
	return err
}

// VideoArgs raw video encoder options.
type VideoArgs struct {
	Width          int
	Height         int
	FrameRate      int
	BitRate        int
	IFrameInterval int // Seconds.
	LogLevel       string
}

// VideoEncoderArgs returns arguments that read NV12 frames
// from stdin and write a H264 Annex-B stream to stdout.
// Every access unit starts with an access unit delimiter.
func VideoEncoderArgs(a VideoArgs) []string {
	gop := a.FrameRate * a.IFrameInterval
	if gop <= 0 {
		gop = 1
	}
	return []string{
		"-hide_banner",
		"-loglevel", logLevel(a.LogLevel),
		"-f", "rawvideo",
		"-pix_fmt", "nv12",
		"-video_size", strconv.Itoa(a.Width) + "x" + strconv.Itoa(a.Height),
		"-framerate", strconv.Itoa(a.FrameRate),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-bf", "0",
		"-g", strconv.Itoa(gop),
		"-b:v", strconv.Itoa(a.BitRate),
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	}
}

// AudioArgs raw audio encoder options.
type AudioArgs struct {
	SampleRate   int
	ChannelCount int
	BitRate      int
	LogLevel     string
}

// AudioEncoderArgs returns arguments that read signed 16bit
// little endian PCM from stdin and write AAC-LC ADTS to stdout.
func AudioEncoderArgs(a AudioArgs) []string {
	return []string{
		"-hide_banner",
		"-loglevel", logLevel(a.LogLevel),
		"-f", "s16le",
		"-ar", strconv.Itoa(a.SampleRate),
		"-ac", strconv.Itoa(a.ChannelCount),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(a.BitRate),
		"-f", "adts",
		"pipe:1",
	}
}

func logLevel(level string) string {
	if level == "" {
		return "error"
	}
	return level
}
