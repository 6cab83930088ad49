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

package ffmock

import (
	"camrec/pkg/ffmpeg"
	"context"
	"errors"
	"os/exec"
	"time"
)

// ErrMock mock error.
var ErrMock = errors.New("mock")

// MockProcessConfig ProcessMocker config.
type MockProcessConfig struct {
	ReturnErr bool
	Sleep     time.Duration

	// Run is called with the command when the process starts.
	// The process exits when Run returns.
	Run func(*exec.Cmd) error
}

// NewProcessMocker creates process mocker from config.
func NewProcessMocker(c MockProcessConfig) ffmpeg.NewProcessFunc {
	return func(cmd *exec.Cmd) ffmpeg.Process {
		return mockProcess{
			c:   c,
			cmd: cmd,
		}
	}
}

type mockProcess struct {
	c   MockProcessConfig
	cmd *exec.Cmd
}

func (m mockProcess) Start(ctx context.Context) error {
	if m.c.Sleep != 0 {
		select {
		case <-time.After(m.c.Sleep):
		case <-ctx.Done():
		}
	}
	if m.c.Run != nil {
		if err := m.c.Run(m.cmd); err != nil {
			return err
		}
	}
	if m.c.ReturnErr {
		return ErrMock
	}
	return nil
}

func (m mockProcess) Timeout(time.Duration) ffmpeg.Process      { return m }
func (m mockProcess) StdoutLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }
func (m mockProcess) StderrLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }

// NewProcess Sleeps for 15ms before returning.
var NewProcess = NewProcessMocker(MockProcessConfig{
	Sleep: 15 * time.Millisecond,
})

// NewProcessNil returns nil
var NewProcessNil = NewProcessMocker(MockProcessConfig{})

// NewProcessErr returns error.
var NewProcessErr = NewProcessMocker(MockProcessConfig{
	ReturnErr: true,
})
