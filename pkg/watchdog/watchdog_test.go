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

package watchdog

import (
	"camrec/pkg/log"
	"camrec/pkg/recorder"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.mp4")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return path
}

func TestWatchFile(t *testing.T) {
	t.Run("write", func(t *testing.T) {
		path := newTestFile(t)
		d := New(nil, time.Hour, log.NewMockLogger())

		done := make(chan struct{})
		defer close(done)
		go func() {
			file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
			if err != nil {
				return
			}
			defer file.Close()
			for {
				select {
				case <-done:
					return
				case <-time.After(5 * time.Millisecond):
					file.Write([]byte{1}) //nolint:errcheck
				}
			}
		}()
		require.NoError(t, d.watchFile(context.Background(), path))
	})
	t.Run("freeze", func(t *testing.T) {
		d := New(nil, 10*time.Millisecond, log.NewMockLogger())
		err := d.watchFile(context.Background(), newTestFile(t))
		require.ErrorIs(t, err, ErrFreeze)
	})
	t.Run("missing", func(t *testing.T) {
		d := New(nil, time.Hour, log.NewMockLogger())
		err := d.watchFile(context.Background(), filepath.Join(t.TempDir(), "nil"))
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrFreeze)
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		d := New(nil, time.Hour, log.NewMockLogger())
		require.NoError(t, d.watchFile(ctx, newTestFile(t)))
	})
}

func TestWatchdog(t *testing.T) {
	t.Run("freeze", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		path := newTestFile(t)
		status := func() recorder.Status {
			return recorder.Status{Recording: true, Session: "s1", OutputPath: path}
		}
		logger := log.NewMockLogger()
		feed, cancelFeed := logger.Subscribe()
		defer cancelFeed()

		d := New(status, 10*time.Millisecond, logger)
		go d.Start(ctx)

		entry := <-feed
		require.Equal(t, log.LevelError, entry.Level)
		require.Equal(t, "watchdog", entry.Src)
		require.Equal(t, "s1", entry.Session)
		require.Equal(t, path+": possible freeze detected", entry.Msg)
	})
	t.Run("notRecording", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		calls := 0
		status := func() recorder.Status {
			calls++
			return recorder.Status{}
		}
		d := New(status, 5*time.Millisecond, log.NewMockLogger())
		d.Start(ctx)
		require.Positive(t, calls)
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		New(nil, time.Hour, log.NewMockLogger()).Start(ctx)
	})
}
