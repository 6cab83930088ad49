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

package storage

import (
	"camrec/pkg/container"
	"camrec/pkg/log"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	storageDir := t.TempDir()
	env := &ConfigEnv{
		StorageDir: storageDir,
		Format:     container.FormatMKV,
	}
	require.NoError(t, os.MkdirAll(env.RecordingsDir(), 0o700))
	return NewManager(env, log.NewMockLogger()), env.RecordingsDir()
}

func TestRecordingPath(t *testing.T) {
	m, dir := newTestManager(t)
	start := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)

	expected := filepath.Join(dir, "2022", "03", "04", "2022-03-04_05-06-07_abc.mkv")
	require.Equal(t, expected, m.RecordingPath(start, "abc"))
}

func TestDiskUsageBytes(t *testing.T) {
	fileSystem := fstest.MapFS{
		"a":     {Data: make([]byte, 10)},
		"b/c":   {Data: make([]byte, 5)},
		"b/d/e": {Data: make([]byte, 1)},
	}
	require.Equal(t, int64(16), diskUsageBytes(fileSystem))
}

func TestFormatDiskUsage(t *testing.T) {
	cases := []struct {
		used     float64
		expected string
	}{
		{10 * megabyte, "10MB"},
		{2 * gigabyte, "2.00GB"},
		{20 * gigabyte, "20.0GB"},
		{200 * gigabyte, "200GB"},
		{2 * terabyte, "2.00TB"},
		{20 * terabyte, "20.0TB"},
		{200 * terabyte, "200TB"},
	}
	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, formatDiskUsage(tc.used))
		})
	}
}

func newTestDisk(used int64, maxUsage float64, total int64, totalErr error) *diskCache {
	return &diskCache{
		maxUsage: maxUsage,
		diskUsageBytes: func(fs.FS) int64 {
			return used
		},
		diskTotal: func(string) (int64, error) {
			return total, totalErr
		},
	}
}

var errMock = errors.New("mock")

func TestUsage(t *testing.T) {
	t.Run("maxUsage", func(t *testing.T) {
		d := newTestDisk(int64(2*gigabyte), 10, 0, errMock)
		usage, err := d.usage(time.Hour)
		require.NoError(t, err)
		require.Equal(t, DiskUsage{
			Used:      int64(2 * gigabyte),
			Percent:   20,
			Max:       10,
			Formatted: "2.00GB",
		}, usage)
	})
	t.Run("partition", func(t *testing.T) {
		d := newTestDisk(int64(50*gigabyte), 0, int64(100*gigabyte), nil)
		usage, err := d.usage(time.Hour)
		require.NoError(t, err)
		require.Equal(t, 50, usage.Percent)
		require.Equal(t, int64(100), usage.Max)
	})
	t.Run("partitionErr", func(t *testing.T) {
		d := newTestDisk(1, 0, 0, errMock)
		_, err := d.usage(time.Hour)
		require.ErrorIs(t, err, errMock)
	})
	t.Run("cached", func(t *testing.T) {
		calls := 0
		d := newTestDisk(0, 1, 0, nil)
		d.diskUsageBytes = func(fs.FS) int64 {
			calls++
			return int64(calls)
		}

		usage, err := d.usage(time.Hour)
		require.NoError(t, err)
		require.Equal(t, int64(1), usage.Used)

		usage, err = d.usage(time.Hour)
		require.NoError(t, err)
		require.Equal(t, int64(1), usage.Used)

		cached, age := d.usageCached()
		require.Equal(t, int64(1), cached.Used)
		require.Less(t, age, time.Hour)

		usage, err = d.usage(0)
		require.NoError(t, err)
		require.Equal(t, int64(2), usage.Used)
	})
}

func createDirs(t *testing.T, root string, dirs ...string) {
	t.Helper()
	for _, dir := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o700))
	}
}

func TestPurge(t *testing.T) {
	t.Run("belowLimit", func(t *testing.T) {
		m, dir := newTestManager(t)
		createDirs(t, dir, "2000/01/01")
		m.disk = newTestDisk(1, 1, 0, nil)

		require.NoError(t, m.purge())
		require.DirExists(t, filepath.Join(dir, "2000/01/01"))
	})
	t.Run("oldestDay", func(t *testing.T) {
		m, dir := newTestManager(t)
		createDirs(t, dir, "2000/01/01", "2000/01/02", "2001/01/01")
		m.disk = newTestDisk(int64(gigabyte), 1, 0, nil)

		require.NoError(t, m.purge())
		require.NoDirExists(t, filepath.Join(dir, "2000/01/01"))
		require.DirExists(t, filepath.Join(dir, "2000/01/02"))
		require.DirExists(t, filepath.Join(dir, "2001/01/01"))
	})
	t.Run("emptyMonth", func(t *testing.T) {
		m, dir := newTestManager(t)
		createDirs(t, dir, "2000/01", "2000/02/01", "2000/02/02")
		m.disk = newTestDisk(int64(gigabyte), 1, 0, nil)

		require.NoError(t, m.purge())
		require.NoDirExists(t, filepath.Join(dir, "2000/01"))
		require.NoDirExists(t, filepath.Join(dir, "2000/02/01"))
		require.DirExists(t, filepath.Join(dir, "2000/02/02"))
	})
	t.Run("empty", func(t *testing.T) {
		m, _ := newTestManager(t)
		m.disk = newTestDisk(int64(gigabyte), 1, 0, nil)
		require.NoError(t, m.purge())
	})
	t.Run("usageErr", func(t *testing.T) {
		m, _ := newTestManager(t)
		m.disk = newTestDisk(1, 0, 0, errMock)
		require.ErrorIs(t, m.purge(), errMock)
	})
	t.Run("removeErr", func(t *testing.T) {
		m, dir := newTestManager(t)
		createDirs(t, dir, "2000/01/01")
		m.disk = newTestDisk(int64(gigabyte), 1, 0, nil)
		m.removeAll = func(string) error {
			return errMock
		}
		require.ErrorIs(t, m.purge(), errMock)
	})
}

func TestPurgeLoop(t *testing.T) {
	m, dir := newTestManager(t)
	createDirs(t, dir, "2000/01/01", "2000/01/02")
	m.disk = newTestDisk(int64(gigabyte), 1, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.PurgeLoop(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "2000/01/01"))
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
