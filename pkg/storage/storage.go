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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// Manager storage manager.
type Manager struct {
	recordingsDir string
	recordingsFS  fs.FS
	format        container.Format
	disk          *diskCache
	removeAll     func(string) error

	logger *log.Logger
}

// NewManager returns new manager.
func NewManager(env *ConfigEnv, logger *log.Logger) *Manager {
	recordingsFS := os.DirFS(env.RecordingsDir())
	return &Manager{
		recordingsDir: env.RecordingsDir(),
		recordingsFS:  recordingsFS,
		format:        env.Format,
		disk:          newDiskCache(env, recordingsFS),
		removeAll:     os.RemoveAll,

		logger: logger,
	}
}

// RecordingsDir Returns path to recordings diectory.
func (s *Manager) RecordingsDir() string {
	return s.recordingsDir
}

// RecordingPath returns the output path of a recording that starts at t.
//
//	<recordingsDir>/YYYY/MM/DD/YYYY-MM-DD_hh-mm-ss_<id>.<ext>
func (s *Manager) RecordingPath(t time.Time, id string) string {
	return filepath.Join(
		s.recordingsDir,
		t.Format("2006"),
		t.Format("01"),
		t.Format("02"),
		t.Format("2006-01-02_15-04-05")+"_"+id+s.format.Ext(),
	)
}

// DiskUsageCached returns cached value and its age.
func (s *Manager) DiskUsageCached() (DiskUsage, time.Duration) {
	return s.disk.usageCached()
}

// DiskUsage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) (DiskUsage, error) {
	return s.disk.usage(maxAge)
}

// purge checks if disk usage is above 99%,
// if true deletes all files from the oldest day.
func (s *Manager) purge() error {
	usage, err := s.DiskUsage(10 * time.Minute)
	if err != nil {
		return fmt.Errorf("update disk usage: %w", err)
	}
	if usage.Percent < 99 {
		return nil
	}

	const dayDepth = 3

	// Find the oldest day.
	path := "."
	for depth := 1; depth <= dayDepth; depth++ {
		list, err := fs.ReadDir(s.recordingsFS, path)
		if err != nil {
			return fmt.Errorf("read directory %v: %w", path, err)
		}

		isDirEmpty := len(list) == 0
		if isDirEmpty {
			if depth == 1 {
				return nil
			}

			if err := s.removeAll(filepath.Join(s.recordingsDir, path)); err != nil {
				return fmt.Errorf("remove empty directory: %w", err)
			}

			path = "."
			depth = 0
			continue
		}

		path = filepath.Join(path, list[0].Name())
	}

	// Delete all files from that day
	s.logger.Info().Src("storage").Msgf("purging %v", path)
	if err := s.removeAll(filepath.Join(s.recordingsDir, path)); err != nil {
		return fmt.Errorf("remove directory: %w", err)
	}
	return nil
}

// PurgeLoop runs Purge on an interval until context is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, duration time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(duration):
			if err := s.purge(); err != nil {
				s.logger.Error().Src("storage").Msgf("could not purge storage: %v", err)
			}
		}
	}
}

// Only used to calculate and cache disk usage.
type diskCache struct {
	maxUsage       float64 // GB
	storageDir     string
	recordingsFS   fs.FS
	diskUsageBytes func(fs.FS) int64
	diskTotal      func(string) (int64, error)

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDiskCache(env *ConfigEnv, recordingsFS fs.FS) *diskCache {
	return &diskCache{
		maxUsage:       env.MaxDiskUsage,
		storageDir:     env.StorageDir,
		recordingsFS:   recordingsFS,
		diskUsageBytes: diskUsageBytes,
		diskTotal:      partitionSize,
	}
}

func (d *diskCache) usageCached() (DiskUsage, time.Duration) {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()

	return d.cache, time.Since(d.lastUpdate)
}

// usage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (d *diskCache) usage(maxAge time.Duration) (DiskUsage, error) {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	updatedUsage, err := d.calculateDiskUsage()
	if err != nil {
		return DiskUsage{}, err
	}

	d.cacheLock.Lock()
	d.cache = updatedUsage
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updatedUsage, nil
}

func (d *diskCache) calculateDiskUsage() (DiskUsage, error) {
	used := d.diskUsageBytes(d.recordingsFS)

	diskSpaceBytes := int64(d.maxUsage * gigabyte)
	if diskSpaceBytes == 0 {
		total, err := d.diskTotal(d.storageDir)
		if err != nil {
			return DiskUsage{}, fmt.Errorf("disk space: %w", err)
		}
		diskSpaceBytes = total
	}

	percent := func() int {
		if used == 0 || diskSpaceBytes == 0 {
			return 0
		}
		return int((used * 100) / diskSpaceBytes)
	}()

	return DiskUsage{
		Used:      used,
		Percent:   percent,
		Max:       diskSpaceBytes / int64(gigabyte),
		Formatted: formatDiskUsage(float64(used)),
	}, nil
}

// DiskUsage in Bytes.
type DiskUsage struct {
	Used      int64  `json:"used"`
	Percent   int    `json:"percent"`
	Max       int64  `json:"max"`
	Formatted string `json:"formatted"`
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

func diskUsageBytes(fileSystem fs.FS) int64 {
	var used int64
	fs.WalkDir(fileSystem, ".", func(_ string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()

		return nil
	})
	return used
}

// partitionSize returns the size of the partition containing path.
func partitionSize(path string) (int64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return int64(stat.Total), nil
}
