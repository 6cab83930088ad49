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

// Package system samples host resource usage.
package system

import (
	"camrec/pkg/log"
	"camrec/pkg/storage"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status stores system status.
type Status struct {
	CPUUsage           int    `json:"cpuUsage"`
	RAMUsage           int    `json:"ramUsage"`
	DiskUsage          int    `json:"diskUsage"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`
}

// ErrNoCPU cpu usage returned no values.
var ErrNoCPU = errors.New("no cpu")

type (
	cpuFunc  func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc  func() (*mem.VirtualMemoryStat, error)
	diskFunc func() (storage.DiskUsage, error)
)

// System .
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc

	status   Status
	duration time.Duration

	logger *log.Logger
	mu     sync.Mutex
}

// New returns new System, disk is usually storage.Manager.DiskUsage.
func New(disk func(time.Duration) (storage.DiskUsage, error), logger *log.Logger) *System {
	return &System{
		cpu: cpu.PercentWithContext,
		ram: mem.VirtualMemory,
		disk: func() (storage.DiskUsage, error) {
			return disk(5 * time.Minute)
		},

		duration: 10 * time.Second,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("could not get cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return fmt.Errorf("could not get cpu usage: %w", ErrNoCPU)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("could not get ram usage: %w", err)
	}
	diskUsage, err := s.disk()
	if err != nil {
		return fmt.Errorf("could not get disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          diskUsage.Percent,
		DiskUsageFormatted: diskUsage.Formatted,
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *System) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.update(ctx); err != nil {
			s.logger.Error().Src("app").Msgf("could not update system status: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.duration):
			}
		}
	}
}

// Status returns cpu, ram and disk usage.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
