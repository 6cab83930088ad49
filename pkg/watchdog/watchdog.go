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

// Package watchdog warns when an active recording stops growing.
package watchdog

import (
	"camrec/pkg/log"
	"camrec/pkg/recorder"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultInterval .
const DefaultInterval = 10 * time.Second

// ErrFreeze possible freeze detected.
var ErrFreeze = errors.New("possible freeze detected")

// StatusFunc returns the current recorder status.
type StatusFunc func() recorder.Status

// Watchdog checks that the output file of the current
// recording is written to at least once per interval.
type Watchdog struct {
	status   StatusFunc
	interval time.Duration
	logger   *log.Logger
}

// New returns a watchdog, call Start to begin watching.
func New(status StatusFunc, interval time.Duration, logger *log.Logger) *Watchdog {
	return &Watchdog{
		status:   status,
		interval: interval,
		logger:   logger,
	}
}

// Start blocks until ctx is canceled.
func (d *Watchdog) Start(ctx context.Context) {
	for {
		select {
		case <-time.After(d.interval):
		case <-ctx.Done():
			return
		}

		status := d.status()
		if !status.Recording || status.OutputPath == "" {
			continue
		}
		if err := d.watchFile(ctx, status.OutputPath); err != nil {
			d.logger.Error().
				Src("watchdog").
				Session(status.Session).
				Msgf("%v: %v", status.OutputPath, err)
		}
	}
}

func (d *Watchdog) watchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	for {
		select {
		case event := <-watcher.Events:
			if event.Has(fsnotify.Write) {
				return nil
			}
		case <-time.After(d.interval):
			return ErrFreeze
		case err := <-watcher.Errors:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
