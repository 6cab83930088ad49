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
	"camrec/pkg/recorder"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// User basic auth account, Password is a bcrypt hash.
type User struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Port      int    `yaml:"port"`
	FFmpegBin string `yaml:"ffmpegBin"`

	HomeDir    string `yaml:"homeDir"`
	StorageDir string `yaml:"storageDir"`
	LogDBPath  string `yaml:"logDB"`
	ConfigDir  string `yaml:"-"`

	// Optional named pipe with raw PCM for the audio track.
	AudioPipe string `yaml:"audioPipe"`

	ContainerFormat string           `yaml:"containerFormat"`
	Format          container.Format `yaml:"-"`

	// Max disk usage in GB, zero uses the size of the partition.
	MaxDiskUsage float64 `yaml:"maxDiskUsage"`

	Profile recorder.Profile `yaml:"profile"`
	Users   []User           `yaml:"users"`
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = 2020
	}
	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.HomeDir == "" {
		env.HomeDir = filepath.Dir(env.ConfigDir)
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.HomeDir, "storage")
	}
	if env.LogDBPath == "" {
		env.LogDBPath = filepath.Join(env.StorageDir, "logs.db")
	}
	env.Profile = env.Profile.WithDefaults()

	format, err := container.ParseFormat(env.ContainerFormat)
	if err != nil {
		return nil, fmt.Errorf("containerFormat: %w", err)
	}
	env.Format = format

	if err := env.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	if env.MaxDiskUsage < 0 {
		return nil, fmt.Errorf("maxDiskUsage: %v: %w", env.MaxDiskUsage, ErrInvalidValue)
	}

	if !fileExist(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, os.ErrNotExist)
	}

	if !filepath.IsAbs(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.HomeDir) {
		return nil, fmt.Errorf("homeDir '%v': %w", env.HomeDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.LogDBPath) {
		return nil, fmt.Errorf("logDB '%v': %w", env.LogDBPath, ErrPathNotAbsolute)
	}
	if env.AudioPipe != "" && !filepath.IsAbs(env.AudioPipe) {
		return nil, fmt.Errorf("audioPipe '%v': %w", env.AudioPipe, ErrPathNotAbsolute)
	}

	return &env, nil
}

// ErrInvalidValue invalid value.
var ErrInvalidValue = errors.New("invalid value")

// RecordingsDir return recordings directory.
func (env ConfigEnv) RecordingsDir() string {
	return filepath.Join(env.StorageDir, "recordings")
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.RecordingsDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create recordings directory: %v: %w", env.StorageDir, err)
	}

	err = os.MkdirAll(filepath.Dir(env.LogDBPath), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create log directory: %v: %w", env.LogDBPath, err)
	}
	return nil
}

func fileExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
