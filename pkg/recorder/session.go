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

package recorder

import (
	"camrec/pkg/clock"
	"camrec/pkg/container"
	"camrec/pkg/encoder"
	"camrec/pkg/log"
	"camrec/pkg/muxer"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyPath empty output path.
var ErrEmptyPath = errors.New("empty output path")

// session is owned by the sequencer goroutine.
type session struct {
	id          string
	path        string
	format      container.Format
	recordAudio bool
	profile     Profile

	clock *clock.Source
	muxer *muxer.Muxer
	video *encoder.VideoEncoder
	audio *encoder.AudioEncoder
	pump  *pump

	started  bool
	stopping bool

	// Unix nano, read by Status.
	startedAt atomic.Int64
	stoppedAt time.Time
}

func newSession(config Config, args setupArgs, logger *log.Logger) (*session, error) {
	if args.outputPath == "" {
		return nil, ErrEmptyPath
	}
	if err := args.profile.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(args.outputPath), 0o700); err != nil {
		return nil, fmt.Errorf("make directory for output: %w", err)
	}

	s := &session{
		id:          uuid.NewString(),
		path:        args.outputPath,
		format:      config.Format,
		recordAudio: args.recordAudio,
		profile:     args.profile,
	}
	if config.Now != nil {
		s.clock = clock.NewWithNow(config.Now)
	} else {
		s.clock = clock.New()
	}

	writer, err := config.NewWriter(config.Format, args.outputPath)
	if err != nil {
		return nil, fmt.Errorf("create container writer: %w", err)
	}

	expected := 1
	if args.recordAudio {
		expected = 2
	}
	if s.muxer, err = muxer.New(writer, expected); err != nil {
		writer.Release() //nolint:errcheck
		return nil, fmt.Errorf("create muxer: %w", err)
	}

	p := args.profile
	s.video, err = encoder.NewVideoEncoder(
		encoder.VideoConfig{
			Width:          p.VideoWidth,
			Height:         p.VideoHeight,
			Rotate:         p.Rotate,
			FrameRate:      p.FrameRate,
			IFrameInterval: p.IFrameInterval,
			BitRate:        p.BitRate,
			Session:        s.id,
		},
		config.NewVideoCodec,
		s.muxer,
		logger,
	)
	if err != nil {
		s.muxer.Finalize() //nolint:errcheck
		return nil, err
	}

	if !args.recordAudio {
		return s, nil
	}
	s.audio, err = encoder.NewAudioEncoder(
		encoder.AudioConfig{
			SampleRate:   p.SampleRate,
			ChannelCount: p.ChannelCount,
			BitRate:      p.AudioBitRate,
			Session:      s.id,
		},
		config.NewAudioCodec,
		s.muxer,
		logger,
	)
	if err != nil {
		s.video.Stop() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// start starts the audio encoder before the video encoder.
func (s *session) start(ctx context.Context) error {
	if s.audio != nil {
		if err := s.audio.Start(ctx); err != nil {
			return fmt.Errorf("start audio encoder: %w", err)
		}
	}
	if err := s.video.Start(ctx); err != nil {
		return fmt.Errorf("start video encoder: %w", err)
	}
	s.started = true
	s.startedAt.Store(time.Now().UnixNano())
	return nil
}

func (s *session) startTime() time.Time {
	v := s.startedAt.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func (s *session) audioStop() {
	if s.audio != nil {
		s.audio.Stop() //nolint:errcheck
	}
}

// stop sends end of stream to both encoders, then stops
// audio before video. Video stop finalizes the muxer.
func (s *session) stop() error {
	s.stopping = true
	if s.pump != nil {
		s.pump.close()
	}

	var errs []error
	if s.audio != nil {
		if err := s.audio.Encode(nil, 0, s.clock.Next()); err != nil {
			errs = append(errs, fmt.Errorf("audio end of stream: %w", err))
		}
	}
	if err := s.video.Encode(nil, 0, s.clock.Next()); err != nil {
		errs = append(errs, fmt.Errorf("video end of stream: %w", err))
	}

	s.audioStop()
	if err := s.video.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.stoppedAt = time.Now()
	return errors.Join(errs...)
}

// Metadata is written next to a finished recording.
type Metadata struct {
	ID       string           `json:"id"`
	Path     string           `json:"path"`
	Format   container.Format `json:"format"`
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end"`
	Profile  Profile          `json:"profile"`
	Audio    bool             `json:"audio"`
	Video    encoder.Stats    `json:"video"`
	AudioEnc *encoder.Stats   `json:"audioEncoder,omitempty"`
	Written  int              `json:"samplesWritten"`
	Dropped  int              `json:"samplesDropped"`
}

// MetadataPath returns the metadata path for a recording.
func MetadataPath(recordingPath string) string {
	return strings.TrimSuffix(recordingPath, filepath.Ext(recordingPath)) + ".json"
}

func (s *session) metadata() Metadata {
	m := Metadata{
		ID:      s.id,
		Path:    s.path,
		Format:  s.format,
		Start:   s.startTime(),
		End:     s.stoppedAt,
		Profile: s.profile,
		Audio:   s.recordAudio,
		Video:   s.video.Stats(),
		Written: s.muxer.Written(),
		Dropped: s.muxer.Dropped(),
	}
	if s.audio != nil {
		stats := s.audio.Stats()
		m.AudioEnc = &stats
	}
	return m
}

func (s *session) writeMetadata() error {
	raw, err := json.MarshalIndent(s.metadata(), "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(MetadataPath(s.path), raw, 0o600)
}
