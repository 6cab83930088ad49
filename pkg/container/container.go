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

// Package container writes encoded tracks into container files.
package container

import (
	"camrec/pkg/codec"
	"errors"
	"fmt"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Writer writes tracks into a container. AddTrack must be
// called for every track before Start.
type Writer interface {
	AddTrack(codec.Format) (int, error)
	Start() error
	WriteSampleData(track int, data []byte, info codec.BufferInfo) error
	Stop() error
	Release() error
}

// Format container format.
type Format string

// Container formats.
const (
	FormatMP4    Format = "mp4"
	FormatMPEGTS Format = "ts"
	FormatMKV    Format = "mkv"
)

// Errors.
var (
	ErrNotStarted     = errors.New("writer not started")
	ErrAlreadyStarted = errors.New("writer already started")
	ErrUnknownFormat  = errors.New("unknown container format")
	ErrInvalidTrack   = errors.New("invalid track")
	ErrNoTracks       = errors.New("no tracks")
	ErrUnsupported    = errors.New("unsupported track format")
)

// ParseFormat parses a format name, empty defaults to mp4.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "mp4":
		return FormatMP4, nil
	case "ts", "mpegts":
		return FormatMPEGTS, nil
	case "mkv", "matroska":
		return FormatMKV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// New creates the output file at path and returns a writer for format.
func New(format Format, path string) (Writer, error) {
	switch format {
	case FormatMP4:
		return NewMP4(path)
	case FormatMPEGTS:
		return NewMPEGTS(path)
	case FormatMKV:
		return NewMKV(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// NewFunc creates a container writer.
type NewFunc func(format Format, path string) (Writer, error)

func checkFormat(f codec.Format) error {
	switch f.Kind {
	case codec.KindVideo:
		if f.MIME != "" && f.MIME != codec.MIMEVideoAVC {
			return fmt.Errorf("%w: %v", ErrUnsupported, f.MIME)
		}
		if len(f.SPS) == 0 || len(f.PPS) == 0 {
			return fmt.Errorf("%w: missing SPS or PPS", ErrUnsupported)
		}
	case codec.KindAudio:
		if f.MIME != "" && f.MIME != codec.MIMEAudioAAC {
			return fmt.Errorf("%w: %v", ErrUnsupported, f.MIME)
		}
		if f.SampleRate <= 0 {
			return fmt.Errorf("%w: sample rate %d", ErrUnsupported, f.SampleRate)
		}
	default:
		return fmt.Errorf("%w: kind %v", ErrUnsupported, f.Kind)
	}
	return nil
}

// audioConfig returns the AudioSpecificConfig of f. If the
// format has no encoded config, AAC-LC is assumed.
func audioConfig(f codec.Format) (mpeg4audio.AudioSpecificConfig, error) {
	if len(f.AudioConfig) != 0 {
		var asc mpeg4audio.AudioSpecificConfig
		if err := asc.Unmarshal(f.AudioConfig); err != nil {
			return mpeg4audio.AudioSpecificConfig{}, fmt.Errorf("unmarshal audio config: %w", err)
		}
		return asc, nil
	}
	channels := f.ChannelCount
	if channels == 0 {
		channels = 1
	}
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   f.SampleRate,
		ChannelCount: channels,
	}, nil
}

// accessUnitNALUs splits an Annex-B access unit and drops
// parameter sets and delimiters, those are stored out of band.
func accessUnitNALUs(data []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal access unit: %w", err)
	}

	nalus := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeAccessUnitDelimiter:
			continue
		}
		nalus = append(nalus, nalu)
	}
	return nalus, nil
}

// avccAccessUnit converts an Annex-B access unit to AVCC.
// Returns nil if the access unit only held parameter sets.
func avccAccessUnit(data []byte) ([]byte, error) {
	nalus, err := accessUnitNALUs(data)
	if err != nil {
		return nil, err
	}
	if len(nalus) == 0 {
		return nil, nil
	}
	avcc, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal avcc: %w", err)
	}
	return avcc, nil
}

func multiplyAndDivide(v, m, d int64) int64 {
	secs := v / d
	dec := v % d
	return (secs*m + dec*m/d)
}
