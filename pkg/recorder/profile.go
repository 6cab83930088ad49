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
	"errors"
	"fmt"
)

// Profile recording parameters.
type Profile struct {
	// Capture dimensions of the raw video frames.
	VideoWidth     int `json:"videoWidth" yaml:"videoWidth"`
	VideoHeight    int `json:"videoHeight" yaml:"videoHeight"`
	FrameRate      int `json:"frameRate" yaml:"frameRate"`
	BitRate        int `json:"bitRate" yaml:"bitRate"`
	IFrameInterval int `json:"iFrameInterval" yaml:"iFrameInterval"`

	SampleRate   int `json:"sampleRate" yaml:"sampleRate"`
	AudioBitRate int `json:"audioBitRate" yaml:"audioBitRate"`
	ChannelCount int `json:"channelCount" yaml:"channelCount"`

	// Rotate frames 90 degrees clockwise before encoding.
	Rotate bool `json:"rotate" yaml:"rotate"`
}

// Profile defaults.
const (
	DefaultVideoWidth     = 1280
	DefaultVideoHeight    = 720
	DefaultFrameRate      = 24
	DefaultBitRate        = 2000000
	DefaultIFrameInterval = 1
	DefaultSampleRate     = 44100
	DefaultAudioBitRate   = 64000
	DefaultChannelCount   = 1
)

// DefaultProfile returns the default profile.
func DefaultProfile() Profile {
	return Profile{
		VideoWidth:     DefaultVideoWidth,
		VideoHeight:    DefaultVideoHeight,
		FrameRate:      DefaultFrameRate,
		BitRate:        DefaultBitRate,
		IFrameInterval: DefaultIFrameInterval,
		SampleRate:     DefaultSampleRate,
		AudioBitRate:   DefaultAudioBitRate,
		ChannelCount:   DefaultChannelCount,
	}
}

// WithDefaults returns a copy where unset fields are replaced by defaults.
func (p Profile) WithDefaults() Profile {
	d := DefaultProfile()
	set := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	set(&p.VideoWidth, d.VideoWidth)
	set(&p.VideoHeight, d.VideoHeight)
	set(&p.FrameRate, d.FrameRate)
	set(&p.BitRate, d.BitRate)
	set(&p.IFrameInterval, d.IFrameInterval)
	set(&p.SampleRate, d.SampleRate)
	set(&p.AudioBitRate, d.AudioBitRate)
	set(&p.ChannelCount, d.ChannelCount)
	return p
}

// ErrInvalidProfile invalid profile.
var ErrInvalidProfile = errors.New("invalid profile")

// Validate profile.
func (p Profile) Validate() error {
	switch {
	case p.VideoWidth <= 0 || p.VideoHeight <= 0:
		return fmt.Errorf("%w: video size %dx%d", ErrInvalidProfile, p.VideoWidth, p.VideoHeight)
	case p.VideoWidth%2 != 0 || p.VideoHeight%2 != 0:
		return fmt.Errorf("%w: odd video size %dx%d", ErrInvalidProfile, p.VideoWidth, p.VideoHeight)
	case p.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate %d", ErrInvalidProfile, p.FrameRate)
	case p.BitRate <= 0:
		return fmt.Errorf("%w: bit rate %d", ErrInvalidProfile, p.BitRate)
	case p.IFrameInterval < 0:
		return fmt.Errorf("%w: I-frame interval %d", ErrInvalidProfile, p.IFrameInterval)
	case p.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidProfile, p.SampleRate)
	case p.AudioBitRate <= 0:
		return fmt.Errorf("%w: audio bit rate %d", ErrInvalidProfile, p.AudioBitRate)
	case p.ChannelCount != 1 && p.ChannelCount != 2:
		return fmt.Errorf("%w: channel count %d", ErrInvalidProfile, p.ChannelCount)
	}
	return nil
}

func (p Profile) String() string {
	return fmt.Sprintf("[video %dx%d %dfps %dbps rotate=%v] [audio %dHz %dbps %dch]",
		p.VideoWidth, p.VideoHeight, p.FrameRate, p.BitRate, p.Rotate,
		p.SampleRate, p.AudioBitRate, p.ChannelCount)
}
