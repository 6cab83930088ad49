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

package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ErrMultipleRawBlocks ADTS frame with more than one raw data block.
var ErrMultipleRawBlocks = errors.New("multiple raw data blocks per ADTS frame is not supported")

func (s *StreamCodec) readAudio(r io.Reader) error {
	return readADTS(r, func(h adtsHeader, payload []byte) error {
		if h.rawBlocks != 0 {
			return ErrMultipleRawBlocks
		}
		if !s.configured {
			if err := s.configureAudio(h); err != nil {
				return err
			}
		}

		return s.emit(event{
			status: StatusBuffer,
			data:   payload,
			info: BufferInfo{
				PresentationTimeUs: s.nextAudioPTS(h.sampleRate),
			},
		})
	})
}

func (s *StreamCodec) configureAudio(h adtsHeader) error {
	asc := h.audioSpecificConfig()
	config, err := asc.Marshal()
	if err != nil {
		return fmt.Errorf("marshal audio specific config: %w", err)
	}

	f := s.OutputFormat()
	f.SampleRate = h.sampleRate
	f.ChannelCount = h.channelConfig
	f.AudioConfig = config

	s.configured = true
	return s.emitFormat(f, config)
}

// nextAudioPTS returns the presentation time of the next access
// unit, derived from the first input time and the sample count.
func (s *StreamCodec) nextAudioPTS(sampleRate int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts := s.firstPTS + s.samples*1000000/int64(sampleRate)
	s.samples += mpeg4audio.SamplesPerAccessUnit
	s.lastPTS = pts
	return pts
}
