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

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrMissingParameterSets first access unit lacks SPS or PPS.
var ErrMissingParameterSets = errors.New("missing SPS or PPS")

func (s *StreamCodec) readVideo(r io.Reader) error {
	return readAccessUnits(r, func(au [][]byte) error {
		if !s.configured {
			if err := s.configureVideo(au); err != nil {
				return err
			}
		}

		data, err := h264.AnnexB(au).Marshal()
		if err != nil {
			return fmt.Errorf("marshal access unit: %w", err)
		}

		var flags Flags
		if h264.IsRandomAccess(au) {
			flags |= FlagKeyFrame
		}

		return s.emit(event{
			status: StatusBuffer,
			data:   data,
			info: BufferInfo{
				PresentationTimeUs: s.popPTS(),
				Flags:              flags,
			},
		})
	})
}

func (s *StreamCodec) configureVideo(au [][]byte) error {
	sps, pps := parameterSets(au)
	if sps == nil || pps == nil {
		return ErrMissingParameterSets
	}

	var spsp h264.SPS
	if err := spsp.Unmarshal(sps); err != nil {
		return fmt.Errorf("unmarshal sps: %w", err)
	}

	config, err := h264.AnnexB([][]byte{sps, pps}).Marshal()
	if err != nil {
		return fmt.Errorf("marshal parameter sets: %w", err)
	}

	f := s.OutputFormat()
	f.Width = spsp.Width()
	f.Height = spsp.Height()
	f.SPS = sps
	f.PPS = pps

	s.configured = true
	return s.emitFormat(f, config)
}

// popPTS returns the presentation time of the oldest queued frame.
// Frames leave the encoder in input order since B-frames are disabled.
func (s *StreamCodec) popPTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ptsQueue) == 0 {
		s.lastPTS++
		return s.lastPTS
	}
	s.lastPTS = s.ptsQueue[0]
	s.ptsQueue = s.ptsQueue[1:]
	return s.lastPTS
}
