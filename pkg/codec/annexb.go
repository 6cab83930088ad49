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
	"bufio"
	"bytes"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const maxNALUSize = 8 * 1024 * 1024

var startCode = []byte{0, 0, 1}

// splitNALU is a bufio.SplitFunc that returns one NAL unit
// per token from an Annex-B byte stream, without start code.
func splitNALU(data []byte, atEOF bool) (int, []byte, error) {
	i := bytes.Index(data, startCode)
	if i == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep the last two bytes, they may be the beginning of a start code.
		if len(data) > 2 {
			return len(data) - 2, nil, nil
		}
		return 0, nil, nil
	}
	start := i + len(startCode)

	j := bytes.Index(data[start:], startCode)
	if j == -1 {
		if !atEOF {
			return i, nil, nil
		}
		nalu := bytes.TrimRight(data[start:], "\x00")
		if len(nalu) == 0 {
			return len(data), nil, nil
		}
		return len(data), nalu, nil
	}
	end := start + j

	// Zeros before a start code are either trailing_zero_8bits
	// or the first byte of a 4 byte start code.
	nalu := bytes.TrimRight(data[start:end], "\x00")
	if len(nalu) == 0 {
		return end, nil, nil
	}
	return end, nalu, nil
}

func naluType(nalu []byte) h264.NALUType {
	return h264.NALUType(nalu[0] & 0x1F)
}

func isVCL(typ h264.NALUType) bool {
	return typ == h264.NALUTypeNonIDR || typ == h264.NALUTypeIDR
}

// firstSliceOfPicture reports if first_mb_in_slice is zero.
func firstSliceOfPicture(nalu []byte) bool {
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

// readAccessUnits reads an Annex-B stream and calls onAU for every
// access unit. Access units are delimited by AUD NAL units, a
// parameter set following a slice or the first slice of a new picture.
// Delimiters are not included in the access units.
func readAccessUnits(r io.Reader, onAU func([][]byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxNALUSize)
	scanner.Split(splitNALU)

	var au [][]byte
	hasVCL := false
	flush := func() error {
		if len(au) == 0 {
			return nil
		}
		err := onAU(au)
		au = nil
		hasVCL = false
		return err
	}

	for scanner.Scan() {
		nalu := append([]byte(nil), scanner.Bytes()...)
		typ := naluType(nalu)

		switch {
		case typ == h264.NALUTypeAccessUnitDelimiter:
			if err := flush(); err != nil {
				return err
			}
			continue

		case hasVCL && (typ == h264.NALUTypeSPS || typ == h264.NALUTypePPS):
			if err := flush(); err != nil {
				return err
			}

		case hasVCL && isVCL(typ) && firstSliceOfPicture(nalu):
			if err := flush(); err != nil {
				return err
			}
		}

		if isVCL(typ) {
			hasVCL = true
		}
		au = append(au, nalu)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// parameterSets returns the SPS and PPS of an access unit.
func parameterSets(au [][]byte) (sps []byte, pps []byte) {
	for _, nalu := range au {
		switch naluType(nalu) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}
