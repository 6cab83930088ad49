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
	"errors"
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/icza/bitio"
)

const (
	adtsHeaderSize    = 7
	adtsHeaderSizeCRC = 9
	adtsSyncWord      = 0xFFF
)

// ADTS errors.
var (
	ErrADTSSyncWord   = errors.New("invalid ADTS sync word")
	ErrADTSLayer      = errors.New("invalid ADTS layer")
	ErrADTSSampleRate = errors.New("invalid ADTS sample rate index")
	ErrADTSLength     = errors.New("invalid ADTS frame length")
)

var adtsSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

type adtsHeader struct {
	protectionAbsent bool
	profile          int // Object type minus one.
	sampleRate       int
	channelConfig    int
	frameLength      int // Including header.
	rawBlocks        int // Number of AAC frames minus one.
}

func (h adtsHeader) headerSize() int {
	if h.protectionAbsent {
		return adtsHeaderSize
	}
	return adtsHeaderSizeCRC
}

// audioSpecificConfig returns the decoder config described by the header.
func (h adtsHeader) audioSpecificConfig() mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(h.profile + 1),
		SampleRate:   h.sampleRate,
		ChannelCount: h.channelConfig,
	}
}

func parseADTSHeader(buf []byte) (adtsHeader, error) {
	r := bitio.NewReader(bytes.NewReader(buf))

	if r.TryReadBits(12) != adtsSyncWord {
		return adtsHeader{}, ErrADTSSyncWord
	}
	r.TryReadBits(1) // ID.
	if r.TryReadBits(2) != 0 {
		return adtsHeader{}, ErrADTSLayer
	}

	var h adtsHeader
	h.protectionAbsent = r.TryReadBool()
	h.profile = int(r.TryReadBits(2))

	sampleRateIndex := int(r.TryReadBits(4))
	if sampleRateIndex >= len(adtsSampleRates) {
		return adtsHeader{}, fmt.Errorf("%w: %d", ErrADTSSampleRate, sampleRateIndex)
	}
	h.sampleRate = adtsSampleRates[sampleRateIndex]

	r.TryReadBits(1) // Private bit.
	h.channelConfig = int(r.TryReadBits(3))
	r.TryReadBits(4) // Original, home, copyright id bit and start.
	h.frameLength = int(r.TryReadBits(13))
	r.TryReadBits(11) // Buffer fullness.
	h.rawBlocks = int(r.TryReadBits(2))

	if r.TryError != nil {
		return adtsHeader{}, r.TryError
	}
	if h.frameLength < h.headerSize() {
		return adtsHeader{}, fmt.Errorf("%w: %d", ErrADTSLength, h.frameLength)
	}
	return h, nil
}

// readADTS reads an ADTS stream and calls onFrame with
// the header and raw payload of every frame.
func readADTS(r io.Reader, onFrame func(adtsHeader, []byte) error) error {
	br := bufio.NewReaderSize(r, 8192)
	header := make([]byte, adtsHeaderSize)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		h, err := parseADTSHeader(header)
		if err != nil {
			return err
		}

		// Skip CRC.
		if !h.protectionAbsent {
			if _, err := br.Discard(adtsHeaderSizeCRC - adtsHeaderSize); err != nil {
				return err
			}
		}

		payload := make([]byte, h.frameLength-h.headerSize())
		if _, err := io.ReadFull(br, payload); err != nil {
			return fmt.Errorf("read payload: %w", err)
		}

		if err := onFrame(h, payload); err != nil {
			return err
		}
	}
}
