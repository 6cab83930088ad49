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

package container

import (
	"camrec/pkg/codec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS    = []byte{0x08, 0x06, 0x07, 0x08}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x21}
	testNonIDR = []byte{0x41, 0x9a, 0x02, 0x03}
	testAUD    = []byte{0x09, 0xf0}
)

var testVideoFormat = codec.Format{
	Kind:      codec.KindVideo,
	MIME:      codec.MIMEVideoAVC,
	Width:     1920,
	Height:    1080,
	FrameRate: 25,
	SPS:       testSPS,
	PPS:       testPPS,
}

var testAudioFormat = codec.Format{
	Kind:         codec.KindAudio,
	MIME:         codec.MIMEAudioAAC,
	SampleRate:   44100,
	ChannelCount: 1,
	AudioConfig:  []byte{0x12, 0x08},
	BitRate:      64000,
}

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

func TestParseFormat(t *testing.T) {
	cases := map[string]struct {
		input    string
		expected Format
		err      error
	}{
		"empty":    {"", FormatMP4, nil},
		"mp4":      {"mp4", FormatMP4, nil},
		"dotTS":    {".ts", FormatMPEGTS, nil},
		"mpegts":   {"MPEGTS", FormatMPEGTS, nil},
		"matroska": {"matroska", FormatMKV, nil},
		"unknown":  {"avi", "", ErrUnknownFormat},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := ParseFormat(tc.input)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.expected, f)
		})
	}
	require.Equal(t, ".mkv", FormatMKV.Ext())
}

func TestAccessUnitNALUs(t *testing.T) {
	nalus, err := accessUnitNALUs(annexB(testAUD, testSPS, testPPS, testIDR))
	require.NoError(t, err)
	require.Equal(t, [][]byte{testIDR}, nalus)

	avcc, err := avccAccessUnit(annexB(testAUD, testNonIDR))
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 4, 0x41, 0x9a, 0x02, 0x03}, avcc)

	avcc, err = avccAccessUnit(annexB(testSPS, testPPS))
	require.NoError(t, err)
	require.Nil(t, avcc)
}

func TestAudioConfig(t *testing.T) {
	asc, err := audioConfig(codec.Format{SampleRate: 48000, ChannelCount: 2})
	require.NoError(t, err)
	require.Equal(t, 48000, asc.SampleRate)
	require.Equal(t, 2, asc.ChannelCount)

	asc, err = audioConfig(testAudioFormat)
	require.NoError(t, err)
	require.Equal(t, 44100, asc.SampleRate)
	require.Equal(t, 1, asc.ChannelCount)
}

func TestCheckFormat(t *testing.T) {
	require.NoError(t, checkFormat(testVideoFormat))
	require.NoError(t, checkFormat(testAudioFormat))

	noSPS := testVideoFormat
	noSPS.SPS = nil
	require.ErrorIs(t, checkFormat(noSPS), ErrUnsupported)

	opus := testAudioFormat
	opus.MIME = "audio/opus"
	require.ErrorIs(t, checkFormat(opus), ErrUnsupported)
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []Format{FormatMP4, FormatMPEGTS, FormatMKV} {
		w, err := New(f, filepath.Join(dir, "x"+f.Ext()))
		require.NoError(t, err)
		require.NoError(t, w.Release())
	}
	_, err := New("avi", filepath.Join(dir, "x.avi"))
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestMultiplyAndDivide(t *testing.T) {
	require.Equal(t, int64(90000), multiplyAndDivide(1000000, 90000, 1000000))
	require.Equal(t, int64(1024), multiplyAndDivide(23220, 44100, 1000000))
}
