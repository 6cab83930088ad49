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
	"os"
	"path/filepath"
	"testing"

	"github.com/abema/go-mp4"
	"github.com/stretchr/testify/require"
)

type mp4Result struct {
	paths    []mp4.BoxPath
	mdatSize uint64
	mvhd     *mp4.Mvhd
	traks    []*mp4Tables
}

type mp4Tables struct {
	tkhd *mp4.Tkhd
	elst *mp4.Elst
	mdhd *mp4.Mdhd
	stts *mp4.Stts
	stss *mp4.Stss
	stsc *mp4.Stsc
	stsz *mp4.Stsz
	stco *mp4.Stco
}

func readMP4(t *testing.T, path string) mp4Result {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var res mp4Result
	_, err = mp4.ReadBoxStructure(file, func(h *mp4.ReadHandle) (interface{}, error) {
		res.paths = append(res.paths, h.Path)

		switch h.BoxInfo.Type {
		case mp4.BoxTypeMdat():
			res.mdatSize = h.BoxInfo.Size
			return nil, nil

		case mp4.BoxTypeTrak():
			res.traks = append(res.traks, &mp4Tables{})
			return h.Expand()

		case mp4.BoxTypeMoov(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(),
			mp4.BoxTypeStbl(), mp4.BoxTypeDinf(), mp4.BoxTypeEdts():
			return h.Expand()

		case mp4.BoxTypeMvhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			res.mvhd = box.(*mp4.Mvhd)

		case mp4.BoxTypeTkhd(), mp4.BoxTypeElst(), mp4.BoxTypeMdhd(), mp4.BoxTypeStts(), mp4.BoxTypeStss(),
			mp4.BoxTypeStsc(), mp4.BoxTypeStsz(), mp4.BoxTypeStco():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			trak := res.traks[len(res.traks)-1]
			switch b := box.(type) {
			case *mp4.Tkhd:
				trak.tkhd = b
			case *mp4.Elst:
				trak.elst = b
			case *mp4.Mdhd:
				trak.mdhd = b
			case *mp4.Stts:
				trak.stts = b
			case *mp4.Stss:
				trak.stss = b
			case *mp4.Stsc:
				trak.stsc = b
			case *mp4.Stsz:
				trak.stsz = b
			case *mp4.Stco:
				trak.stco = b
			}
		}
		return nil, nil
	})
	require.NoError(t, err)
	return res
}

func TestMP4Writer(t *testing.T) {
	t.Run("videoAndAudio", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.mp4")
		w, err := NewMP4(path)
		require.NoError(t, err)

		video, err := w.AddTrack(testVideoFormat)
		require.NoError(t, err)
		require.Equal(t, 0, video)
		audio, err := w.AddTrack(testAudioFormat)
		require.NoError(t, err)
		require.Equal(t, 1, audio)

		require.NoError(t, w.Start())

		keyframe := codec.BufferInfo{PresentationTimeUs: 0, Flags: codec.FlagKeyFrame}
		require.NoError(t, w.WriteSampleData(video,
			annexB(testAUD, testSPS, testPPS, testIDR), keyframe))
		require.NoError(t, w.WriteSampleData(audio,
			[]byte{1, 2, 3}, codec.BufferInfo{PresentationTimeUs: 0}))
		require.NoError(t, w.WriteSampleData(audio,
			[]byte{4, 5, 6}, codec.BufferInfo{PresentationTimeUs: 23220}))
		require.NoError(t, w.WriteSampleData(video,
			annexB(testAUD, testNonIDR), codec.BufferInfo{PresentationTimeUs: 40000}))

		require.NoError(t, w.Stop())
		require.NoError(t, w.Release())
		require.NoError(t, w.Release())

		res := readMP4(t, path)
		require.Equal(t, mp4.BoxPath{mp4.BoxTypeFtyp()}, res.paths[0])
		require.Equal(t, mp4.BoxPath{mp4.BoxTypeMdat()}, res.paths[1])
		require.Equal(t, mp4.BoxPath{mp4.BoxTypeMoov()}, res.paths[2])
		require.Equal(t, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeMvhd()}, res.paths[3])
		require.Equal(t, uint64(8+8+3+3+8), res.mdatSize)
		require.Len(t, res.traks, 2)

		// ftyp is 32 bytes, samples start after the mdat header.
		v := res.traks[0]
		require.Equal(t, uint32(90000), v.mdhd.Timescale)
		require.Equal(t, []mp4.SttsEntry{{SampleCount: 2, SampleDelta: 3600}}, v.stts.Entries)
		require.Equal(t, []uint32{1}, v.stss.SampleNumber)
		require.Equal(t, []uint32{8, 8}, v.stsz.EntrySize)
		require.Equal(t, []uint32{40, 54}, v.stco.ChunkOffset)
		require.Equal(t, []mp4.StscEntry{
			{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1},
			{FirstChunk: 2, SamplesPerChunk: 1, SampleDescriptionIndex: 1},
		}, v.stsc.Entries)

		a := res.traks[1]
		require.Equal(t, uint32(44100), a.mdhd.Timescale)
		require.Nil(t, a.stss)
		require.Equal(t, []mp4.SttsEntry{{SampleCount: 2, SampleDelta: 1024}}, a.stts.Entries)
		require.Equal(t, []uint32{3, 3}, a.stsz.EntrySize)
		require.Equal(t, []uint32{48}, a.stco.ChunkOffset)
		require.Equal(t, []mp4.StscEntry{
			{FirstChunk: 1, SamplesPerChunk: 2, SampleDescriptionIndex: 1},
		}, a.stsc.Entries)

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		expected := []byte{
			0, 0, 0, 4, 0x65, 0x88, 0x84, 0x21,
			1, 2, 3, 4, 5, 6,
			0, 0, 0, 4, 0x41, 0x9a, 0x02, 0x03,
		}
		require.Equal(t, expected, raw[40:62])
	})
	t.Run("audioStartsLater", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.mp4")
		w, err := NewMP4(path)
		require.NoError(t, err)
		video, err := w.AddTrack(testVideoFormat)
		require.NoError(t, err)
		audio, err := w.AddTrack(testAudioFormat)
		require.NoError(t, err)
		require.NoError(t, w.Start())

		keyframe := codec.BufferInfo{PresentationTimeUs: 1000000, Flags: codec.FlagKeyFrame}
		require.NoError(t, w.WriteSampleData(video,
			annexB(testAUD, testSPS, testPPS, testIDR), keyframe))
		require.NoError(t, w.WriteSampleData(video,
			annexB(testAUD, testNonIDR), codec.BufferInfo{PresentationTimeUs: 1040000}))
		require.NoError(t, w.WriteSampleData(audio,
			[]byte{1, 2, 3}, codec.BufferInfo{PresentationTimeUs: 1500000}))
		require.NoError(t, w.WriteSampleData(audio,
			[]byte{4, 5, 6}, codec.BufferInfo{PresentationTimeUs: 1523220}))
		require.NoError(t, w.Stop())
		require.NoError(t, w.Release())

		res := readMP4(t, path)
		require.Len(t, res.traks, 2)

		// 2 frames of 3600/90000.
		v := res.traks[0]
		require.Equal(t, []mp4.ElstEntry{
			{SegmentDurationV0: 80, MediaTimeV0: 0, MediaRateInteger: 1},
		}, v.elst.Entries)
		require.Equal(t, uint32(80), v.tkhd.DurationV0)

		// 500ms empty edit, then 2 frames of 1024/44100.
		a := res.traks[1]
		require.Equal(t, []mp4.ElstEntry{
			{SegmentDurationV0: 500, MediaTimeV0: -1, MediaRateInteger: 1},
			{SegmentDurationV0: 46, MediaTimeV0: 0, MediaRateInteger: 1},
		}, a.elst.Entries)
		require.Equal(t, uint32(546), a.tkhd.DurationV0)
		require.Equal(t, []mp4.SttsEntry{{SampleCount: 2, SampleDelta: 1024}}, a.stts.Entries)

		require.Equal(t, uint32(546), res.mvhd.DurationV0)
	})
	t.Run("parameterSetsOnly", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.mp4")
		w, err := NewMP4(path)
		require.NoError(t, err)
		_, err = w.AddTrack(testVideoFormat)
		require.NoError(t, err)
		require.NoError(t, w.Start())
		require.NoError(t, w.WriteSampleData(0, annexB(testSPS, testPPS), codec.BufferInfo{}))
		require.NoError(t, w.Stop())
		require.NoError(t, w.Release())

		res := readMP4(t, path)
		require.Equal(t, uint64(8), res.mdatSize)
		require.Empty(t, res.traks[0].stsz.EntrySize)
	})
	t.Run("notStarted", func(t *testing.T) {
		w, err := NewMP4(filepath.Join(t.TempDir(), "out.mp4"))
		require.NoError(t, err)
		_, err = w.AddTrack(testVideoFormat)
		require.NoError(t, err)
		err = w.WriteSampleData(0, annexB(testIDR), codec.BufferInfo{})
		require.ErrorIs(t, err, ErrNotStarted)
		require.ErrorIs(t, w.Stop(), ErrNotStarted)
		require.NoError(t, w.Release())
	})
	t.Run("releaseRemovesUnstarted", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.mp4")
		w, err := NewMP4(path)
		require.NoError(t, err)
		require.NoError(t, w.Release())
		_, err = os.Stat(path)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("noTracks", func(t *testing.T) {
		w, err := NewMP4(filepath.Join(t.TempDir(), "out.mp4"))
		require.NoError(t, err)
		require.ErrorIs(t, w.Start(), ErrNoTracks)
		require.NoError(t, w.Release())
	})
	t.Run("invalidTrack", func(t *testing.T) {
		w, err := NewMP4(filepath.Join(t.TempDir(), "out.mp4"))
		require.NoError(t, err)
		_, err = w.AddTrack(testAudioFormat)
		require.NoError(t, err)
		require.NoError(t, w.Start())
		err = w.WriteSampleData(3, []byte{1}, codec.BufferInfo{})
		require.ErrorIs(t, err, ErrInvalidTrack)

		_, err = w.AddTrack(testVideoFormat)
		require.ErrorIs(t, err, ErrAlreadyStarted)
		require.NoError(t, w.Stop())
		require.NoError(t, w.Release())
	})
	t.Run("createErr", func(t *testing.T) {
		_, err := NewMP4(filepath.Join(t.TempDir(), "missing", "out.mp4"))
		require.Error(t, err)
	})
}
