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
	"bufio"
	"camrec/pkg/codec"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

const (
	mp4Timescale      = 1000
	mp4VideoTimescale = 90000
	mp4BufferSize     = 64 * 1024
	mdatHeaderSize    = 8
)

// ErrTooLarge mdat exceeds 32 bit offsets.
var ErrTooLarge = errors.New("mp4 file too large")

type mp4Track struct {
	id        int
	format    codec.Format
	timescale uint32

	sps         h264.SPS
	audioConfig []byte

	stts []mp4.SttsEntry
	stss []uint32
	stsc []mp4.StscEntry
	stsz []uint32
	stco []uint32

	firstPTS  int64
	lastTS    int64
	lastDelta uint32
	duration  uint64

	// Start of the first sample relative to the earliest
	// track, in the movie timescale.
	offset uint64
}

func (t *mp4Track) isVideo() bool {
	return t.format.Kind == codec.KindVideo
}

func (t *mp4Track) appendDelta(delta uint32) {
	if len(t.stts) > 0 && t.stts[len(t.stts)-1].SampleDelta == delta {
		t.stts[len(t.stts)-1].SampleCount++
	} else {
		t.stts = append(t.stts, mp4.SttsEntry{
			SampleCount: 1,
			SampleDelta: delta,
		})
	}
	t.lastDelta = delta
	t.duration += uint64(delta)
}

// addSample adds the previous sample's duration, the duration
// of a sample is only known when the next one arrives.
func (t *mp4Track) addSample(ptsUs int64, size uint32, sync bool) {
	if len(t.stsz) == 0 {
		t.firstPTS = ptsUs
	} else {
		ts := multiplyAndDivide(ptsUs-t.firstPTS, int64(t.timescale), 1000000)
		delta := ts - t.lastTS
		if delta < 1 {
			delta = 1
		}
		t.appendDelta(uint32(delta))
		t.lastTS += delta
	}

	t.stsz = append(t.stsz, size)
	if sync {
		t.stss = append(t.stss, uint32(len(t.stsz)))
	}
}

// finish adds the duration of the last sample.
func (t *mp4Track) finish() {
	if len(t.stsz) == 0 {
		return
	}
	delta := t.lastDelta
	if delta == 0 {
		delta = t.defaultDelta()
	}
	t.appendDelta(delta)
}

func (t *mp4Track) defaultDelta() uint32 {
	if t.isVideo() && t.format.FrameRate > 0 {
		return t.timescale / uint32(t.format.FrameRate)
	}
	if !t.isVideo() {
		return mpeg4audio.SamplesPerAccessUnit
	}
	return 1
}

func (t *mp4Track) newChunk(offset uint32) {
	t.stco = append(t.stco, offset)
	t.stsc = append(t.stsc, mp4.StscEntry{
		FirstChunk:             uint32(len(t.stco)),
		SamplesPerChunk:        1,
		SampleDescriptionIndex: 1,
	})
}

// MP4Writer writes a progressive ISO-BMFF file. Samples are appended to
// mdat as they arrive and moov is written on Stop.
type MP4Writer struct {
	path string
	file *os.File
	bw   *bufio.Writer

	tracks    []*mp4Track
	mdatStart int64
	mdatPos   int64
	prevTrack int

	started  bool
	stopped  bool
	released bool
}

// NewMP4 creates the file at path.
func NewMP4(path string) (*MP4Writer, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return &MP4Writer{
		path:      path,
		file:      file,
		prevTrack: -1,
	}, nil
}

// AddTrack adds a track.
func (w *MP4Writer) AddTrack(f codec.Format) (int, error) {
	if w.started {
		return -1, ErrAlreadyStarted
	}
	if err := checkFormat(f); err != nil {
		return -1, err
	}

	t := &mp4Track{
		id:     len(w.tracks) + 1,
		format: f,
	}
	if f.Kind == codec.KindVideo {
		if err := t.sps.Unmarshal(f.SPS); err != nil {
			return -1, fmt.Errorf("unmarshal sps: %w", err)
		}
		t.timescale = mp4VideoTimescale
	} else {
		asc, err := audioConfig(f)
		if err != nil {
			return -1, err
		}
		if t.audioConfig, err = asc.Marshal(); err != nil {
			return -1, fmt.Errorf("marshal audio config: %w", err)
		}
		t.timescale = uint32(asc.SampleRate)
	}

	w.tracks = append(w.tracks, t)
	return len(w.tracks) - 1, nil
}

// Start writes ftyp and the mdat header.
func (w *MP4Writer) Start() error {
	if w.started {
		return ErrAlreadyStarted
	}
	if len(w.tracks) == 0 {
		return ErrNoTracks
	}

	bw := newBoxWriter(w.file)
	_, err := bw.writeBox(&mp4.Ftyp{ // <ftyp/>
		MajorBrand:   [4]byte{'i', 's', 'o', '4'},
		MinorVersion: 512,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', '4'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'a', 'v', 'c', '1'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	})
	if err != nil {
		return fmt.Errorf("write ftyp: %w", err)
	}

	w.mdatStart, err = w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	// Size is patched on stop.
	if _, err := w.file.Write([]byte{0, 0, 0, 0, 'm', 'd', 'a', 't'}); err != nil {
		return fmt.Errorf("write mdat header: %w", err)
	}
	w.mdatPos = w.mdatStart + mdatHeaderSize
	w.bw = bufio.NewWriterSize(w.file, mp4BufferSize)
	w.started = true
	return nil
}

// WriteSampleData appends a sample to mdat.
func (w *MP4Writer) WriteSampleData(track int, data []byte, info codec.BufferInfo) error {
	if !w.started || w.stopped {
		return ErrNotStarted
	}
	if track < 0 || track >= len(w.tracks) {
		return fmt.Errorf("%w: %d", ErrInvalidTrack, track)
	}
	t := w.tracks[track]

	payload := data
	if t.isVideo() {
		var err error
		payload, err = avccAccessUnit(data)
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}
	}

	size := int64(len(payload))
	if w.mdatPos+size > math.MaxUint32 {
		return ErrTooLarge
	}

	if w.prevTrack == track {
		t.stsc[len(t.stsc)-1].SamplesPerChunk++
	} else {
		t.newChunk(uint32(w.mdatPos))
		w.prevTrack = track
	}
	t.addSample(info.PresentationTimeUs, uint32(size), info.Flags.Has(codec.FlagKeyFrame))

	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	w.mdatPos += size
	return nil
}

// Stop patches the mdat size and writes moov.
func (w *MP4Writer) Stop() error {
	if !w.started {
		return ErrNotStarted
	}
	if w.stopped {
		return nil
	}
	w.stopped = true

	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(w.mdatPos-w.mdatStart))
	if _, err := w.file.WriteAt(size[:], w.mdatStart); err != nil {
		return fmt.Errorf("patch mdat size: %w", err)
	}

	if _, err := w.file.Seek(w.mdatPos, io.SeekStart); err != nil {
		return err
	}
	for _, t := range w.tracks {
		t.finish()
	}
	w.setOffsets()
	if err := w.writeMoov(); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	return w.file.Sync()
}

// Release closes the file. The file is removed if the writer was never started.
func (w *MP4Writer) Release() error {
	if w.released {
		return nil
	}
	w.released = true
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if !w.started {
		return os.Remove(w.path)
	}
	return nil
}

// setOffsets delays every track by the time between its first
// sample and the first sample of the file.
func (w *MP4Writer) setOffsets() {
	base := int64(math.MaxInt64)
	for _, t := range w.tracks {
		if len(t.stsz) != 0 && t.firstPTS < base {
			base = t.firstPTS
		}
	}
	for _, t := range w.tracks {
		if len(t.stsz) != 0 {
			t.offset = uint64(multiplyAndDivide(t.firstPTS-base, mp4Timescale, 1000000))
		}
	}
}

func (w *MP4Writer) writeMoov() error {
	/*
	   moov
	   - mvhd
	   - trak (video)
	   - trak (audio)
	*/
	bw := newBoxWriter(w.file)

	if _, err := bw.writeBoxStart(&mp4.Moov{}); err != nil { // <moov>
		return err
	}

	var duration uint64
	for _, t := range w.tracks {
		if d := t.presentationDuration(); d > duration {
			duration = d
		}
	}

	_, err := bw.writeBox(&mp4.Mvhd{ // <mvhd/>
		Timescale:   mp4Timescale,
		DurationV0:  uint32(duration),
		Rate:        65536,
		Volume:      256,
		Matrix:      [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
		NextTrackID: uint32(len(w.tracks) + 1),
	})
	if err != nil {
		return err
	}

	for _, t := range w.tracks {
		if err := t.marshal(bw); err != nil {
			return err
		}
	}

	return bw.writeBoxEnd() // </moov>
}

// movieDuration returns the track duration in the movie timescale.
func (t *mp4Track) movieDuration() uint64 {
	return t.duration * mp4Timescale / uint64(t.timescale)
}

func (t *mp4Track) presentationDuration() uint64 {
	return t.offset + t.movieDuration()
}

func (t *mp4Track) marshalEdts(w *boxWriter) error {
	if _, err := w.writeBoxStart(&mp4.Edts{}); err != nil { // <edts>
		return err
	}

	var entries []mp4.ElstEntry
	if t.offset > 0 {
		entries = append(entries, mp4.ElstEntry{ // Empty edit.
			SegmentDurationV0: uint32(t.offset),
			MediaTimeV0:       -1,
			MediaRateInteger:  1,
		})
	}
	entries = append(entries, mp4.ElstEntry{
		SegmentDurationV0: uint32(t.movieDuration()),
		MediaTimeV0:       0,
		MediaRateInteger:  1,
	})

	_, err := w.writeBox(&mp4.Elst{ // <elst/>
		EntryCount: uint32(len(entries)),
		Entries:    entries,
	})
	if err != nil {
		return err
	}
	return w.writeBoxEnd() // </edts>
}

func (t *mp4Track) marshal(w *boxWriter) error {
	/*
	   trak
	   - tkhd
	   - edts (if the track has samples)
	     - elst
	   - mdia
	     - mdhd
	     - hdlr
	     - minf
	       - vmhd (video)
	       - smhd (audio)
	       - dinf
	         - dref
	           - url
	       - stbl
	         - stsd
	           - avc1 (video)
	             - avcC
	           - mp4a (audio)
	             - esds
	         - stts
	         - stss (video)
	         - stsc
	         - stsz
	         - stco
	*/

	if _, err := w.writeBoxStart(&mp4.Trak{}); err != nil { // <trak>
		return err
	}

	tkhd := &mp4.Tkhd{ // <tkhd/>
		FullBox: mp4.FullBox{
			Flags: [3]byte{0, 0, 3},
		},
		TrackID:    uint32(t.id),
		DurationV0: uint32(t.presentationDuration()),
		Matrix:     [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
	}
	if t.isVideo() {
		tkhd.Width = uint32(t.sps.Width() * 65536)
		tkhd.Height = uint32(t.sps.Height() * 65536)
	} else {
		tkhd.AlternateGroup = 1
		tkhd.Volume = 256
	}
	if _, err := w.writeBox(tkhd); err != nil {
		return err
	}

	if len(t.stsz) != 0 {
		if err := t.marshalEdts(w); err != nil {
			return err
		}
	}

	if _, err := w.writeBoxStart(&mp4.Mdia{}); err != nil { // <mdia>
		return err
	}

	_, err := w.writeBox(&mp4.Mdhd{ // <mdhd/>
		Timescale:  t.timescale,
		DurationV0: uint32(t.duration),
		Language:   [3]byte{'u', 'n', 'd'},
	})
	if err != nil {
		return err
	}

	hdlr := &mp4.Hdlr{ // <hdlr/>
		HandlerType: [4]byte{'s', 'o', 'u', 'n'},
		Name:        "SoundHandler",
	}
	if t.isVideo() {
		hdlr.HandlerType = [4]byte{'v', 'i', 'd', 'e'}
		hdlr.Name = "VideoHandler"
	}
	if _, err := w.writeBox(hdlr); err != nil {
		return err
	}

	if _, err := w.writeBoxStart(&mp4.Minf{}); err != nil { // <minf>
		return err
	}

	if t.isVideo() {
		_, err = w.writeBox(&mp4.Vmhd{ // <vmhd/>
			FullBox: mp4.FullBox{
				Flags: [3]byte{0, 0, 1},
			},
		})
	} else {
		_, err = w.writeBox(&mp4.Smhd{}) // <smhd/>
	}
	if err != nil {
		return err
	}

	if err := t.marshalDinf(w); err != nil {
		return err
	}

	if _, err := w.writeBoxStart(&mp4.Stbl{}); err != nil { // <stbl>
		return err
	}
	if _, err := w.writeBoxStart(&mp4.Stsd{EntryCount: 1}); err != nil { // <stsd>
		return err
	}
	if t.isVideo() {
		err = t.marshalAVC1(w)
	} else {
		err = t.marshalMP4A(w)
	}
	if err != nil {
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // </stsd>
		return err
	}

	if err := t.marshalTables(w); err != nil {
		return err
	}

	for i := 0; i < 4; i++ { // </stbl></minf></mdia></trak>
		if err := w.writeBoxEnd(); err != nil {
			return err
		}
	}
	return nil
}

func (t *mp4Track) marshalDinf(w *boxWriter) error {
	if _, err := w.writeBoxStart(&mp4.Dinf{}); err != nil { // <dinf>
		return err
	}
	if _, err := w.writeBoxStart(&mp4.Dref{EntryCount: 1}); err != nil { // <dref>
		return err
	}
	_, err := w.writeBox(&mp4.Url{ // <url/>
		FullBox: mp4.FullBox{
			Flags: [3]byte{0, 0, 1},
		},
	})
	if err != nil {
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // </dref>
		return err
	}
	return w.writeBoxEnd() // </dinf>
}

func (t *mp4Track) marshalAVC1(w *boxWriter) error {
	_, err := w.writeBoxStart(&mp4.VisualSampleEntry{ // <avc1>
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox: mp4.AnyTypeBox{
				Type: mp4.BoxTypeAvc1(),
			},
			DataReferenceIndex: 1,
		},
		Width:           uint16(t.sps.Width()),
		Height:          uint16(t.sps.Height()),
		Horizresolution: 4718592,
		Vertresolution:  4718592,
		FrameCount:      1,
		Depth:           24,
		PreDefined3:     -1,
	})
	if err != nil {
		return err
	}

	if _, err := w.writeBox(avcDecoderConfig(t.format, &t.sps)); err != nil { // <avcC/>
		return err
	}
	return w.writeBoxEnd() // </avc1>
}

func avcDecoderConfig(f codec.Format, sps *h264.SPS) *mp4.AVCDecoderConfiguration {
	return &mp4.AVCDecoderConfiguration{
		AnyTypeBox: mp4.AnyTypeBox{
			Type: mp4.BoxTypeAvcC(),
		},
		ConfigurationVersion:       1,
		Profile:                    sps.ProfileIdc,
		ProfileCompatibility:       f.SPS[2],
		Level:                      sps.LevelIdc,
		LengthSizeMinusOne:         3,
		NumOfSequenceParameterSets: 1,
		SequenceParameterSets: []mp4.AVCParameterSet{
			{
				Length:  uint16(len(f.SPS)),
				NALUnit: f.SPS,
			},
		},
		NumOfPictureParameterSets: 1,
		PictureParameterSets: []mp4.AVCParameterSet{
			{
				Length:  uint16(len(f.PPS)),
				NALUnit: f.PPS,
			},
		},
	}
}

func (t *mp4Track) marshalMP4A(w *boxWriter) error {
	channels := t.format.ChannelCount
	if channels == 0 {
		channels = 1
	}
	_, err := w.writeBoxStart(&mp4.AudioSampleEntry{ // <mp4a>
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox: mp4.AnyTypeBox{
				Type: mp4.BoxTypeMp4a(),
			},
			DataReferenceIndex: 1,
		},
		ChannelCount: uint16(channels),
		SampleSize:   16,
		SampleRate:   t.timescale * 65536,
	})
	if err != nil {
		return err
	}

	bitRate := uint32(t.format.BitRate)
	config := t.audioConfig
	_, err = w.writeBox(&mp4.Esds{ // <esds/>
		Descriptors: []mp4.Descriptor{
			{
				Tag:  mp4.ESDescrTag,
				Size: 32 + uint32(len(config)),
				ESDescriptor: &mp4.ESDescriptor{
					ESID: uint16(t.id),
				},
			},
			{
				Tag:  mp4.DecoderConfigDescrTag,
				Size: 18 + uint32(len(config)),
				DecoderConfigDescriptor: &mp4.DecoderConfigDescriptor{
					ObjectTypeIndication: 0x40,
					StreamType:           0x05,
					Reserved:             true,
					MaxBitrate:           bitRate,
					AvgBitrate:           bitRate,
				},
			},
			{
				Tag:  mp4.DecSpecificInfoTag,
				Size: uint32(len(config)),
				Data: config,
			},
			{
				Tag:  mp4.SLConfigDescrTag,
				Size: 1,
				Data: []byte{0x02},
			},
		},
	})
	if err != nil {
		return err
	}
	return w.writeBoxEnd() // </mp4a>
}

func (t *mp4Track) marshalTables(w *boxWriter) error {
	boxes := []mp4.IImmutableBox{
		&mp4.Stts{ // <stts/>
			EntryCount: uint32(len(t.stts)),
			Entries:    t.stts,
		},
	}
	if t.isVideo() {
		boxes = append(boxes, &mp4.Stss{ // <stss/>
			EntryCount:   uint32(len(t.stss)),
			SampleNumber: t.stss,
		})
	}
	boxes = append(boxes,
		&mp4.Stsc{ // <stsc/>
			EntryCount: uint32(len(t.stsc)),
			Entries:    t.stsc,
		},
		&mp4.Stsz{ // <stsz/>
			SampleSize:  0,
			SampleCount: uint32(len(t.stsz)),
			EntrySize:   t.stsz,
		},
		&mp4.Stco{ // <stco/>
			EntryCount:  uint32(len(t.stco)),
			ChunkOffset: t.stco,
		},
	)

	for _, box := range boxes {
		if _, err := w.writeBox(box); err != nil {
			return err
		}
	}
	return nil
}

type boxWriter struct {
	w *mp4.Writer
}

func newBoxWriter(w io.WriteSeeker) *boxWriter {
	return &boxWriter{w: mp4.NewWriter(w)}
}

func (w *boxWriter) writeBoxStart(box mp4.IImmutableBox) (int, error) {
	bi := &mp4.BoxInfo{
		Type: box.GetType(),
	}
	bi, err := w.w.StartBox(bi)
	if err != nil {
		return 0, err
	}

	if _, err := mp4.Marshal(w.w, box, mp4.Context{}); err != nil {
		return 0, err
	}
	return int(bi.Offset), nil
}

func (w *boxWriter) writeBoxEnd() error {
	_, err := w.w.EndBox()
	return err
}

func (w *boxWriter) writeBox(box mp4.IImmutableBox) (int, error) {
	off, err := w.writeBoxStart(box)
	if err != nil {
		return 0, err
	}
	if err := w.writeBoxEnd(); err != nil {
		return 0, err
	}
	return off, nil
}
