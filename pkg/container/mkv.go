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
	"bytes"
	"camrec/pkg/codec"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/abema/go-mp4"
	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	mkvTrackTypeVideo = 1
	mkvTrackTypeAudio = 2

	mkvCodecAVC = "V_MPEG4/ISO/AVC"
	mkvCodecAAC = "A_AAC"

	mkvMaxDelayedPackets = 32
)

// MKVWriter writes a Matroska file.
type MKVWriter struct {
	file    *os.File
	entries []webm.TrackEntry
	formats []codec.Format
	writers []webm.BlockWriteCloser

	start  int64
	hasPTS bool

	fatalErr error
	mu       sync.Mutex

	started  bool
	stopped  bool
	released bool
	closed   bool
}

// NewMKV creates the file at path.
func NewMKV(path string) (*MKVWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return &MKVWriter{file: file}, nil
}

// AddTrack adds a track.
func (w *MKVWriter) AddTrack(f codec.Format) (int, error) {
	if w.started {
		return -1, ErrAlreadyStarted
	}
	if err := checkFormat(f); err != nil {
		return -1, err
	}

	number := uint64(len(w.entries) + 1)
	entry := webm.TrackEntry{
		TrackNumber: number,
		TrackUID:    number,
	}

	if f.Kind == codec.KindVideo {
		var sps h264.SPS
		if err := sps.Unmarshal(f.SPS); err != nil {
			return -1, fmt.Errorf("unmarshal sps: %w", err)
		}
		var avcC bytes.Buffer
		if _, err := mp4.Marshal(&avcC, avcDecoderConfig(f, &sps), mp4.Context{}); err != nil {
			return -1, fmt.Errorf("marshal avcC: %w", err)
		}
		entry.Name = "Video"
		entry.CodecID = mkvCodecAVC
		entry.CodecPrivate = avcC.Bytes()
		entry.TrackType = mkvTrackTypeVideo
		if f.FrameRate > 0 {
			entry.DefaultDuration = uint64(1000000000 / f.FrameRate)
		}
		entry.Video = &webm.Video{
			PixelWidth:  uint64(sps.Width()),
			PixelHeight: uint64(sps.Height()),
		}
	} else {
		asc, err := audioConfig(f)
		if err != nil {
			return -1, err
		}
		config, err := asc.Marshal()
		if err != nil {
			return -1, fmt.Errorf("marshal audio config: %w", err)
		}
		entry.Name = "Audio"
		entry.CodecID = mkvCodecAAC
		entry.CodecPrivate = config
		entry.TrackType = mkvTrackTypeAudio
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(asc.SampleRate),
			Channels:          uint64(asc.ChannelCount),
		}
	}

	w.entries = append(w.entries, entry)
	w.formats = append(w.formats, f)
	return len(w.entries) - 1, nil
}

// Start writes the EBML header and track entries.
func (w *MKVWriter) Start() error {
	if w.started {
		return ErrAlreadyStarted
	}
	if len(w.entries) == 0 {
		return ErrNoTracks
	}

	sorter, err := mkvcore.NewMultiTrackBlockSorter(
		mkvcore.WithMaxDelayedPackets(mkvMaxDelayedPackets),
		mkvcore.WithSortRule(mkvcore.BlockSorterWriteOutdated),
	)
	if err != nil {
		return fmt.Errorf("block sorter: %w", err)
	}

	header := *webm.DefaultEBMLHeader
	header.DocType = "matroska"

	writers, err := webm.NewSimpleBlockWriter(
		w.file,
		w.entries,
		mkvcore.WithEBMLHeader(&header),
		mkvcore.WithSegmentInfo(&webm.Info{
			TimecodeScale: 1000000, // 1ms.
			MuxingApp:     "camrec",
			WritingApp:    "camrec",
		}),
		mkvcore.WithBlockInterceptor(sorter),
		mkvcore.WithOnFatalHandler(func(err error) {
			w.mu.Lock()
			w.fatalErr = err
			w.mu.Unlock()
		}),
	)
	if err != nil {
		return fmt.Errorf("create block writer: %w", err)
	}
	w.writers = writers
	w.started = true
	return nil
}

func (w *MKVWriter) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatalErr
}

// timestamp converts a presentation time to milliseconds
// relative to the first written sample.
func (w *MKVWriter) timestamp(ptsUs int64) int64 {
	if !w.hasPTS {
		w.start = ptsUs
		w.hasPTS = true
	}
	rel := ptsUs - w.start
	if rel < 0 {
		rel = 0
	}
	return rel / 1000
}

// WriteSampleData writes a simple block.
func (w *MKVWriter) WriteSampleData(track int, data []byte, info codec.BufferInfo) error {
	if !w.started || w.stopped {
		return ErrNotStarted
	}
	if track < 0 || track >= len(w.writers) {
		return fmt.Errorf("%w: %d", ErrInvalidTrack, track)
	}
	if err := w.err(); err != nil {
		return fmt.Errorf("block writer: %w", err)
	}

	payload := data
	keyframe := true
	if w.formats[track].Kind == codec.KindVideo {
		var err error
		payload, err = avccAccessUnit(data)
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}
		keyframe = info.Flags.Has(codec.FlagKeyFrame)
	}

	_, err := w.writers[track].Write(keyframe, w.timestamp(info.PresentationTimeUs), payload)
	if err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	return nil
}

// Stop closes the block writers, which closes the file.
func (w *MKVWriter) Stop() error {
	if !w.started {
		return ErrNotStarted
	}
	if w.stopped {
		return nil
	}
	w.stopped = true

	var errs []error
	for _, bw := range w.writers {
		if err := bw.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.closed = true
	return errors.Join(errs...)
}

// Release closes the file if Stop did not.
func (w *MKVWriter) Release() error {
	if w.released {
		return nil
	}
	w.released = true
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
