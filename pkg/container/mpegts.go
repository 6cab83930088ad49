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
	"fmt"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

const mpegtsBufferSize = 64 * 1024

type tsTrack struct {
	format codec.Format
	track  *mpegts.Track
}

// MPEGTSWriter writes a MPEG-TS file.
type MPEGTSWriter struct {
	file *os.File
	bw   *bufio.Writer
	mw   *mpegts.Writer

	tracks []*tsTrack
	start  int64
	hasPTS bool

	started  bool
	stopped  bool
	released bool
}

// NewMPEGTS creates the file at path.
func NewMPEGTS(path string) (*MPEGTSWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return &MPEGTSWriter{file: file}, nil
}

// AddTrack adds a track.
func (w *MPEGTSWriter) AddTrack(f codec.Format) (int, error) {
	if w.started {
		return -1, ErrAlreadyStarted
	}
	if err := checkFormat(f); err != nil {
		return -1, err
	}

	var c mpegts.Codec
	if f.Kind == codec.KindVideo {
		c = &mpegts.CodecH264{}
	} else {
		asc, err := audioConfig(f)
		if err != nil {
			return -1, err
		}
		c = &mpegts.CodecMPEG4Audio{Config: asc}
	}

	w.tracks = append(w.tracks, &tsTrack{
		format: f,
		track:  &mpegts.Track{Codec: c},
	})
	return len(w.tracks) - 1, nil
}

// Start writes the program tables.
func (w *MPEGTSWriter) Start() error {
	if w.started {
		return ErrAlreadyStarted
	}
	if len(w.tracks) == 0 {
		return ErrNoTracks
	}

	tracks := make([]*mpegts.Track, len(w.tracks))
	for i, t := range w.tracks {
		tracks[i] = t.track
	}

	w.bw = bufio.NewWriterSize(w.file, mpegtsBufferSize)
	w.mw = &mpegts.Writer{W: w.bw, Tracks: tracks}
	if err := w.mw.Initialize(); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	w.started = true
	return nil
}

// timestamp converts a presentation time to 90kHz
// relative to the first written sample.
func (w *MPEGTSWriter) timestamp(ptsUs int64) int64 {
	if !w.hasPTS {
		w.start = ptsUs
		w.hasPTS = true
	}
	rel := ptsUs - w.start
	if rel < 0 {
		rel = 0
	}
	return multiplyAndDivide(rel, 90000, 1000000)
}

// WriteSampleData writes a sample.
func (w *MPEGTSWriter) WriteSampleData(track int, data []byte, info codec.BufferInfo) error {
	if !w.started || w.stopped {
		return ErrNotStarted
	}
	if track < 0 || track >= len(w.tracks) {
		return fmt.Errorf("%w: %d", ErrInvalidTrack, track)
	}
	t := w.tracks[track]
	pts := w.timestamp(info.PresentationTimeUs)

	if t.format.Kind == codec.KindAudio {
		return w.mw.WriteMPEG4Audio(t.track, pts, [][]byte{data})
	}

	nalus, err := accessUnitNALUs(data)
	if err != nil {
		return err
	}
	if len(nalus) == 0 {
		return nil
	}
	// Decoders need parameter sets at every random access point.
	if h264.IsRandomAccess(nalus) {
		nalus = append([][]byte{t.format.SPS, t.format.PPS}, nalus...)
	}
	// B-frames are disabled, DTS equals PTS.
	return w.mw.WriteH264(t.track, pts, pts, nalus)
}

// Stop flushes buffered packets.
func (w *MPEGTSWriter) Stop() error {
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
	return w.file.Sync()
}

// Release closes the file.
func (w *MPEGTSWriter) Release() error {
	if w.released {
		return nil
	}
	w.released = true
	return w.file.Close()
}
