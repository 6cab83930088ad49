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

// Package codec defines the buffer slot interface between
// the encoders and the media codecs that back them.
package codec

import (
	"context"
	"errors"
	"time"
)

// Kind of elementary stream.
type Kind uint8

// Stream kinds.
const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "unknown"
}

// Flags buffer flags.
type Flags uint8

// Buffer flags.
const (
	FlagKeyFrame Flags = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// Has reports if all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// BufferInfo describes an encoded output buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              Flags
}

// MIME types.
const (
	MIMEVideoAVC = "video/avc"
	MIMEAudioAAC = "audio/mp4a-latm"
)

// Format describes an elementary stream.
type Format struct {
	Kind Kind
	MIME string

	// Video.
	Width          int
	Height         int
	FrameRate      int
	IFrameInterval int
	SPS            []byte
	PPS            []byte

	// Audio.
	SampleRate   int
	ChannelCount int
	AudioConfig  []byte // Encoded AudioSpecificConfig.

	BitRate int
}

// OutputStatus result of DequeueOutput.
type OutputStatus uint8

// Output statuses.
const (
	StatusTryAgain OutputStatus = iota
	StatusBuffer
	StatusFormatChanged
)

// Output is returned by DequeueOutput. Slot and Info
// are only valid when Status is StatusBuffer.
type Output struct {
	Status OutputStatus
	Slot   int
	Info   BufferInfo
}

// Errors.
var (
	ErrStopped      = errors.New("codec stopped")
	ErrSlotNotInUse = errors.New("slot not in use")
	ErrInvalidSlot  = errors.New("invalid slot")
	ErrInputClosed  = errors.New("input closed")
)

// Codec is a media encoder with a fixed set of input and output buffer slots.
//
// The caller dequeues an input slot, fills InputBuffer(slot) and queues it
// with a presentation time. Encoded data is collected with DequeueOutput
// and every returned output slot must be released with ReleaseOutput.
type Codec interface {
	Start(ctx context.Context) error
	DequeueInput(timeout time.Duration) (int, bool)
	InputBuffer(slot int) []byte
	QueueInput(slot int, size int, ptsUs int64, flags Flags) error
	DequeueOutput(timeout time.Duration) (Output, error)
	OutputBuffer(slot int) []byte
	ReleaseOutput(slot int) error
	OutputFormat() Format
	Stop() error
	Release()
}

// NewFunc creates a codec for the requested format.
type NewFunc func(Format) (Codec, error)
