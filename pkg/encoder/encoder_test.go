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

package encoder

import (
	"camrec/pkg/codec"
	"camrec/pkg/codec/codecmock"
	"camrec/pkg/log"
	"camrec/pkg/yuv"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	track int
	data  []byte
	info  codec.BufferInfo
}

type mockMuxer struct {
	registered  []codec.Kind
	formats     []codec.Format
	activations int
	samples     []sample
	finalized   int

	registerErr error
	writeErr    error
	finalizeErr error

	mu sync.Mutex
}

func (m *mockMuxer) RegisterTrack(kind codec.Kind, f codec.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return -1, m.registerErr
	}
	m.registered = append(m.registered, kind)
	m.formats = append(m.formats, f)
	return len(m.registered) - 1, nil
}

func (m *mockMuxer) Activate() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations++
	return m.activations == 1, nil
}

func (m *mockMuxer) WriteSample(track int, data []byte, info codec.BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.samples = append(m.samples, sample{
		track: track,
		data:  append([]byte(nil), data...),
		info:  info,
	})
	return nil
}

func (m *mockMuxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized++
	return m.finalizeErr
}

var errMock = errors.New("mock")

func newTestVideoEncoder(
	t *testing.T,
	config VideoConfig,
) (*VideoEncoder, *codecmock.Codec, *mockMuxer) {
	t.Helper()
	c := codecmock.New(VideoFormat(config), yuv.FrameSize(config.Width, config.Height))
	m := &mockMuxer{}
	e, err := NewVideoEncoder(config, codecmock.Factory(c), m, log.NewMockLogger())
	require.NoError(t, err)
	return e, c, m
}

func nv21Frame(width, height int, fill byte) []byte {
	b := make([]byte, yuv.FrameSize(width, height))
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestVideoEncoder(t *testing.T) {
	config := VideoConfig{Width: 4, Height: 2, FrameRate: 24, BitRate: 1000}

	t.Run("notStarted", func(t *testing.T) {
		e, _, _ := newTestVideoEncoder(t, config)
		err := e.Encode(nv21Frame(4, 2, 1), 12, 1)
		require.ErrorIs(t, err, ErrNotStarted)
	})
	t.Run("formatChangeRegistersAndActivates", func(t *testing.T) {
		e, c, m := newTestVideoEncoder(t, config)
		require.NoError(t, e.Start(context.Background()))
		require.True(t, c.Started())

		frame := []byte{1, 2, 3, 4, 5, 6, 7, 8, 0xa, 0xb, 0xc, 0xd}
		require.NoError(t, e.Encode(frame, len(frame), 100))

		require.Equal(t, []codec.Kind{codec.KindVideo}, m.registered)
		require.Equal(t, 1, m.activations)

		// Config buffer is not forwarded.
		require.Len(t, m.samples, 1)
		s := m.samples[0]
		require.Equal(t, 0, s.track)
		require.Equal(t, int64(100), s.info.PresentationTimeUs)
		require.True(t, s.info.Flags.Has(codec.FlagKeyFrame))

		// NV12.
		expected := []byte{1, 2, 3, 4, 5, 6, 7, 8, 0xb, 0xa, 0xd, 0xc}
		require.Equal(t, expected, s.data)
		require.Equal(t, Stats{Submitted: 1, Written: 1}, e.Stats())
		require.Equal(t, int64(100), e.PTS())
	})
	t.Run("rotate", func(t *testing.T) {
		config := config
		config.Rotate = true
		e, c, m := newTestVideoEncoder(t, config)
		require.Equal(t, 2, VideoFormat(config).Width)
		require.Equal(t, 4, VideoFormat(config).Height)

		require.NoError(t, e.Start(context.Background()))
		frame := []byte{1, 2, 3, 4, 5, 6, 7, 8, 10, 11, 12, 13}
		require.NoError(t, e.Encode(frame, len(frame), 1))

		expected := []byte{5, 1, 6, 2, 7, 3, 8, 4, 11, 10, 13, 12}
		require.Equal(t, expected, c.Inputs()[0].Data)
		require.Equal(t, expected, m.samples[0].data)
	})
	t.Run("shortFrame", func(t *testing.T) {
		e, c, m := newTestVideoEncoder(t, config)
		require.NoError(t, e.Start(context.Background()))
		err := e.Encode(make([]byte, 5), 5, 1)
		require.ErrorIs(t, err, yuv.ErrShortBuffer)
		require.Empty(t, c.Inputs())
		require.Empty(t, m.samples)
		require.Equal(t, uint64(1), e.Stats().Dropped)
	})
	t.Run("noInputBuffer", func(t *testing.T) {
		e, c, m := newTestVideoEncoder(t, config)
		c.NoInput = true
		require.NoError(t, e.Start(context.Background()))
		require.NoError(t, e.Encode(nv21Frame(4, 2, 1), 12, 1))
		require.Empty(t, m.samples)
		require.Equal(t, Stats{Dropped: 1}, e.Stats())
	})
	t.Run("endOfStream", func(t *testing.T) {
		e, c, m := newTestVideoEncoder(t, config)
		require.NoError(t, e.Start(context.Background()))
		require.NoError(t, e.Encode(nv21Frame(4, 2, 1), 12, 1))
		require.NoError(t, e.Encode(nv21Frame(4, 2, 2), 12, 2))
		require.NoError(t, e.Encode(nil, 0, 3))

		inputs := c.Inputs()
		require.Len(t, inputs, 3)
		require.True(t, inputs[2].Flags.Has(codec.FlagEndOfStream))
		require.Len(t, m.samples, 2)
		require.True(t, e.eos)

		// Second end of stream is a no-op.
		require.NoError(t, e.Encode(nil, -1, 4))
		require.Len(t, c.Inputs(), 3)
	})
	t.Run("stopFinalizes", func(t *testing.T) {
		e, c, m := newTestVideoEncoder(t, config)
		require.NoError(t, e.Start(context.Background()))
		require.NoError(t, e.Stop())
		require.True(t, c.Stopped())
		require.True(t, c.Released())
		require.Equal(t, 1, m.finalized)

		err := e.Encode(nv21Frame(4, 2, 1), 12, 1)
		require.ErrorIs(t, err, ErrStopped)
	})
	t.Run("stopNeverStarted", func(t *testing.T) {
		e, c, m := newTestVideoEncoder(t, config)
		require.NoError(t, e.Stop())
		require.False(t, c.Stopped())
		require.Equal(t, 1, m.finalized)
	})
	t.Run("finalizeErr", func(t *testing.T) {
		e, _, m := newTestVideoEncoder(t, config)
		m.finalizeErr = errMock
		require.ErrorIs(t, e.Stop(), errMock)
	})
	t.Run("registerErr", func(t *testing.T) {
		e, _, m := newTestVideoEncoder(t, config)
		m.registerErr = errMock
		require.NoError(t, e.Start(context.Background()))
		err := e.Encode(nv21Frame(4, 2, 1), 12, 1)
		require.ErrorIs(t, err, errMock)
	})
	t.Run("writeErr", func(t *testing.T) {
		e, _, m := newTestVideoEncoder(t, config)
		m.writeErr = errMock
		require.NoError(t, e.Start(context.Background()))
		err := e.Encode(nv21Frame(4, 2, 1), 12, 1)
		require.ErrorIs(t, err, errMock)
		require.Equal(t, uint64(0), e.Stats().Written)
	})
	t.Run("startErr", func(t *testing.T) {
		e, c, _ := newTestVideoEncoder(t, config)
		c.StartErr = errMock
		require.ErrorIs(t, e.Start(context.Background()), errMock)
		require.False(t, e.Started())
	})
	t.Run("codecErr", func(t *testing.T) {
		_, err := NewVideoEncoder(
			config, codecmock.FactoryErr(), &mockMuxer{}, log.NewMockLogger())
		require.ErrorIs(t, err, codecmock.ErrMock)
	})
	t.Run("invalidDimensions", func(t *testing.T) {
		_, err := NewVideoEncoder(
			VideoConfig{}, codecmock.FactoryErr(), &mockMuxer{}, log.NewMockLogger())
		require.ErrorIs(t, err, ErrInvalidDimensions)
	})
}

func newTestAudioEncoder(
	t *testing.T,
	inputSize int,
) (*AudioEncoder, *codecmock.Codec, *mockMuxer) {
	t.Helper()
	config := AudioConfig{SampleRate: 1000, ChannelCount: 1, BitRate: 64000}
	c := codecmock.New(AudioFormat(config), inputSize)
	m := &mockMuxer{}
	e, err := NewAudioEncoder(config, codecmock.Factory(c), m, log.NewMockLogger())
	require.NoError(t, err)
	return e, c, m
}

func TestAudioEncoder(t *testing.T) {
	t.Run("encode", func(t *testing.T) {
		e, c, m := newTestAudioEncoder(t, 8)
		require.NoError(t, e.Start(context.Background()))

		pcm := []byte{1, 2, 3, 4}
		require.NoError(t, e.Encode(pcm, len(pcm), 500))
		require.Equal(t, []codec.Kind{codec.KindAudio}, m.registered)
		require.Len(t, m.samples, 1)
		require.Equal(t, pcm, m.samples[0].data)
		require.Len(t, c.Inputs(), 1)
	})
	t.Run("split", func(t *testing.T) {
		e, c, m := newTestAudioEncoder(t, 4)
		require.NoError(t, e.Start(context.Background()))

		pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
		require.NoError(t, e.Encode(pcm, len(pcm), 1000))

		inputs := c.Inputs()
		require.Len(t, inputs, 3)
		require.Equal(t, []byte{1, 2, 3, 4}, inputs[0].Data)
		require.Equal(t, []byte{5, 6, 7, 8}, inputs[1].Data)
		require.Equal(t, []byte{9, 10}, inputs[2].Data)

		// 2 bytes per frame at 1000Hz, 1ms per frame.
		require.Equal(t, int64(1000), inputs[0].PTS)
		require.Equal(t, int64(3000), inputs[1].PTS)
		require.Equal(t, int64(5000), inputs[2].PTS)
		require.Len(t, m.samples, 3)
		require.Equal(t, uint64(3), e.Stats().Submitted)
	})
	t.Run("lengthLimitsData", func(t *testing.T) {
		e, c, _ := newTestAudioEncoder(t, 8)
		require.NoError(t, e.Start(context.Background()))
		require.NoError(t, e.Encode([]byte{1, 2, 3, 4}, 2, 1))
		require.Equal(t, []byte{1, 2}, c.Inputs()[0].Data)
	})
	t.Run("endOfStream", func(t *testing.T) {
		e, c, _ := newTestAudioEncoder(t, 8)
		require.NoError(t, e.Start(context.Background()))
		require.NoError(t, e.Encode(nil, 0, 1))
		require.True(t, c.Inputs()[0].Flags.Has(codec.FlagEndOfStream))
	})
	t.Run("stopDoesNotFinalize", func(t *testing.T) {
		e, c, m := newTestAudioEncoder(t, 8)
		require.NoError(t, e.Start(context.Background()))
		require.NoError(t, e.Stop())
		require.True(t, c.Stopped())
		require.Equal(t, 0, m.finalized)
	})
	t.Run("invalidConfig", func(t *testing.T) {
		_, err := NewAudioEncoder(
			AudioConfig{}, codecmock.FactoryErr(), &mockMuxer{}, log.NewMockLogger())
		require.ErrorIs(t, err, ErrInvalidAudioConfig)
	})
}
