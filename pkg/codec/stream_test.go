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
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/require"
)

type fakeEncoder func(stdin io.Reader, stdout io.Writer) error

func fakeStart(enc fakeEncoder) StartFunc {
	return func(ctx context.Context) (io.WriteCloser, io.Reader, error) {
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		go func() {
			err := enc(inR, outW)
			inR.Close()
			outW.CloseWithError(err)
		}()
		return inW, outR, nil
	}
}

// fakeVideoEncoder writes one access unit per frame.
func fakeVideoEncoder(frameSize int) fakeEncoder {
	return func(stdin io.Reader, stdout io.Writer) error {
		frame := make([]byte, frameSize)
		first := true
		for {
			if _, err := io.ReadFull(stdin, frame); err != nil {
				return nil
			}
			var au []byte
			if first {
				au = annexB(testAUD, testSPS, testPPS, testIDR)
				first = false
			} else {
				au = annexB(testAUD, testNonIDR)
			}
			if _, err := stdout.Write(au); err != nil {
				return err
			}
		}
	}
}

func dequeueOutput(t *testing.T, c Codec) Output {
	t.Helper()
	for i := 0; i < 500; i++ {
		out, err := c.DequeueOutput(10 * time.Millisecond)
		require.NoError(t, err)
		if out.Status != StatusTryAgain {
			return out
		}
	}
	t.Fatal("timeout")
	return Output{}
}

func queueFrame(t *testing.T, c Codec, data []byte, pts int64) {
	t.Helper()
	slot, ok := c.DequeueInput(time.Second)
	require.True(t, ok)
	n := copy(c.InputBuffer(slot), data)
	require.NoError(t, c.QueueInput(slot, n, pts, 0))
}

func queueEOS(t *testing.T, c Codec) {
	t.Helper()
	slot, ok := c.DequeueInput(time.Second)
	require.True(t, ok)
	require.NoError(t, c.QueueInput(slot, 0, 0, FlagEndOfStream))
}

func newTestVideoCodec(t *testing.T, enc fakeEncoder) *StreamCodec {
	t.Helper()
	c, err := NewStreamCodec(StreamConfig{
		Format:      Format{Kind: KindVideo, MIME: MIMEVideoAVC, Width: 4, Height: 2},
		Start:       fakeStart(enc),
		InputSlots:  2,
		InputSize:   12,
		OutputSlots: 2,
		OutputSize:  16,
	})
	require.NoError(t, err)
	return c
}

func TestStreamCodecVideo(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c := newTestVideoCodec(t, fakeVideoEncoder(12))
		require.NoError(t, c.Start(context.Background()))
		defer c.Release()

		frame := make([]byte, 12)
		queueFrame(t, c, frame, 100)
		queueFrame(t, c, frame, 200)

		out := dequeueOutput(t, c)
		require.Equal(t, StatusFormatChanged, out.Status)

		format := c.OutputFormat()
		require.Equal(t, 1920, format.Width)
		require.Equal(t, 1080, format.Height)
		require.Equal(t, testSPS, format.SPS)
		require.Equal(t, testPPS, format.PPS)

		out = dequeueOutput(t, c)
		require.Equal(t, StatusBuffer, out.Status)
		require.True(t, out.Info.Flags.Has(FlagCodecConfig))
		var config h264.AnnexB
		require.NoError(t, config.Unmarshal(c.OutputBuffer(out.Slot)[:out.Info.Size]))
		require.Equal(t, h264.AnnexB{testSPS, testPPS}, config)
		require.NoError(t, c.ReleaseOutput(out.Slot))

		out = dequeueOutput(t, c)
		require.Equal(t, StatusBuffer, out.Status)
		require.Equal(t, int64(100), out.Info.PresentationTimeUs)
		require.True(t, out.Info.Flags.Has(FlagKeyFrame))
		var au h264.AnnexB
		require.NoError(t, au.Unmarshal(c.OutputBuffer(out.Slot)[:out.Info.Size]))
		require.Equal(t, h264.AnnexB{testSPS, testPPS, testIDR}, au)
		require.NoError(t, c.ReleaseOutput(out.Slot))

		queueEOS(t, c)

		out = dequeueOutput(t, c)
		require.Equal(t, int64(200), out.Info.PresentationTimeUs)
		require.False(t, out.Info.Flags.Has(FlagKeyFrame))
		require.NoError(t, c.ReleaseOutput(out.Slot))

		out = dequeueOutput(t, c)
		require.True(t, out.Info.Flags.Has(FlagEndOfStream))
		require.Equal(t, 0, out.Info.Size)
		require.NoError(t, c.ReleaseOutput(out.Slot))

		require.NoError(t, c.Stop())
		_, err := c.DequeueOutput(0)
		require.ErrorIs(t, err, ErrStopped)
	})
	t.Run("outputSlotsFull", func(t *testing.T) {
		c := newTestVideoCodec(t, fakeVideoEncoder(12))
		require.NoError(t, c.Start(context.Background()))
		defer c.Release()

		frame := make([]byte, 12)
		queueFrame(t, c, frame, 1)
		queueEOS(t, c)

		require.Equal(t, StatusFormatChanged, dequeueOutput(t, c).Status)
		config := dequeueOutput(t, c)
		data := dequeueOutput(t, c)

		// Both slots are held.
		out, err := c.DequeueOutput(10 * time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, StatusTryAgain, out.Status)

		require.NoError(t, c.ReleaseOutput(config.Slot))
		require.NoError(t, c.ReleaseOutput(data.Slot))
		eos := dequeueOutput(t, c)
		require.True(t, eos.Info.Flags.Has(FlagEndOfStream))
	})
	t.Run("missingParameterSets", func(t *testing.T) {
		c := newTestVideoCodec(t, func(stdin io.Reader, stdout io.Writer) error {
			_, err := stdout.Write(annexB(testAUD, testNonIDR))
			return err
		})
		require.NoError(t, c.Start(context.Background()))
		defer c.Release()

		var err error
		for i := 0; i < 100; i++ {
			var out Output
			out, err = c.DequeueOutput(10 * time.Millisecond)
			if err != nil || out.Status != StatusTryAgain {
				break
			}
		}
		require.ErrorIs(t, err, ErrMissingParameterSets)
	})
	t.Run("processError", func(t *testing.T) {
		errMock := errors.New("mock")
		c := newTestVideoCodec(t, func(io.Reader, io.Writer) error {
			return errMock
		})
		require.NoError(t, c.Start(context.Background()))
		defer c.Release()

		var err error
		for i := 0; i < 100; i++ {
			var out Output
			out, err = c.DequeueOutput(10 * time.Millisecond)
			if err != nil || out.Status != StatusTryAgain {
				break
			}
		}
		require.ErrorIs(t, err, errMock)
	})
	t.Run("stopWithoutEOS", func(t *testing.T) {
		c := newTestVideoCodec(t, fakeVideoEncoder(12))
		require.NoError(t, c.Start(context.Background()))

		queueFrame(t, c, make([]byte, 12), 1)
		require.NoError(t, c.Stop())
		require.NoError(t, c.Stop())
		c.Release()
	})
	t.Run("queueBeforeStart", func(t *testing.T) {
		c := newTestVideoCodec(t, fakeVideoEncoder(12))
		slot, ok := c.DequeueInput(0)
		require.True(t, ok)
		require.ErrorIs(t, c.QueueInput(slot, 1, 0, 0), ErrStopped)

		// Slot was returned.
		_, ok = c.DequeueInput(0)
		require.True(t, ok)
		_, ok = c.DequeueInput(0)
		require.True(t, ok)
	})
	t.Run("queueAfterEOS", func(t *testing.T) {
		c := newTestVideoCodec(t, fakeVideoEncoder(12))
		require.NoError(t, c.Start(context.Background()))
		defer c.Release()

		queueEOS(t, c)
		slot, ok := c.DequeueInput(time.Second)
		require.True(t, ok)
		require.ErrorIs(t, c.QueueInput(slot, 1, 0, 0), ErrInputClosed)
	})
	t.Run("startTwice", func(t *testing.T) {
		c := newTestVideoCodec(t, fakeVideoEncoder(12))
		require.NoError(t, c.Start(context.Background()))
		defer c.Release()
		require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	})
	t.Run("unsupportedMIME", func(t *testing.T) {
		_, err := NewStreamCodec(StreamConfig{
			Format:      Format{MIME: "video/x-vnd.on2.vp8"},
			Start:       fakeStart(nil),
			InputSlots:  1,
			OutputSlots: 1,
		})
		require.Error(t, err)
	})
}

func TestStreamCodecAudio(t *testing.T) {
	enc := func(stdin io.Reader, stdout io.Writer) error {
		if _, err := io.Copy(io.Discard, stdin); err != nil {
			return err
		}
		stream := append(adtsFrame(1, []byte{1, 2}), adtsFrame(1, []byte{3})...)
		_, err := stdout.Write(stream)
		return err
	}
	c, err := NewStreamCodec(StreamConfig{
		Format:      Format{Kind: KindAudio, MIME: MIMEAudioAAC, SampleRate: 44100, ChannelCount: 1},
		Start:       fakeStart(enc),
		InputSlots:  2,
		InputSize:   16,
		OutputSlots: 2,
		OutputSize:  16,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Release()

	queueFrame(t, c, make([]byte, 16), 1000)
	queueEOS(t, c)

	require.Equal(t, StatusFormatChanged, dequeueOutput(t, c).Status)
	require.Equal(t, []byte{0x12, 0x08}, c.OutputFormat().AudioConfig)

	out := dequeueOutput(t, c)
	require.True(t, out.Info.Flags.Has(FlagCodecConfig))
	require.NoError(t, c.ReleaseOutput(out.Slot))

	out = dequeueOutput(t, c)
	require.Equal(t, int64(1000), out.Info.PresentationTimeUs)
	require.Equal(t, []byte{1, 2}, c.OutputBuffer(out.Slot)[:out.Info.Size])
	require.NoError(t, c.ReleaseOutput(out.Slot))

	out = dequeueOutput(t, c)
	require.Equal(t, int64(1000+1024*1000000/44100), out.Info.PresentationTimeUs)
	require.NoError(t, c.ReleaseOutput(out.Slot))

	out = dequeueOutput(t, c)
	require.True(t, out.Info.Flags.Has(FlagEndOfStream))
	require.NoError(t, c.ReleaseOutput(out.Slot))
}
