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

// Package yuv converts semi-planar YUV 4:2:0 frames.
//
// NV21 stores the chroma plane as interleaved V,U pairs,
// NV12 stores it as U,V pairs. Both have a full resolution
// luma plane followed by a quarter resolution chroma plane.
package yuv

import (
	"errors"
	"fmt"
)

// ErrShortBuffer buffer is smaller than the frame size.
var ErrShortBuffer = errors.New("buffer shorter than frame size")

// FrameSize returns the byte size of a width*height 4:2:0 frame.
func FrameSize(width, height int) int {
	return width * height * 3 / 2
}

func checkSize(dst, src []byte, width, height int) error {
	size := FrameSize(width, height)
	if len(src) < size {
		return fmt.Errorf("src %d<%d: %w", len(src), size, ErrShortBuffer)
	}
	if len(dst) < size {
		return fmt.Errorf("dst %d<%d: %w", len(dst), size, ErrShortBuffer)
	}
	return nil
}

// NV21ToNV12 converts src into dst. The luma plane is copied
// and every chroma pair is swapped. dst may be src.
// A nil src is a no-op.
func NV21ToNV12(dst, src []byte, width, height int) error {
	if src == nil {
		return nil
	}
	if err := checkSize(dst, src, width, height); err != nil {
		return err
	}

	lumaSize := width * height
	copy(dst[:lumaSize], src[:lumaSize])

	end := FrameSize(width, height)
	for i := lumaSize; i+1 < end; i += 2 {
		dst[i], dst[i+1] = src[i+1], src[i]
	}
	return nil
}

// NV12ToNV21 is the inverse of NV21ToNV12.
func NV12ToNV21(dst, src []byte, width, height int) error {
	return NV21ToNV12(dst, src, width, height)
}

// RotateNV21 rotates a NV21 frame 90 degrees clockwise.
// The output frame is height pixels wide and width pixels tall.
// dst must not overlap src.
func RotateNV21(dst, src []byte, width, height int) error {
	if src == nil {
		return nil
	}
	if err := checkSize(dst, src, width, height); err != nil {
		return err
	}

	i := 0
	for x := 0; x < width; x++ {
		for y := height - 1; y >= 0; y-- {
			dst[i] = src[y*width+x]
			i++
		}
	}

	lumaSize := width * height
	i = FrameSize(width, height) - 1
	for x := width - 1; x > 0; x -= 2 {
		for y := 0; y < height/2; y++ {
			dst[i] = src[lumaSize+y*width+x]
			i--
			dst[i] = src[lumaSize+y*width+x-1]
			i--
		}
	}
	return nil
}
