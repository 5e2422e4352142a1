// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package bitmap decodes bitmap updates seen in recorded sessions.
package bitmap

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

const (
	updateTypeBitmap = 0x0001

	bitmapCompression  = 0x0001
	noCompressionHdr   = 0x0400
	compressionHdrSize = 8
)

// ErrCompressed is returned when decoding an interleaved-RLE bitmap.
var ErrCompressed = errors.New("bitmap: compressed bitmaps are not supported")

// BitmapData is one rectangle of a bitmap update.
// MS-RDPBCGR section 2.2.9.1.1.3.1.2.2
type BitmapData struct {
	DestLeft   uint16
	DestTop    uint16
	DestRight  uint16
	DestBottom uint16
	Width      uint16
	Height     uint16
	BitsPerPel uint16
	Flags      uint16
	Data       []byte
}

func (b *BitmapData) Compressed() bool { return b.Flags&bitmapCompression != 0 }

// ParseBitmapUpdateData parses TS_UPDATE_BITMAP_DATA, the body shared by the
// slow-path and fast-path bitmap updates.
// MS-RDPBCGR section 2.2.9.1.1.3.1.2
func ParseBitmapUpdateData(data []byte) ([]*BitmapData, error) {
	r := codec.NewReader(data)

	updateType, err := r.Uint16LE()
	if err != nil {
		return nil, fmt.Errorf("bitmap update data too short: %w", err)
	}
	if updateType != updateTypeBitmap {
		return nil, fmt.Errorf("invalid update type: %04X", updateType)
	}

	numRects, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}

	bitmaps := make([]*BitmapData, 0, numRects)
	for i := uint16(0); i < numRects; i++ {
		bitmap := &BitmapData{}
		fields := []*uint16{
			&bitmap.DestLeft, &bitmap.DestTop, &bitmap.DestRight, &bitmap.DestBottom,
			&bitmap.Width, &bitmap.Height, &bitmap.BitsPerPel, &bitmap.Flags,
		}
		for _, f := range fields {
			if *f, err = r.Uint16LE(); err != nil {
				return nil, fmt.Errorf("rectangle %d: %w", i, err)
			}
		}
		length, err := r.Uint16LE()
		if err != nil {
			return nil, fmt.Errorf("rectangle %d: %w", i, err)
		}
		if bitmap.Data, err = r.Bytes(int(length)); err != nil {
			return nil, fmt.Errorf("failed to read bitmap data: %w", err)
		}
		if bitmap.Compressed() && bitmap.Flags&noCompressionHdr == 0 && len(bitmap.Data) >= compressionHdrSize {
			bitmap.Data = bitmap.Data[compressionHdrSize:]
		}
		bitmaps = append(bitmaps, bitmap)
	}
	return bitmaps, nil
}

// DecodeRawBitmap decodes an uncompressed bitmap into an image. Rows are
// stored bottom-up.
func DecodeRawBitmap(bitmap *BitmapData) (*image.RGBA, error) {
	if bitmap.Compressed() {
		return nil, ErrCompressed
	}

	width := int(bitmap.Width)
	height := int(bitmap.Height)
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	var bpp int
	switch bitmap.BitsPerPel {
	case 15, 16:
		bpp = 2
	case 24:
		bpp = 3
	case 32:
		bpp = 4
	case 8:
		return nil, fmt.Errorf("8-bit color needs a palette")
	default:
		return nil, fmt.Errorf("unsupported bits per pixel: %d", bitmap.BitsPerPel)
	}

	// scanlines are padded to four bytes
	stride := (width*bpp + 3) &^ 3
	if len(bitmap.Data) < stride*height {
		return nil, fmt.Errorf("insufficient bitmap data for %d-bit color", bitmap.BitsPerPel)
	}

	for y := 0; y < height; y++ {
		row := bitmap.Data[(height-y-1)*stride:]
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, pixel(row[x*bpp:], bitmap.BitsPerPel))
		}
	}
	return img, nil
}

func pixel(p []byte, bitsPerPel uint16) color.RGBA {
	switch bitsPerPel {
	case 15:
		v := uint16(p[0]) | uint16(p[1])<<8
		return color.RGBA{scale5(v >> 10), scale5(v >> 5), scale5(v), 255}
	case 16:
		v := uint16(p[0]) | uint16(p[1])<<8
		g := uint8((v >> 5) & 0x3F)
		return color.RGBA{scale5(v >> 11), g<<2 | g>>4, scale5(v), 255}
	default:
		// BGR(X); the fourth byte is not alpha on the wire
		return color.RGBA{p[2], p[1], p[0], 255}
	}
}

func scale5(v uint16) uint8 {
	c := uint8(v & 0x1F)
	return c<<3 | c>>2
}
