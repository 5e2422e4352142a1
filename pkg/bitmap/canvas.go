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

package bitmap

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// Canvas paints the bitmap updates of a replayed session onto a single image
// that grows to fit every rectangle drawn. It implements recording.Handler.
type Canvas struct {
	img *image.RGBA

	// Drawn and Skipped count rectangles painted and rectangles that
	// could not be decoded (compressed or palette based).
	Drawn   int
	Skipped int
}

func NewCanvas() *Canvas {
	return &Canvas{img: image.NewRGBA(image.Rect(0, 0, 0, 0))}
}

// Image returns the current contents of the canvas.
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// Draw paints each bitmap at its destination.
func (c *Canvas) Draw(bitmaps []*BitmapData) {
	for _, b := range bitmaps {
		src, err := DecodeRawBitmap(b)
		if err != nil {
			c.Skipped++
			continue
		}
		dst := image.Rect(int(b.DestLeft), int(b.DestTop), int(b.DestRight)+1, int(b.DestBottom)+1)
		c.grow(dst.Max)
		draw.Draw(c.img, dst, src, image.Point{}, draw.Src)
		c.Drawn++
	}
}

func (c *Canvas) grow(to image.Point) {
	bounds := c.img.Bounds()
	if to.X <= bounds.Max.X && to.Y <= bounds.Max.Y {
		return
	}
	grown := image.NewRGBA(image.Rect(0, 0, max(bounds.Max.X, to.X), max(bounds.Max.Y, to.Y)))
	draw.Draw(grown, bounds, c.img, image.Point{}, draw.Src)
	c.img = grown
}

// SavePNG writes the canvas to filename.
func (c *Canvas) SavePNG(filename string) error {
	if c.img.Bounds().Empty() {
		return fmt.Errorf("no bitmap updates to render")
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	if err := png.Encode(f, c.img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	return f.Close()
}

func (c *Canvas) FastPathInput(recording.Event, []rdp.FastPathInputEvent) error {
	return nil
}

func (c *Canvas) FastPathOutput(_ recording.Event, updates []rdp.FastPathOutputUpdate) error {
	for _, u := range updates {
		// fragments and bulk-compressed updates are not reassembled
		if u.UpdateCode() != rdp.FASTPATH_UPDATETYPE_BITMAP ||
			u.Fragmentation() != rdp.FASTPATH_FRAGMENT_SINGLE ||
			u.Compression()&rdp.FASTPATH_OUTPUT_COMPRESSION_USED != 0 {
			continue
		}
		c.drawUpdate(u.Data)
	}
	return nil
}

func (c *Canvas) SlowPath(_ recording.Event, input bool, pdu *rdp.SlowPathPDU) error {
	if input || pdu.Data == nil || pdu.Data.PDUType2 != rdp.PDUTYPE2_UPDATE {
		return nil
	}
	if len(pdu.Payload) < 2 || pdu.Payload[0] != updateTypeBitmap || pdu.Payload[1] != 0 {
		return nil
	}
	c.drawUpdate(pdu.Payload)
	return nil
}

// drawUpdate paints a bitmap update; a malformed one counts as skipped.
func (c *Canvas) drawUpdate(data []byte) {
	bitmaps, err := ParseBitmapUpdateData(data)
	if err != nil {
		c.Skipped++
		return
	}
	c.Draw(bitmaps)
}

func (c *Canvas) Other(recording.Event) error {
	return nil
}

var _ recording.Handler = (*Canvas)(nil)
