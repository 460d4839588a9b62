package kmain

import (
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/fogleman/gg"
)

const (
	frameMapColumns = 64
	frameMapCell    = 8
)

// frameColor returns the colour of a frame with the supplied reference count.
func frameColor(count uint8) color.RGBA {
	switch count {
	case 0:
		return color.RGBA{R: 0x20, G: 0x20, B: 0x28, A: 0xff}
	case 1:
		// table nodes and private kernel pages
		return color.RGBA{R: 0x3c, G: 0x8d, B: 0xbc, A: 0xff}
	case 2:
		// user pages mapped by a single process
		return color.RGBA{R: 0x4c, G: 0xaf, B: 0x50, A: 0xff}
	default:
		// shared copy-on-write pages
		shade := uint8(0xff)
		if extra := int(count-3) * 0x18; extra < 0xa0 {
			shade = uint8(0xa0 + extra)
		}
		return color.RGBA{R: shade, G: 0x60, B: 0x30, A: 0xff}
	}
}

// RenderFrameMap draws one cell per frame, coloured by reference count, and
// encodes the picture as a PNG to w.
func RenderFrameMap(counts []uint8, w io.Writer) error {
	if len(counts) == 0 {
		return fmt.Errorf("frame map: no frames")
	}

	rows := (len(counts) + frameMapColumns - 1) / frameMapColumns
	dc := gg.NewContext(frameMapColumns*frameMapCell, rows*frameMapCell)
	dc.SetColor(color.Black)
	dc.Clear()

	for index, count := range counts {
		x := float64(index%frameMapColumns) * frameMapCell
		y := float64(index/frameMapColumns) * frameMapCell
		dc.DrawRectangle(x, y, frameMapCell-1, frameMapCell-1)
		dc.SetColor(frameColor(count))
		dc.Fill()
	}

	return dc.EncodePNG(w)
}

// WriteFrameMap renders the busiest frame map observed while the kernel ran
// to the PNG file at path.
func (k *Kernel) WriteFrameMap(path string) error {
	counts := k.PeakRefCounts()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = RenderFrameMap(counts, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
