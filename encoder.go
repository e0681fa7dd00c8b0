package pngx

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// encoder holds the state of one encode call. Like the decoder it is
// single-use: buffers live for the call and are never shared.
type encoder struct {
	w    io.Writer
	img  *Image
	pal  *Palette
	sink Sink

	trans         Transparency
	alphaNeeded   bool
	hasBackground bool

	colorType colorType
}

// selectColorType maps the canonical pixel format plus the alpha policy to
// the emitted on-disk color model.
func (e *encoder) selectColorType() {
	switch e.img.Format {
	case RGB:
		if e.alphaNeeded {
			e.colorType = ctTrueAlpha
		} else {
			e.colorType = ctTrueColor
		}
	case Grayscale:
		if e.alphaNeeded {
			e.colorType = ctGrayAlpha
		} else {
			e.colorType = ctGray
		}
	case Indexed:
		e.colorType = ctPalette
	}
}

// writeIHDR emits the header: stated dimensions, 8-bit depth, the selected
// color model, no interlacing.
func (e *encoder) writeIHDR() error {
	var data [13]byte
	binary.BigEndian.PutUint32(data[0:4], uint32(e.img.Width))
	binary.BigEndian.PutUint32(data[4:8], uint32(e.img.Height))
	data[8] = 8
	data[9] = byte(e.colorType)
	// Compression, filter and interlace methods are all zero.

	return writeChunk(e.w, chunkIHDR, data[:])
}

// writePLTE always emits the full 256-entry palette, black-padded, so the
// output is stable regardless of how many colors are actually used.
func (e *encoder) writePLTE() error {
	data := make([]byte, PaletteSize*3)
	if e.pal != nil {
		for c := 0; c < PaletteSize; c++ {
			r, g, b := e.pal.At(c)
			data[c*3+0] = r
			data[c*3+1] = g
			data[c*3+2] = b
		}
	}

	return writeChunk(e.w, chunkPLTE, data)
}

// writeTRNS emits the transparency table for indexed output: exactly
// maskIndex+1 entries, zero alpha at the mask index and full alpha below
// it. Entries past the mask index are omitted, not padded; readers treat
// missing entries as opaque. Emitted only when the document has no
// background layer.
func (e *encoder) writeTRNS() error {
	mask := e.trans.MaskIndex
	if mask < 0 {
		// Documents without an explicit mask default to entry 0.
		mask = 0
	}

	data := make([]byte, mask+1)
	for c := range data {
		if c == mask {
			data[c] = 0
		} else {
			data[c] = 0xFF
		}
	}

	return writeChunk(e.w, chunkTRNS, data)
}

// writeRows packs and deflates every row in a single pass, reporting
// progress after each one. Compressed bytes stream out as IDAT chunks as
// the deflater flushes; a mid-write failure leaves whatever was already
// flushed in place.
func (e *encoder) writeRows() error {
	pack, err := packerFor(e.colorType)
	if err != nil {
		return err
	}

	zw := zlib.NewWriter(&idatWriter{w: e.w})
	rowBytes := e.img.Width * e.colorType.channels()
	row := make([]byte, 1+rowBytes)
	row[0] = ftNone

	height := e.img.Height
	for y := 0; y < height; y++ {
		pack(row[1:], e.img.Row(y), e.img.Width)
		if _, err := zw.Write(row); err != nil {
			return fmt.Errorf("%w: row %d: %w", ErrWrite, y, err)
		}
		e.sink.Progress(float64(y+1) / float64(height))
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: flushing image data: %w", ErrWrite, err)
	}

	return nil
}

// encode runs the full pipeline: signature, header, palette and
// transparency metadata, rows, trailer.
func (e *encoder) encode() error {
	if e.img == nil || e.img.Width <= 0 || e.img.Height <= 0 {
		return fmt.Errorf("%w: nil or empty image", ErrWrite)
	}
	if e.img.Stride != e.img.Width*e.img.Format.BytesPerPixel() ||
		len(e.img.Pix) != e.img.Height*e.img.Stride {
		return fmt.Errorf("%w: inconsistent image buffer", ErrWrite)
	}

	e.selectColorType()

	if _, err := e.w.Write(pngSignature); err != nil {
		return fmt.Errorf("%w: signature: %w", ErrWrite, err)
	}
	if err := e.writeIHDR(); err != nil {
		return err
	}

	if e.colorType == ctPalette {
		if err := e.writePLTE(); err != nil {
			return err
		}
		if !e.hasBackground {
			if err := e.writeTRNS(); err != nil {
				return err
			}
		}
	}

	if err := e.writeRows(); err != nil {
		return err
	}

	return writeChunk(e.w, chunkIEND, nil)
}
